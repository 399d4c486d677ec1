//
// Tencent is pleased to support the open source community by making trpc-graph-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-graph-go is licensed under the Apache License Version 2.0.
//
//

package graph_test

import (
	"context"
	"fmt"
	"strings"

	"trpc.group/trpc-go/trpc-graph-go/graph"
	"trpc.group/trpc-go/trpc-graph-go/graph/checkpoint/inmemory"
)

// Example_pipeline runs a two-node document pipeline to completion.
func Example_pipeline() {
	schema := graph.NewStateSchema().
		AddField("text", graph.StateField{Reducer: graph.DefaultReducer}).
		AddField("words", graph.StateField{Reducer: graph.DefaultReducer})

	g, err := graph.NewStateGraph(schema).
		AddNode("clean", func(ctx context.Context, state graph.State) (any, error) {
			return graph.State{"text": strings.TrimSpace(state["text"].(string))}, nil
		}).
		AddNode("count", func(ctx context.Context, state graph.State) (any, error) {
			return graph.State{"words": len(strings.Fields(state["text"].(string)))}, nil
		}).
		AddEdge("clean", "count").
		SetEntryPoint("clean").
		SetFinishPoint("count").
		Compile()
	if err != nil {
		fmt.Println(err)
		return
	}

	exec, err := graph.NewExecutor(g)
	if err != nil {
		fmt.Println(err)
		return
	}
	defer exec.Close()

	final, err := exec.Invoke(context.Background(), graph.State{"text": "  the quick brown fox  "})
	if err != nil {
		fmt.Println(err)
		return
	}
	fmt.Println(final["words"])
	// Output:
	// 4
}

// ExampleExecutor_Stream consumes per-node updates as the run progresses.
func ExampleExecutor_Stream() {
	schema := graph.NewStateSchema().
		AddField("steps", graph.StateField{Reducer: graph.AppendReducer})

	g, err := graph.NewStateGraph(schema).
		AddNode("extract", func(ctx context.Context, state graph.State) (any, error) {
			return graph.State{"steps": "extract"}, nil
		}).
		AddNode("load", func(ctx context.Context, state graph.State) (any, error) {
			return graph.State{"steps": "load"}, nil
		}).
		AddEdge("extract", "load").
		SetEntryPoint("extract").
		SetFinishPoint("load").
		Compile()
	if err != nil {
		fmt.Println(err)
		return
	}

	exec, err := graph.NewExecutor(g)
	if err != nil {
		fmt.Println(err)
		return
	}
	defer exec.Close()

	events, err := exec.Stream(context.Background(), graph.State{},
		graph.WithStreamModes(graph.StreamModeUpdates))
	if err != nil {
		fmt.Println(err)
		return
	}
	for ev := range events {
		if update, ok := ev.Payload.(graph.NodeUpdate); ok {
			fmt.Println(update.NodeID)
		}
	}
	// Output:
	// extract
	// load
}

// ExampleInterrupt pauses a run for an approval and resumes it with the
// caller's answer.
func ExampleInterrupt() {
	schema := graph.NewStateSchema().
		AddField("doc", graph.StateField{Reducer: graph.DefaultReducer}).
		AddField("decision", graph.StateField{Reducer: graph.DefaultReducer})

	g, err := graph.NewStateGraph(schema).
		AddNode("review", func(ctx context.Context, state graph.State) (any, error) {
			prompt := fmt.Sprintf("approve %v?", state["doc"])
			decision, err := graph.Interrupt(ctx, state, "approval", prompt)
			if err != nil {
				return nil, err
			}
			return graph.State{"decision": decision}, nil
		}).
		SetEntryPoint("review").
		SetFinishPoint("review").
		Compile()
	if err != nil {
		fmt.Println(err)
		return
	}

	exec, err := graph.NewExecutor(g, graph.WithCheckpointSaver(inmemory.NewSaver()))
	if err != nil {
		fmt.Println(err)
		return
	}
	defer exec.Close()

	ctx := context.Background()
	_, err = exec.Invoke(ctx, graph.State{"doc": "q3 report"}, graph.WithThreadID("doc-1"))
	if ie, ok := graph.GetInterruptError(err); ok {
		fmt.Println("paused:", ie.Value)
	}

	final, err := exec.Invoke(ctx, &graph.Command{Resume: "approved"}, graph.WithThreadID("doc-1"))
	if err != nil {
		fmt.Println(err)
		return
	}
	fmt.Println("decision:", final["decision"])
	// Output:
	// paused: approve q3 report?
	// decision: approved
}

// Example_mapReduce fans work out with Send packets and gathers the
// results through an appending field.
func Example_mapReduce() {
	schema := graph.NewStateSchema().
		AddField("squares", graph.StateField{Reducer: graph.AppendReducer})

	g, err := graph.NewStateGraph(schema).
		AddNode("fan", func(ctx context.Context, state graph.State) (any, error) {
			return []*graph.Send{
				{Node: "square", Arg: graph.State{"n": 2}},
				{Node: "square", Arg: graph.State{"n": 3}},
				{Node: "square", Arg: graph.State{"n": 4}},
			}, nil
		}).
		AddNode("square", func(ctx context.Context, state graph.State) (any, error) {
			n := state["n"].(int)
			return graph.State{"squares": n * n}, nil
		}).
		SetEntryPoint("fan").
		Compile()
	if err != nil {
		fmt.Println(err)
		return
	}

	exec, err := graph.NewExecutor(g)
	if err != nil {
		fmt.Println(err)
		return
	}
	defer exec.Close()

	final, err := exec.Invoke(context.Background(), graph.State{})
	if err != nil {
		fmt.Println(err)
		return
	}
	fmt.Println(final["squares"])
	// Output:
	// [4 9 16]
}