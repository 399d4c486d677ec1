//
// Tencent is pleased to support the open source community by making trpc-graph-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-graph-go is licensed under the Apache License Version 2.0.
//
//

package graph

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"trpc.group/trpc-go/trpc-graph-go/graph/internal/channel"
)

// taskNamespace is a randomly generated UUID namespace for deterministic
// UUID v5 task ids. Replanning the same checkpoint reproduces the same
// ids, which is how completed work is recognized after a crash.
var taskNamespace = uuid.MustParse("b0c3f5d8-2a41-4e8f-9c67-1d5e8a3b7f29")

// pullPath marks tasks scheduled by channel triggers, as opposed to
// TriggerPush tasks scheduled by Send packets.
const pullPath = "__pregel_pull__"

// Task is one planned unit of work within a superstep.
type Task struct {
	// ID is deterministic for (checkpoint, step, node, triggers).
	ID string
	// NodeID names the graph node this task runs.
	NodeID string
	// Input is the state projection the node function receives.
	Input State
	// Triggers are the channels that scheduled the task, or TriggerPush
	// for tasks planned from a Send packet.
	Triggers []string
	// Path locates the task within the plan.
	Path []string

	// triggerVersions snapshots the trigger channel versions at plan
	// time; commit copies them into versions_seen for this node.
	triggerVersions map[string]int64
	// isSend marks tasks planned from a pending Send packet.
	isSend bool
}

// taskPlanner derives the task set a checkpoint makes eligible.
type taskPlanner struct {
	graph *Graph
}

func newTaskPlanner(graph *Graph) *taskPlanner {
	return &taskPlanner{graph: graph}
}

// Plan returns the tasks for one superstep in deterministic order: Send
// packets in emission order, then triggered nodes in build order. An
// empty plan means the run is complete.
func (p *taskPlanner) Plan(ckpt *Checkpoint, mgr *channel.Manager, step int) ([]*Task, error) {
	var tasks []*Task
	for i, send := range ckpt.PendingSends {
		if _, ok := p.graph.Node(send.Channel); !ok {
			return nil, NewGraphError(ErrorKindValidation,
				fmt.Errorf("send targets unknown node %s", send.Channel))
		}
		tasks = append(tasks, &Task{
			ID:       pushTaskID(ckpt.ID, step, i, send.Channel),
			NodeID:   send.Channel,
			Input:    sendInput(send.Value),
			Triggers: []string{TriggerPush},
			Path:     []string{TriggerPush, strconv.Itoa(i)},
			isSend:   true,
		})
	}
	for _, id := range p.graph.Nodes() {
		node, _ := p.graph.Node(id)
		seen := ckpt.VersionsSeen[id]
		var fired []string
		var firedVersions map[string]int64
		for _, c := range node.triggers {
			v, ok := ckpt.ChannelVersions[c]
			if !ok || v <= seen[c] || !mgr.IsAvailable(c) {
				continue
			}
			fired = append(fired, c)
			if firedVersions == nil {
				firedVersions = make(map[string]int64)
			}
			firedVersions[c] = v
		}
		if len(fired) == 0 {
			continue
		}
		tasks = append(tasks, &Task{
			ID:              pullTaskID(ckpt.ID, step, id, fired),
			NodeID:          id,
			Input:           p.projectState(mgr, node),
			Triggers:        fired,
			Path:            []string{pullPath, id},
			triggerVersions: firedVersions,
		})
	}
	return tasks, nil
}

// projectState builds the task input from the available channels. Trigger
// bookkeeping channels never appear in node input.
func (p *taskPlanner) projectState(mgr *channel.Manager, node *Node) State {
	if len(node.channels) > 0 {
		state := make(State, len(node.channels))
		for _, name := range node.channels {
			if v, err := mgr.Get(name); err == nil {
				state[name] = v
			}
		}
		return state
	}
	snap := mgr.Snapshot()
	state := make(State, len(snap))
	for name, v := range snap {
		if strings.HasPrefix(name, BranchPrefix) || strings.HasPrefix(name, JoinPrefix) {
			continue
		}
		state[name] = v
	}
	return state
}

// sendInput normalizes a persisted Send payload back into a State. The
// payload round-trips through the serializer, so maps may arrive untyped.
func sendInput(v any) State {
	switch arg := v.(type) {
	case State:
		return arg.Clone()
	case map[string]any:
		return State(arg).Clone()
	case nil:
		return State{}
	default:
		return State{ChannelTasks: arg}
	}
}

func pushTaskID(checkpointID string, step, index int, node string) string {
	name := fmt.Sprintf("%s|%s|%d|%d|%s", checkpointID, ChannelTasks, step, index, node)
	return uuid.NewSHA1(taskNamespace, []byte(name)).String()
}

func pullTaskID(checkpointID string, step int, node string, triggers []string) string {
	sorted := append([]string(nil), triggers...)
	sort.Strings(sorted)
	name := fmt.Sprintf("%s|%s|%d|%s", checkpointID, node, step, strings.Join(sorted, ","))
	return uuid.NewSHA1(taskNamespace, []byte(name)).String()
}
