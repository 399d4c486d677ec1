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

	"trpc.group/trpc-go/trpc-graph-go/graph/internal/channel"
)

// StateGraph provides a fluent interface for building graphs.
// This is the primary public API for creating executable graphs.
//
// StateGraph provides:
//   - Type-safe state management with schemas and reducers
//   - Conditional routing and dynamic node execution
//   - Command support for combined state updates and routing
//
// Example usage:
//
//	schema := NewStateSchema().AddField("counter", StateField{...})
//	graph, err := NewStateGraph(schema).
//	  AddNode("increment", incrementFunc).
//	  SetEntryPoint("increment").
//	  SetFinishPoint("increment").
//	  Compile()
//
// The compiled Graph can then be executed with NewExecutor(graph).
type StateGraph struct {
	graph     *Graph
	joinEdges []joinEdge
	err       error
}

type joinEdge struct {
	froms []string
	to    string
}

// NewStateGraph creates a new graph builder with the given state schema.
func NewStateGraph(schema *StateSchema) *StateGraph {
	return &StateGraph{
		graph: New(schema),
	}
}

// record keeps the first build error; Compile surfaces it.
func (sg *StateGraph) record(err error) {
	if err != nil && sg.err == nil {
		sg.err = err
	}
}

// Option is a function that configures a Node.
type Option func(*Node)

// WithName sets the name of the node.
func WithName(name string) Option {
	return func(node *Node) {
		node.Name = name
	}
}

// WithDescription sets the description of the node.
func WithDescription(description string) Option {
	return func(node *Node) {
		node.Description = description
	}
}

// WithRetryPolicy overrides the executor's retry policy for this node.
func WithRetryPolicy(policy *RetryPolicy) Option {
	return func(node *Node) {
		node.retryPolicy = policy
	}
}

// WithDestinations declares the nodes this one may route to dynamically
// through Command or Send, keyed by node ID with an optional label.
// Destinations are validated at compile time.
func WithDestinations(destinations map[string]string) Option {
	return func(node *Node) {
		node.destinations = destinations
	}
}

// WithChannels restricts the state projection the node receives to the
// named channels. The default is the full state.
func WithChannels(names ...string) Option {
	return func(node *Node) {
		node.channels = append(node.channels, names...)
	}
}

// WithTriggerChannels subscribes the node to extra channels beyond the
// trigger materialized for its incoming edges.
func WithTriggerChannels(names ...string) Option {
	return func(node *Node) {
		node.userTriggers = append(node.userTriggers, names...)
	}
}

// AddNode adds a node with the given ID and function.
// The name and description of the node can be set with the options.
func (sg *StateGraph) AddNode(id string, function NodeFunc, opts ...Option) *StateGraph {
	node := &Node{
		ID:       id,
		Name:     id,
		Function: function,
	}
	for _, opt := range opts {
		opt(node)
	}
	sg.record(sg.graph.addNode(node))
	return sg
}

// AddSubgraph adds a node that runs a compiled child graph. The child
// executes under a checkpoint namespace derived from the parent's, so its
// checkpoints live beside the parent's without colliding.
func (sg *StateGraph) AddSubgraph(id string, child *Graph, opts ...Option) *StateGraph {
	if child == nil {
		sg.record(fmt.Errorf("subgraph node %s has no child graph", id))
		return sg
	}
	node := &Node{
		ID:       id,
		Name:     id,
		subgraph: child,
	}
	for _, opt := range opts {
		opt(node)
	}
	sg.record(sg.graph.addNode(node))
	return sg
}

// AddEdge adds a normal edge between two nodes. An edge from Start also
// marks the target as the entry point if none is set yet.
func (sg *StateGraph) AddEdge(from, to string) *StateGraph {
	edge := &Edge{
		From: from,
		To:   to,
	}
	sg.record(sg.graph.addEdge(edge))
	if from == Start && sg.graph.EntryPoint() == "" {
		sg.record(sg.graph.setEntryPoint(to))
	}
	return sg
}

// AddConditionalEdges adds conditional routing from a node. The condition
// runs after the node and its result maps through pathMap to the next
// node, or ends the branch when it maps to End.
func (sg *StateGraph) AddConditionalEdges(
	from string,
	condition ConditionalFunc,
	pathMap map[string]string,
) *StateGraph {
	condEdge := &ConditionalEdge{
		From:      from,
		Condition: condition,
		PathMap:   pathMap,
	}
	sg.record(sg.graph.addConditionalEdge(condEdge))
	return sg
}

// AddMultiConditionalEdges adds conditional routing that may select
// several targets; each selected target runs in the next superstep.
func (sg *StateGraph) AddMultiConditionalEdges(
	from string,
	condition MultiConditionalFunc,
	pathMap map[string]string,
) *StateGraph {
	condEdge := &ConditionalEdge{
		From:           from,
		MultiCondition: condition,
		PathMap:        pathMap,
	}
	sg.record(sg.graph.addConditionalEdge(condEdge))
	return sg
}

// AddJoinEdge adds a barrier edge: to runs once every node in froms has
// completed, however many supersteps that takes.
func (sg *StateGraph) AddJoinEdge(froms []string, to string) *StateGraph {
	if len(froms) == 0 {
		sg.record(fmt.Errorf("join edge into %s has no sources", to))
		return sg
	}
	for _, from := range froms {
		if _, ok := sg.graph.Node(from); !ok {
			sg.record(fmt.Errorf("join source node %s does not exist", from))
			return sg
		}
	}
	if _, ok := sg.graph.Node(to); !ok {
		sg.record(fmt.Errorf("join target node %s does not exist", to))
		return sg
	}
	sg.joinEdges = append(sg.joinEdges, joinEdge{froms: froms, to: to})
	return sg
}

// AddChannel declares a custom channel with the given behavior. Channels
// share the state-key namespace: node functions write them by returning
// a State update keyed by the channel name.
func (sg *StateGraph) AddChannel(name string, behavior ChannelBehavior) *StateGraph {
	return sg.AddChannelSpec(name, ChannelSpec{Behavior: behavior})
}

// AddChannelSpec declares a custom channel with full behavior options.
// A declared channel takes precedence over the spec derived from a schema
// field of the same name.
func (sg *StateGraph) AddChannelSpec(name string, spec ChannelSpec) *StateGraph {
	if name == "" {
		sg.record(fmt.Errorf("channel name cannot be empty"))
		return sg
	}
	if err := validateChannelName(name); err != nil {
		sg.record(err)
		return sg
	}
	switch spec.Behavior {
	case ChannelBehaviorBinaryOperator:
		if spec.Operator == nil {
			sg.record(fmt.Errorf("channel %s requires an operator", name))
			return sg
		}
	case ChannelBehaviorBarrier, ChannelBehaviorBarrierAfterFinish:
		if len(spec.Names) == 0 {
			sg.record(fmt.Errorf("barrier channel %s requires names", name))
			return sg
		}
	}
	sg.graph.addChannelSpec(name, spec.internal())
	return sg
}

// SetEntryPoint sets the entry point of the graph.
// This is equivalent to addEdge(Start, nodeId).
func (sg *StateGraph) SetEntryPoint(nodeID string) *StateGraph {
	sg.record(sg.graph.setEntryPoint(nodeID))
	// Also add an edge from Start to make it explicit
	sg.AddEdge(Start, nodeID)
	return sg
}

// SetConditionalEntryPoint routes the input through a condition instead of
// a fixed entry node. The condition is evaluated against the initial state
// before the first superstep.
func (sg *StateGraph) SetConditionalEntryPoint(
	condition ConditionalFunc,
	pathMap map[string]string,
) *StateGraph {
	return sg.AddConditionalEdges(Start, condition, pathMap)
}

// SetFinishPoint adds an edge from the node to End.
// This is equivalent to addEdge(nodeId, End).
func (sg *StateGraph) SetFinishPoint(nodeID string) *StateGraph {
	sg.AddEdge(nodeID, End)
	return sg
}

// CompileOption configures compilation.
type CompileOption func(*compileOptions)

type compileOptions struct {
	interruptBefore []string
	interruptAfter  []string
}

// WithInterruptBefore pauses execution before the named nodes run. The
// pause produces a resumable checkpoint, like a breakpoint.
func WithInterruptBefore(nodes ...string) CompileOption {
	return func(o *compileOptions) {
		o.interruptBefore = append(o.interruptBefore, nodes...)
	}
}

// WithInterruptAfter pauses execution after the named nodes complete.
func WithInterruptAfter(nodes ...string) CompileOption {
	return func(o *compileOptions) {
		o.interruptAfter = append(o.interruptAfter, nodes...)
	}
}

// Compile materializes channels, triggers and writers, validates the
// result, and returns the graph ready for execution.
func (sg *StateGraph) Compile(opts ...CompileOption) (*Graph, error) {
	if sg.err != nil {
		return nil, NewGraphError(ErrorKindValidation, sg.err)
	}
	options := &compileOptions{}
	for _, opt := range opts {
		opt(options)
	}
	g := sg.graph

	// One channel per schema field; explicitly declared specs win.
	for _, name := range g.schema.FieldNames() {
		if err := validateChannelName(name); err != nil {
			return nil, NewGraphError(ErrorKindValidation, err)
		}
		if g.hasChannel(name) {
			continue
		}
		field, _ := g.schema.Field(name)
		g.addChannelSpec(name, specFromStateField(field))
	}

	// Every node gets a trigger channel and subscribes to it. Edge
	// writes, conditional routing, and Command goto all land here.
	for _, id := range g.Nodes() {
		g.addChannelSpec(branchChannel(id), channel.Spec{Behavior: channel.BehaviorAnyValue})
		g.addNodeTrigger(branchChannel(id), id)
	}

	// Static edges become writes to the target's trigger channel.
	for _, id := range g.Nodes() {
		for _, edge := range g.Edges(id) {
			if edge.To == End {
				continue
			}
			g.addNodeWriter(id, channelWriteEntry{Channel: branchChannel(edge.To), Value: id})
		}
	}

	// Join edges become a barrier over their sources.
	for _, je := range sg.joinEdges {
		name := joinChannel(je.to)
		g.addChannelSpec(name, channel.Spec{
			Behavior: channel.BehaviorNamedBarrier,
			Names:    je.froms,
		})
		for _, from := range je.froms {
			g.addNodeWriter(from, channelWriteEntry{Channel: name, Value: from})
		}
		g.addNodeTrigger(name, je.to)
	}

	// Build-time channel subscriptions and read restrictions.
	for _, id := range g.Nodes() {
		node, _ := g.Node(id)
		for _, name := range node.userTriggers {
			if !g.hasChannel(name) {
				return nil, NewGraphError(ErrorKindValidation,
					fmt.Errorf("node %s triggers on undeclared channel %s", id, name))
			}
			g.addNodeTrigger(name, id)
		}
		for _, name := range node.channels {
			if !g.hasChannel(name) {
				return nil, NewGraphError(ErrorKindValidation,
					fmt.Errorf("node %s reads undeclared channel %s", id, name))
			}
		}
	}

	g.mu.Lock()
	g.interruptBefore = append([]string(nil), options.interruptBefore...)
	g.interruptAfter = append([]string(nil), options.interruptAfter...)
	g.mu.Unlock()

	if err := g.validate(); err != nil {
		return nil, NewGraphError(ErrorKindValidation, err)
	}
	return g, nil
}

// MustCompile compiles the graph or panics if invalid.
func (sg *StateGraph) MustCompile(opts ...CompileOption) *Graph {
	graph, err := sg.Compile(opts...)
	if err != nil {
		panic(err)
	}
	return graph
}
