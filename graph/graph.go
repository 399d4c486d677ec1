//
// Tencent is pleased to support the open source community by making trpc-graph-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-graph-go is licensed under the Apache License Version 2.0.
//
//

// Package graph implements a deterministic, checkpointed scheduler over a
// user-defined graph of nodes communicating through versioned channels.
// Execution proceeds in supersteps: plan the tasks a checkpoint makes
// eligible, run them in parallel, commit their writes, checkpoint, repeat.
package graph

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"trpc.group/trpc-go/trpc-graph-go/graph/internal/channel"
)

// NodeFunc is the function a node executes. It receives a clone of the
// current state and returns a State update, a *Command, or []*Send.
type NodeFunc func(ctx context.Context, state State) (any, error)

// ConditionalFunc routes to the next node based on state.
type ConditionalFunc func(ctx context.Context, state State) (string, error)

// MultiConditionalFunc routes to several next nodes for parallel execution.
type MultiConditionalFunc func(ctx context.Context, state State) ([]string, error)

// channelWriteEntry is a static write a node performs after running, such as
// the trigger write materialized for an outgoing edge.
type channelWriteEntry struct {
	Channel string
	Value   any
}

// Node is a unit of work in the compiled graph.
type Node struct {
	ID          string
	Name        string
	Description string
	Function    NodeFunc

	// triggers are the channels whose updates make this node eligible.
	triggers []string
	// channels restricts the state projection this node receives; empty
	// means the full state.
	channels []string
	// userTriggers are extra trigger subscriptions declared at build time.
	userTriggers []string
	// writers are the static writes performed after the node runs.
	writers []channelWriteEntry
	// retryPolicy overrides the executor default for this node.
	retryPolicy *RetryPolicy
	// destinations declares targets of dynamic Command routing, keyed by
	// node ID with an optional label.
	destinations map[string]string
	// subgraph holds the compiled child graph when the node wraps one.
	subgraph *Graph
}

// Edge connects two nodes.
type Edge struct {
	From string
	To   string
}

// ConditionalEdge routes from a node to one or more targets chosen at
// runtime. Exactly one of Condition and MultiCondition is set.
type ConditionalEdge struct {
	From           string
	Condition      ConditionalFunc
	MultiCondition MultiConditionalFunc
	// PathMap maps condition results to target node IDs.
	PathMap map[string]string
}

// Send schedules one extra task for a node in the next superstep. The
// packet's Arg becomes the task's input state, so a node can fan work out
// to many instances of another node, each with its own payload.
type Send struct {
	Node string `json:"node"`
	Arg  State  `json:"arg,omitempty"`
}

// Command combines a state update with routing. Nodes return *Command to
// update state and steer execution in one result; callers pass *Command as
// run input to resume from an interrupt.
type Command struct {
	// Update is merged into state like a plain node result.
	Update State
	// Goto routes execution: a node ID string, *Send, or []*Send.
	Goto any
	// Resume answers the pending interrupt of the current thread.
	Resume any
	// ResumeMap answers several interrupts keyed by interrupt ID.
	ResumeMap map[string]any
	// Graph targets the parent graph when set to CommandParent.
	Graph string
}

// Graph is the immutable runtime structure produced by StateGraph.Compile.
// It is safe for concurrent use; one Graph can back many executors.
type Graph struct {
	mu               sync.RWMutex
	schema           *StateSchema
	nodes            map[string]*Node
	nodeOrder        []string
	edges            map[string][]*Edge
	conditionalEdges map[string]*ConditionalEdge
	entryPoint       string

	// channelSpecs declares every channel: one per state field, one per
	// materialized edge trigger, plus explicitly added channels.
	channelSpecs map[string]channel.Spec
	// triggerToNodes maps a channel to the nodes it triggers.
	triggerToNodes map[string][]string

	interruptBefore []string
	interruptAfter  []string
}

// New creates an empty graph with the given state schema.
func New(schema *StateSchema) *Graph {
	if schema == nil {
		schema = NewStateSchema()
	}
	return &Graph{
		schema:           schema,
		nodes:            make(map[string]*Node),
		edges:            make(map[string][]*Edge),
		conditionalEdges: make(map[string]*ConditionalEdge),
		channelSpecs:     make(map[string]channel.Spec),
		triggerToNodes:   make(map[string][]string),
	}
}

// Node returns a node by ID.
func (g *Graph) Node(id string) (*Node, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	node, exists := g.nodes[id]
	return node, exists
}

// Nodes returns the node IDs in insertion order. The planner uses this
// order as its deterministic tie-break.
func (g *Graph) Nodes() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]string, len(g.nodeOrder))
	copy(out, g.nodeOrder)
	return out
}

// Edges returns all outgoing edges from a node.
func (g *Graph) Edges(nodeID string) []*Edge {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.edges[nodeID]
}

// ConditionalEdge returns the conditional edge from a node.
func (g *Graph) ConditionalEdge(nodeID string) (*ConditionalEdge, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	edge, exists := g.conditionalEdges[nodeID]
	return edge, exists
}

// EntryPoint returns the entry point node ID.
func (g *Graph) EntryPoint() string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.entryPoint
}

// Schema returns the state schema.
func (g *Graph) Schema() *StateSchema {
	return g.schema
}

// InterruptBefore returns the nodes execution pauses before.
func (g *Graph) InterruptBefore() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return append([]string(nil), g.interruptBefore...)
}

// InterruptAfter returns the nodes execution pauses after.
func (g *Graph) InterruptAfter() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return append([]string(nil), g.interruptAfter...)
}

// newChannelManager creates a fresh per-run channel container from the
// compiled specs. Runs never share channel instances.
func (g *Graph) newChannelManager() *channel.Manager {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return channel.NewManager(g.channelSpecs)
}

// triggerSubscribers returns the nodes triggered by a channel.
func (g *Graph) triggerSubscribers(channelName string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return append([]string(nil), g.triggerToNodes[channelName]...)
}

// getSubgraphs returns the compiled child graphs keyed by node ID.
func (g *Graph) getSubgraphs() map[string]*Graph {
	g.mu.RLock()
	defer g.mu.RUnlock()
	subgraphs := make(map[string]*Graph)
	for id, node := range g.nodes {
		if node.subgraph != nil {
			subgraphs[id] = node.subgraph
		}
	}
	return subgraphs
}

func (g *Graph) addNode(node *Node) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if node.ID == "" {
		return fmt.Errorf("node ID cannot be empty")
	}
	if err := validateNodeID(node.ID); err != nil {
		return err
	}
	if _, exists := g.nodes[node.ID]; exists {
		return fmt.Errorf("node with ID %s already exists", node.ID)
	}
	g.nodes[node.ID] = node
	g.nodeOrder = append(g.nodeOrder, node.ID)
	return nil
}

func (g *Graph) addEdge(edge *Edge) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if edge.From == "" || edge.To == "" {
		return fmt.Errorf("edge from and to cannot be empty")
	}
	if edge.From != Start {
		if _, exists := g.nodes[edge.From]; !exists {
			return fmt.Errorf("source node %s does not exist", edge.From)
		}
	}
	if edge.To != End {
		if _, exists := g.nodes[edge.To]; !exists {
			return fmt.Errorf("target node %s does not exist", edge.To)
		}
	}
	g.edges[edge.From] = append(g.edges[edge.From], edge)
	return nil
}

func (g *Graph) addConditionalEdge(condEdge *ConditionalEdge) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if condEdge.From == "" {
		return fmt.Errorf("conditional edge from cannot be empty")
	}
	if condEdge.Condition == nil && condEdge.MultiCondition == nil {
		return fmt.Errorf("conditional edge from %s has no condition", condEdge.From)
	}
	if condEdge.From != Start {
		if _, exists := g.nodes[condEdge.From]; !exists {
			return fmt.Errorf("source node %s does not exist", condEdge.From)
		}
	}
	for _, to := range condEdge.PathMap {
		if to != End {
			if _, exists := g.nodes[to]; !exists {
				return fmt.Errorf("target node %s does not exist", to)
			}
		}
	}
	g.conditionalEdges[condEdge.From] = condEdge
	return nil
}

func (g *Graph) setEntryPoint(nodeID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if nodeID != "" {
		if _, exists := g.nodes[nodeID]; !exists {
			return fmt.Errorf("entry point node %s does not exist", nodeID)
		}
	}
	g.entryPoint = nodeID
	return nil
}

func (g *Graph) addChannelSpec(name string, spec channel.Spec) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.channelSpecs[name] = spec
}

func (g *Graph) hasChannel(name string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	_, ok := g.channelSpecs[name]
	return ok
}

func (g *Graph) addNodeTrigger(channelName, nodeID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, n := range g.triggerToNodes[channelName] {
		if n == nodeID {
			return
		}
	}
	g.triggerToNodes[channelName] = append(g.triggerToNodes[channelName], nodeID)
	if node, exists := g.nodes[nodeID]; exists {
		for _, t := range node.triggers {
			if t == channelName {
				return
			}
		}
		node.triggers = append(node.triggers, channelName)
	}
}

func (g *Graph) addNodeWriter(nodeID string, writer channelWriteEntry) {
	g.mu.Lock()
	defer g.mu.Unlock()
	node, exists := g.nodes[nodeID]
	if !exists {
		return
	}
	for _, w := range node.writers {
		if w.Channel == writer.Channel {
			return
		}
	}
	node.writers = append(node.writers, writer)
}

// validate checks the compiled structure.
func (g *Graph) validate() error {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if g.entryPoint == "" {
		// A conditional edge from Start routes the input instead.
		if _, ok := g.conditionalEdges[Start]; !ok {
			return fmt.Errorf("graph must have an entry point")
		}
	} else if _, exists := g.nodes[g.entryPoint]; !exists {
		return fmt.Errorf("entry point node %s does not exist", g.entryPoint)
	}
	for _, n := range g.nodes {
		for to := range n.destinations {
			if to == End {
				continue
			}
			if _, ok := g.nodes[to]; !ok {
				return fmt.Errorf("node %s declares destination %s which does not exist", n.ID, to)
			}
		}
	}
	for _, id := range g.interruptBefore {
		if _, ok := g.nodes[id]; !ok {
			return fmt.Errorf("interrupt before references unknown node %s", id)
		}
	}
	for _, id := range g.interruptAfter {
		if _, ok := g.nodes[id]; !ok {
			return fmt.Errorf("interrupt after references unknown node %s", id)
		}
	}
	return nil
}

// reservedNodeNames are runtime tokens forbidden as node names.
var reservedNodeNames = map[string]bool{
	Start:            true,
	End:              true,
	ChannelInterrupt: true,
	ChannelResume:    true,
	ChannelError:     true,
	ChannelTasks:     true,
	ChannelScheduled: true,
	TriggerPush:      true,
	CommandParent:    true,
}

func validateNodeID(id string) error {
	if reservedNodeNames[id] {
		return fmt.Errorf("node ID %s is reserved", id)
	}
	if strings.HasPrefix(id, BranchPrefix) || strings.HasPrefix(id, JoinPrefix) {
		return fmt.Errorf("node ID %s uses a reserved prefix", id)
	}
	return nil
}

// validateChannelName guards user-declared channels and state fields
// against the runtime's reserved tokens. Channels and state fields share
// one namespace.
func validateChannelName(name string) error {
	if reservedNodeNames[name] {
		return fmt.Errorf("channel name %s is reserved", name)
	}
	if strings.HasPrefix(name, BranchPrefix) || strings.HasPrefix(name, JoinPrefix) {
		return fmt.Errorf("channel name %s uses a reserved prefix", name)
	}
	return nil
}

// branchChannel names the trigger channel materialized for edges into a node.
func branchChannel(nodeID string) string {
	return BranchPrefix + nodeID
}

// joinChannel names the barrier channel materialized for join edges into a node.
func joinChannel(nodeID string) string {
	return JoinPrefix + nodeID
}
