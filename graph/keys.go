//
// Tencent is pleased to support the open source community by making trpc-graph-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-graph-go is licensed under the Apache License Version 2.0.
//
//

package graph

// Virtual node names marking the entry and exit of a graph.
const (
	Start = "__start__"
	End   = "__end__"
)

// Reserved channel names written by the runtime. They are forbidden as node
// names and as ordinary write targets.
const (
	ChannelInterrupt = "__interrupt__"
	ChannelResume    = "__resume__"
	ChannelError     = "__error__"
	ChannelTasks     = "__pregel_tasks"
	ChannelScheduled = "__scheduled__"

	// TriggerPush is the trigger recorded on tasks planned from pending sends.
	TriggerPush = "__pregel_push__"

	// BranchPrefix prefixes the trigger channels materialized for edges.
	BranchPrefix = "branch:to:"
	// JoinPrefix prefixes the barrier channels materialized for join edges.
	JoinPrefix = "join:"
)

// Config map keys (used under config["configurable"])
const (
	CfgKeyConfigurable   = "configurable"
	CfgKeyThreadID       = "thread_id"
	CfgKeyCheckpointID   = "checkpoint_id"
	CfgKeyCheckpointNS   = "checkpoint_ns"
	CfgKeyCheckpointMap  = "checkpoint_map"
	CfgKeyResumeMap      = "resume_map"
	CfgKeyRecursionLimit = "recursion_limit"
)

// Checkpoint Metadata.Source enumeration values
const (
	CheckpointSourceInput  = "input"
	CheckpointSourceLoop   = "loop"
	CheckpointSourceUpdate = "update"
	CheckpointSourceFork   = "fork"
)

// NamespaceSeparator joins the segments of a subgraph checkpoint namespace.
const NamespaceSeparator = "|"

// CommandParent targets the parent graph in Command.Graph.
const CommandParent = "__parent__"

const (
	// DefaultRecursionLimit bounds the number of supersteps per run.
	DefaultRecursionLimit = 25
	// DefaultMaxCheckpointsPerThread bounds in-memory checkpoint retention.
	DefaultMaxCheckpointsPerThread = 1000
	// DefaultChannelBufferSize is the buffer of the stream event channel.
	DefaultChannelBufferSize = 256
)
