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
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"time"

	"github.com/google/uuid"
)

const (
	// CheckpointVersion is the current version of the checkpoint format.
	CheckpointVersion = 1

	// DefaultCheckpointNamespace is the namespace of the root graph.
	DefaultCheckpointNamespace = ""
)

// Checkpoint is a snapshot of every channel at a committed superstep
// boundary. IDs are version-6 UUIDs so lexical order matches creation order
// within a thread.
type Checkpoint struct {
	// Version is the version of the checkpoint format.
	Version int `json:"v"`
	// ID is the unique identifier for this checkpoint.
	ID string `json:"id"`
	// Timestamp is when the checkpoint was created.
	Timestamp time.Time `json:"ts"`
	// ChannelValues contains the values of available channels at checkpoint time.
	ChannelValues map[string]any `json:"channel_values"`
	// ChannelVersions contains the monotonic version of every channel ever updated.
	ChannelVersions map[string]int64 `json:"channel_versions"`
	// VersionsSeen tracks, per node, the channel versions already processed.
	VersionsSeen map[string]map[string]int64 `json:"versions_seen"`
	// ParentCheckpointID is the ID of the parent checkpoint (for branching).
	ParentCheckpointID string `json:"parent_checkpoint_id,omitempty"`
	// UpdatedChannels lists channels updated by the step that produced this checkpoint.
	UpdatedChannels []string `json:"updated_channels,omitempty"`
	// PendingSends are queued Send packets planned as tasks on the next step.
	PendingSends []PendingSend `json:"pending_sends,omitempty"`
	// InterruptState carries the interrupt this checkpoint stopped at, if any.
	InterruptState *InterruptState `json:"interrupt_state,omitempty"`
	// NextNodes lists the nodes the planner would run from this checkpoint.
	NextNodes []string `json:"next_nodes,omitempty"`
	// NextChannels lists the channels whose updates trigger those nodes.
	NextChannels []string `json:"next_channels,omitempty"`
}

// InterruptState records where a run stopped so a later invocation can
// resume deterministically.
type InterruptState struct {
	// NodeID is the node where execution was interrupted.
	NodeID string `json:"node_id"`
	// TaskID is the task that was interrupted.
	TaskID string `json:"task_id"`
	// InterruptValue is the value passed to Interrupt.
	InterruptValue any `json:"interrupt_value"`
	// ResumeValues are values consumed by Interrupt calls on re-execution.
	ResumeValues []any `json:"resume_values,omitempty"`
	// Step is the step number when the interrupt occurred.
	Step int `json:"step"`
	// Path is the execution path to the interrupted node.
	Path []string `json:"path,omitempty"`
}

// PendingSend is a Send packet recorded in a checkpoint and planned as a
// task at the start of the next step.
type PendingSend struct {
	// Channel is the target node's task channel.
	Channel string `json:"channel"`
	// Value is the packet payload handed to the node as input.
	Value any `json:"value"`
	// TaskID is the task that emitted this send.
	TaskID string `json:"task_id,omitempty"`
}

// CheckpointMetadata describes how and when a checkpoint was produced.
type CheckpointMetadata struct {
	// Source indicates how the checkpoint was created: input, loop, update or fork.
	Source string `json:"source"`
	// Step is the superstep number; -1 marks the input checkpoint.
	Step int `json:"step"`
	// Writes maps node names to the writes committed by the producing step.
	Writes map[string]any `json:"writes,omitempty"`
	// Parents maps checkpoint namespaces to parent checkpoint IDs.
	Parents map[string]string `json:"parents"`
	// Extra carries additional metadata fields.
	Extra map[string]any `json:"extra,omitempty"`
	// IsResuming marks checkpoints loaded to continue an interrupted run.
	IsResuming bool `json:"is_resuming,omitempty"`
}

// CheckpointTuple bundles a checkpoint with its config, metadata, parent
// link and any writes persisted after the checkpoint was taken.
type CheckpointTuple struct {
	Config        map[string]any      `json:"config"`
	Checkpoint    *Checkpoint         `json:"checkpoint"`
	Metadata      *CheckpointMetadata `json:"metadata"`
	ParentConfig  map[string]any      `json:"parent_config,omitempty"`
	PendingWrites []PendingWrite      `json:"pending_writes,omitempty"`
}

// PendingWrite is a successful task write persisted before the step commits.
// On resume the planner skips tasks whose writes are already recorded.
type PendingWrite struct {
	// TaskID is the task that produced this write.
	TaskID string `json:"task_id"`
	// Channel is the channel being written to.
	Channel string `json:"channel"`
	// Value is the value being written.
	Value any `json:"value"`
	// Sequence orders writes globally for deterministic replay.
	Sequence int64 `json:"sequence"`
}

// PutRequest carries a checkpoint to store.
type PutRequest struct {
	Config      map[string]any
	Checkpoint  *Checkpoint
	Metadata    *CheckpointMetadata
	NewVersions map[string]int64
}

// PutWritesRequest carries task writes to attach to a stored checkpoint.
type PutWritesRequest struct {
	Config   map[string]any
	Writes   []PendingWrite
	TaskID   string
	TaskPath string
}

// PutFullRequest stores a checkpoint together with its pending writes so
// both become visible atomically.
type PutFullRequest struct {
	Config        map[string]any
	Checkpoint    *Checkpoint
	Metadata      *CheckpointMetadata
	NewVersions   map[string]int64
	PendingWrites []PendingWrite
}

// CheckpointSaver is the persistence contract. Put is idempotent on
// (thread_id, checkpoint_ns, checkpoint_id); PutWrites is idempotent per
// (checkpoint_id, task_id, index).
type CheckpointSaver interface {
	// Get retrieves a checkpoint by configuration.
	Get(ctx context.Context, config map[string]any) (*Checkpoint, error)
	// GetTuple retrieves a checkpoint tuple by configuration.
	GetTuple(ctx context.Context, config map[string]any) (*CheckpointTuple, error)
	// List retrieves checkpoints matching criteria, newest first.
	List(ctx context.Context, config map[string]any, filter *CheckpointFilter) ([]*CheckpointTuple, error)
	// Put stores a checkpoint.
	Put(ctx context.Context, req PutRequest) (map[string]any, error)
	// PutWrites stores intermediate task writes linked to a checkpoint.
	PutWrites(ctx context.Context, req PutWritesRequest) error
	// PutFull atomically stores a checkpoint with its pending writes.
	PutFull(ctx context.Context, req PutFullRequest) (map[string]any, error)
	// DeleteThread removes all checkpoints for a thread.
	DeleteThread(ctx context.Context, threadID string) error
	// Close releases resources held by the saver.
	Close() error
}

// CheckpointFilter narrows List results.
type CheckpointFilter struct {
	// Before limits results to checkpoints created before this config.
	Before map[string]any `json:"before,omitempty"`
	// Limit is the maximum number of checkpoints to return.
	Limit int `json:"limit,omitempty"`
	// Metadata filters checkpoints by metadata extra fields.
	Metadata map[string]any `json:"metadata,omitempty"`
}

// CheckpointConfig builds the config map the savers and executor consume.
type CheckpointConfig struct {
	// ThreadID identifies the conversation thread.
	ThreadID string
	// CheckpointID pins a specific checkpoint; empty means latest.
	CheckpointID string
	// Namespace is the checkpoint namespace ("" for the root graph).
	Namespace string
	// ResumeMap maps interrupt IDs to resume values.
	ResumeMap map[string]any
	// Extra carries additional configuration fields.
	Extra map[string]any
}

// NewCheckpoint creates a checkpoint over the given channel state.
func NewCheckpoint(
	channelValues map[string]any,
	channelVersions map[string]int64,
	versionsSeen map[string]map[string]int64,
) *Checkpoint {
	if channelValues == nil {
		channelValues = make(map[string]any)
	}
	if channelVersions == nil {
		channelVersions = make(map[string]int64)
	}
	if versionsSeen == nil {
		versionsSeen = make(map[string]map[string]int64)
	}
	return &Checkpoint{
		Version:         CheckpointVersion,
		ID:              newCheckpointID(),
		Timestamp:       time.Now().UTC(),
		ChannelValues:   channelValues,
		ChannelVersions: channelVersions,
		VersionsSeen:    versionsSeen,
	}
}

// newCheckpointID returns a time-ordered UUID so string comparison of IDs
// within a thread follows creation order.
func newCheckpointID() string {
	id, err := uuid.NewV6()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// NewCheckpointMetadata creates metadata for a checkpoint.
func NewCheckpointMetadata(source string, step int) *CheckpointMetadata {
	return &CheckpointMetadata{
		Source:  source,
		Step:    step,
		Parents: make(map[string]string),
		Extra:   make(map[string]any),
	}
}

// NewCheckpointConfig creates a config builder for a thread.
func NewCheckpointConfig(threadID string) *CheckpointConfig {
	return &CheckpointConfig{
		ThreadID:  threadID,
		Namespace: DefaultCheckpointNamespace,
	}
}

// WithCheckpointID pins a checkpoint ID.
func (c *CheckpointConfig) WithCheckpointID(checkpointID string) *CheckpointConfig {
	c.CheckpointID = checkpointID
	return c
}

// WithNamespace sets the checkpoint namespace.
func (c *CheckpointConfig) WithNamespace(namespace string) *CheckpointConfig {
	c.Namespace = namespace
	return c
}

// WithResumeMap sets resume values keyed by interrupt ID.
func (c *CheckpointConfig) WithResumeMap(resumeMap map[string]any) *CheckpointConfig {
	c.ResumeMap = resumeMap
	return c
}

// WithExtra sets an additional configuration field.
func (c *CheckpointConfig) WithExtra(key string, value any) *CheckpointConfig {
	if c.Extra == nil {
		c.Extra = make(map[string]any)
	}
	c.Extra[key] = value
	return c
}

// ToMap converts the config to the map form the saver interface takes.
func (c *CheckpointConfig) ToMap() map[string]any {
	configurable := map[string]any{
		CfgKeyThreadID:     c.ThreadID,
		CfgKeyCheckpointNS: c.Namespace,
	}
	if c.CheckpointID != "" {
		configurable[CfgKeyCheckpointID] = c.CheckpointID
	}
	if len(c.ResumeMap) > 0 {
		configurable[CfgKeyResumeMap] = c.ResumeMap
	}
	config := map[string]any{CfgKeyConfigurable: configurable}
	maps.Copy(config, c.Extra)
	return config
}

// NewCheckpointFilter creates an empty filter.
func NewCheckpointFilter() *CheckpointFilter {
	return &CheckpointFilter{Metadata: make(map[string]any)}
}

// WithBefore limits results to checkpoints older than the given config.
func (f *CheckpointFilter) WithBefore(before map[string]any) *CheckpointFilter {
	f.Before = before
	return f
}

// WithLimit caps the number of results.
func (f *CheckpointFilter) WithLimit(limit int) *CheckpointFilter {
	f.Limit = limit
	return f
}

// WithMetadata filters by a metadata extra field.
func (f *CheckpointFilter) WithMetadata(key string, value any) *CheckpointFilter {
	if f.Metadata == nil {
		f.Metadata = make(map[string]any)
	}
	f.Metadata[key] = value
	return f
}

// Copy creates a deep copy of the checkpoint. Values go through the
// serializer, so the copy is safe to hand to another goroutine.
func (c *Checkpoint) Copy() *Checkpoint {
	if c == nil {
		return nil
	}
	channelVersions := make(map[string]int64, len(c.ChannelVersions))
	maps.Copy(channelVersions, c.ChannelVersions)
	versionsSeen := make(map[string]map[string]int64, len(c.VersionsSeen))
	for node, seen := range c.VersionsSeen {
		inner := make(map[string]int64, len(seen))
		maps.Copy(inner, seen)
		versionsSeen[node] = inner
	}
	pendingSends := make([]PendingSend, len(c.PendingSends))
	for i, send := range c.PendingSends {
		pendingSends[i] = PendingSend{
			Channel: send.Channel,
			Value:   deepCopy(send.Value),
			TaskID:  send.TaskID,
		}
	}
	var interruptState *InterruptState
	if c.InterruptState != nil {
		interruptState = &InterruptState{
			NodeID:         c.InterruptState.NodeID,
			TaskID:         c.InterruptState.TaskID,
			InterruptValue: deepCopy(c.InterruptState.InterruptValue),
			Step:           c.InterruptState.Step,
			Path:           deepCopyStringSlice(c.InterruptState.Path),
		}
		if c.InterruptState.ResumeValues != nil {
			interruptState.ResumeValues = make([]any, len(c.InterruptState.ResumeValues))
			for i, v := range c.InterruptState.ResumeValues {
				interruptState.ResumeValues[i] = deepCopy(v)
			}
		}
	}
	return &Checkpoint{
		Version:            c.Version,
		ID:                 c.ID, // A true copy keeps the original ID.
		Timestamp:          c.Timestamp,
		ChannelValues:      deepCopyMap(c.ChannelValues),
		ChannelVersions:    channelVersions,
		VersionsSeen:       versionsSeen,
		ParentCheckpointID: c.ParentCheckpointID,
		UpdatedChannels:    deepCopyStringSlice(c.UpdatedChannels),
		PendingSends:       pendingSends,
		InterruptState:     interruptState,
		NextNodes:          deepCopyStringSlice(c.NextNodes),
		NextChannels:       deepCopyStringSlice(c.NextChannels),
	}
}

// Fork copies the checkpoint under a new ID with the parent link set to the
// original. This is the branching primitive behind history forks.
func (c *Checkpoint) Fork() *Checkpoint {
	if c == nil {
		return nil
	}
	forked := c.Copy()
	forked.ParentCheckpointID = c.ID
	forked.ID = newCheckpointID()
	forked.Timestamp = time.Now().UTC()
	return forked
}

// GetThreadID extracts the thread ID from configuration.
func GetThreadID(config map[string]any) string {
	return configurableString(config, CfgKeyThreadID)
}

// GetCheckpointID extracts the checkpoint ID from configuration.
func GetCheckpointID(config map[string]any) string {
	return configurableString(config, CfgKeyCheckpointID)
}

// GetNamespace extracts the checkpoint namespace from configuration.
func GetNamespace(config map[string]any) string {
	return configurableString(config, CfgKeyCheckpointNS)
}

// GetResumeMap extracts resume values keyed by interrupt ID.
func GetResumeMap(config map[string]any) map[string]any {
	if config == nil {
		return nil
	}
	if configurable, ok := config[CfgKeyConfigurable].(map[string]any); ok {
		if resumeMap, ok := configurable[CfgKeyResumeMap].(map[string]any); ok {
			return resumeMap
		}
	}
	return nil
}

// GetRecursionLimit extracts the per-run step limit, defaulting to
// DefaultRecursionLimit.
func GetRecursionLimit(config map[string]any) int {
	if config == nil {
		return DefaultRecursionLimit
	}
	configurable, ok := config[CfgKeyConfigurable].(map[string]any)
	if !ok {
		return DefaultRecursionLimit
	}
	switch v := configurable[CfgKeyRecursionLimit].(type) {
	case int:
		if v > 0 {
			return v
		}
	case int64:
		if v > 0 {
			return int(v)
		}
	case float64:
		if v > 0 {
			return int(v)
		}
	case json.Number:
		if n, err := v.Int64(); err == nil && n > 0 {
			return int(n)
		}
	}
	return DefaultRecursionLimit
}

func configurableString(config map[string]any, key string) string {
	if config == nil {
		return ""
	}
	if configurable, ok := config[CfgKeyConfigurable].(map[string]any); ok {
		if s, ok := configurable[key].(string); ok {
			return s
		}
	}
	return ""
}

// CreateCheckpointConfig builds a config map for a thread, checkpoint and
// namespace in one call.
func CreateCheckpointConfig(threadID, checkpointID, namespace string) map[string]any {
	config := NewCheckpointConfig(threadID)
	if checkpointID != "" {
		config.WithCheckpointID(checkpointID)
	}
	config.WithNamespace(namespace)
	return config.ToMap()
}

// CheckpointManager wraps a saver with the convenience operations the
// executor and time-travel helpers need.
type CheckpointManager struct {
	saver      CheckpointSaver
	serializer Serializer
}

// NewCheckpointManager creates a manager over the saver.
func NewCheckpointManager(saver CheckpointSaver) *CheckpointManager {
	return &CheckpointManager{saver: saver, serializer: defaultSerializer}
}

// Saver exposes the wrapped saver.
func (cm *CheckpointManager) Saver() CheckpointSaver { return cm.saver }

// Get retrieves a checkpoint by configuration.
func (cm *CheckpointManager) Get(ctx context.Context, config map[string]any) (*Checkpoint, error) {
	if cm.saver == nil {
		return nil, fmt.Errorf("checkpoint saver is not configured")
	}
	return cm.saver.Get(ctx, config)
}

// GetTuple retrieves a checkpoint tuple by configuration.
func (cm *CheckpointManager) GetTuple(ctx context.Context, config map[string]any) (*CheckpointTuple, error) {
	if cm.saver == nil {
		return nil, fmt.Errorf("checkpoint saver is not configured")
	}
	return cm.saver.GetTuple(ctx, config)
}

// List retrieves checkpoints matching the filter, newest first.
func (cm *CheckpointManager) List(
	ctx context.Context, config map[string]any, filter *CheckpointFilter,
) ([]*CheckpointTuple, error) {
	if cm.saver == nil {
		return nil, fmt.Errorf("checkpoint saver is not configured")
	}
	return cm.saver.List(ctx, config, filter)
}

// Latest returns the most recent checkpoint for a thread and namespace, or
// nil when the thread has none.
func (cm *CheckpointManager) Latest(
	ctx context.Context, threadID, namespace string,
) (*CheckpointTuple, error) {
	if cm.saver == nil {
		return nil, fmt.Errorf("checkpoint saver is not configured")
	}
	config := CreateCheckpointConfig(threadID, "", namespace)
	tuples, err := cm.saver.List(ctx, config, &CheckpointFilter{Limit: 1})
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	if len(tuples) == 0 {
		return nil, nil
	}
	return tuples[0], nil
}

// Put stores a checkpoint.
func (cm *CheckpointManager) Put(ctx context.Context, req PutRequest) (map[string]any, error) {
	if cm.saver == nil {
		return nil, fmt.Errorf("checkpoint saver is not configured")
	}
	return cm.saver.Put(ctx, req)
}

// PutWrites stores task writes for a checkpoint.
func (cm *CheckpointManager) PutWrites(ctx context.Context, req PutWritesRequest) error {
	if cm.saver == nil {
		return fmt.Errorf("checkpoint saver is not configured")
	}
	return cm.saver.PutWrites(ctx, req)
}

// PutFull atomically stores a checkpoint with its pending writes.
func (cm *CheckpointManager) PutFull(ctx context.Context, req PutFullRequest) (map[string]any, error) {
	if cm.saver == nil {
		return nil, fmt.Errorf("checkpoint saver is not configured")
	}
	return cm.saver.PutFull(ctx, req)
}

// DeleteThread removes all checkpoints for a thread.
func (cm *CheckpointManager) DeleteThread(ctx context.Context, threadID string) error {
	if cm.saver == nil {
		return fmt.Errorf("checkpoint saver is not configured")
	}
	return cm.saver.DeleteThread(ctx, threadID)
}

// BranchFrom forks the given checkpoint into a new checkpoint whose parent
// pointers lead back to the source. Subsequent runs pinned to the fork
// continue down the new branch while the source history stays intact.
func (cm *CheckpointManager) BranchFrom(
	ctx context.Context, threadID, namespace, checkpointID string,
) (*CheckpointTuple, error) {
	if cm.saver == nil {
		return nil, fmt.Errorf("checkpoint saver is not configured")
	}
	sourceConfig := CreateCheckpointConfig(threadID, checkpointID, namespace)
	sourceTuple, err := cm.saver.GetTuple(ctx, sourceConfig)
	if err != nil {
		return nil, fmt.Errorf("get source checkpoint: %w", err)
	}
	if sourceTuple == nil || sourceTuple.Checkpoint == nil {
		return nil, ErrCheckpointNotFound
	}
	forked := sourceTuple.Checkpoint.Fork()
	step := 0
	if sourceTuple.Metadata != nil {
		step = sourceTuple.Metadata.Step
	}
	metadata := NewCheckpointMetadata(CheckpointSourceFork, step)
	metadata.Parents[namespace] = sourceTuple.Checkpoint.ID
	req := PutFullRequest{
		Config:        CreateCheckpointConfig(threadID, sourceTuple.Checkpoint.ID, namespace),
		Checkpoint:    forked,
		Metadata:      metadata,
		NewVersions:   forked.ChannelVersions,
		PendingWrites: nil,
	}
	updatedConfig, err := cm.saver.PutFull(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("store fork checkpoint: %w", err)
	}
	return &CheckpointTuple{
		Config:       updatedConfig,
		Checkpoint:   forked,
		Metadata:     metadata,
		ParentConfig: sourceConfig,
	}, nil
}

// Close releases the underlying saver.
func (cm *CheckpointManager) Close() error {
	if cm.saver == nil {
		return nil
	}
	return cm.saver.Close()
}
