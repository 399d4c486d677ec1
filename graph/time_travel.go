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
	"fmt"
	"sort"
	"time"
)

// Extra metadata keys stamped on checkpoints created by UpdateState.
const (
	// MetaKeyBaseCheckpointID names the checkpoint an edit derived from.
	MetaKeyBaseCheckpointID = "base_checkpoint_id"
	// MetaKeyUpdatedKeys lists the state keys an edit touched.
	MetaKeyUpdatedKeys = "updated_keys"
	// MetaKeyUpdatedAsNode names the node an edit was attributed to.
	MetaKeyUpdatedAsNode = "updated_as_node"
)

// CheckpointRef is a stable pointer to a checkpoint. It is small enough to
// store outside the runtime, in a UI or a job record, and converts back
// into the config a run or saver call needs.
type CheckpointRef struct {
	ThreadID     string
	Namespace    string
	CheckpointID string
}

// Validate returns an error when the ref cannot address a checkpoint.
func (r CheckpointRef) Validate() error {
	if r.ThreadID == "" {
		return ErrThreadIDRequired
	}
	return nil
}

// ToConfig converts the ref into a run or saver config map. An empty
// CheckpointID means the thread's latest checkpoint.
func (r CheckpointRef) ToConfig() (map[string]any, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}
	return CreateCheckpointConfig(r.ThreadID, r.CheckpointID, r.Namespace), nil
}

// CheckpointInfo is a lightweight checkpoint header for history views.
type CheckpointInfo struct {
	Ref                CheckpointRef
	ParentCheckpointID string
	Source             string
	Step               int
	Timestamp          time.Time
}

// StateSnapshot is the full view of one checkpoint: the caller-visible
// state plus what would run next and any recorded pause.
type StateSnapshot struct {
	CheckpointInfo
	State        State
	NextNodes    []string
	NextChannels []string
	Interrupt    *InterruptState
}

// TimeTravel inspects and rewrites a thread's checkpoint history: read any
// recorded state, edit it into a new checkpoint, or fork a branch to
// explore an alternative continuation.
type TimeTravel struct {
	executor *Executor
	manager  *CheckpointManager
}

// TimeTravel returns a helper bound to this executor's saver.
func (e *Executor) TimeTravel() (*TimeTravel, error) {
	if e == nil || e.manager == nil {
		return nil, fmt.Errorf("checkpoint saver is not configured")
	}
	return &TimeTravel{executor: e, manager: e.manager}, nil
}

// GetState returns the snapshot at the referenced checkpoint, or the
// thread's latest when ref.CheckpointID is empty.
func (t *TimeTravel) GetState(ctx context.Context, ref CheckpointRef) (*StateSnapshot, error) {
	if t == nil || t.manager == nil {
		return nil, fmt.Errorf("time travel is not configured")
	}
	cfg, err := ref.ToConfig()
	if err != nil {
		return nil, err
	}
	tuple, err := t.manager.GetTuple(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("get checkpoint: %w", err)
	}
	if tuple == nil || tuple.Checkpoint == nil {
		return nil, ErrCheckpointNotFound
	}
	return t.snapshotFromTuple(tuple), nil
}

// GetStateHistory returns snapshots for a thread, newest first. A limit of
// 0 returns the full history.
func (t *TimeTravel) GetStateHistory(
	ctx context.Context, threadID, namespace string, limit int,
) ([]*StateSnapshot, error) {
	if t == nil || t.manager == nil {
		return nil, fmt.Errorf("time travel is not configured")
	}
	if threadID == "" {
		return nil, ErrThreadIDRequired
	}
	cfg := CreateCheckpointConfig(threadID, "", namespace)
	var filter *CheckpointFilter
	if limit > 0 {
		filter = &CheckpointFilter{Limit: limit}
	}
	tuples, err := t.manager.List(ctx, cfg, filter)
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	out := make([]*StateSnapshot, 0, len(tuples))
	for _, tuple := range tuples {
		if tuple == nil || tuple.Checkpoint == nil {
			continue
		}
		out = append(out, t.snapshotFromTuple(tuple))
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.After(out[j].Timestamp)
	})
	return out, nil
}

// UpdateState derives a new checkpoint from base with patch applied
// through the state reducers, as if asNode had produced it. With a
// non-empty asNode that exists in the graph, the node's outgoing edge
// writes fire too, so the nodes downstream of asNode run when the thread
// resumes. The base checkpoint is left untouched.
func (t *TimeTravel) UpdateState(
	ctx context.Context, base CheckpointRef, patch State, asNode string,
) (CheckpointRef, error) {
	if t == nil || t.manager == nil || t.executor == nil {
		return CheckpointRef{}, fmt.Errorf("time travel is not configured")
	}
	baseCfg, err := base.ToConfig()
	if err != nil {
		return CheckpointRef{}, err
	}
	tuple, err := t.manager.GetTuple(ctx, baseCfg)
	if err != nil {
		return CheckpointRef{}, fmt.Errorf("get checkpoint: %w", err)
	}
	if tuple == nil || tuple.Checkpoint == nil {
		return CheckpointRef{}, ErrCheckpointNotFound
	}

	graph := t.executor.graph
	var node *Node
	if asNode != "" {
		n, ok := graph.Node(asNode)
		if !ok {
			return CheckpointRef{}, NewGraphError(ErrorKindValidation,
				fmt.Errorf("update attributed to unknown node %s", asNode))
		}
		node = n
	}

	mgr := graph.newChannelManager()
	mgr.Restore(tuple.Checkpoint.ChannelValues)
	versions := deepCopyVersions(tuple.Checkpoint.ChannelVersions)
	seen := deepCopySeen(tuple.Checkpoint.VersionsSeen)

	updates := make(map[string][]any, len(patch))
	updatedKeys := make([]string, 0, len(patch))
	for k, v := range patch {
		if err := validateChannelName(k); err != nil {
			return CheckpointRef{}, NewGraphError(ErrorKindValidation, err)
		}
		updates[k] = []any{v}
		updatedKeys = append(updatedKeys, k)
	}
	sort.Strings(updatedKeys)
	if node != nil {
		for _, w := range node.writers {
			updates[w.Channel] = append(updates[w.Channel], w.Value)
		}
	}

	names := make([]string, 0, len(updates))
	for name := range updates {
		names = append(names, name)
	}
	sort.Strings(names)
	var updated []string
	for _, name := range names {
		changed, err := mgr.Update(name, updates[name])
		if err != nil {
			return CheckpointRef{}, channelUpdateError(err)
		}
		if changed {
			updated = append(updated, name)
		}
	}
	if len(updated) > 0 {
		next := maxVersion(versions) + 1
		for _, name := range updated {
			versions[name] = next
		}
	}
	if node != nil {
		// The attributed node saw its triggers up to this edit; it does
		// not re-run when the thread resumes.
		m := seen[asNode]
		if m == nil {
			m = make(map[string]int64, len(node.triggers))
			seen[asNode] = m
		}
		for _, c := range node.triggers {
			if v, ok := versions[c]; ok {
				m[c] = v
			}
		}
	}

	step := 0
	if tuple.Metadata != nil {
		step = tuple.Metadata.Step + 1
	}
	edited := NewCheckpoint(mgr.Snapshot(), versions, seen)
	edited.ParentCheckpointID = tuple.Checkpoint.ID
	edited.UpdatedChannels = updated
	metadata := NewCheckpointMetadata(CheckpointSourceUpdate, step)
	namespace := GetNamespace(baseCfg)
	metadata.Parents[namespace] = tuple.Checkpoint.ID
	metadata.Extra[MetaKeyBaseCheckpointID] = tuple.Checkpoint.ID
	metadata.Extra[MetaKeyUpdatedKeys] = updatedKeys
	if asNode != "" {
		metadata.Extra[MetaKeyUpdatedAsNode] = asNode
	}

	threadID := GetThreadID(baseCfg)
	putCfg := CreateCheckpointConfig(threadID, edited.ID, namespace)
	newVersions := make(map[string]int64, len(updated))
	for _, name := range updated {
		newVersions[name] = versions[name]
	}
	if _, err := t.manager.PutFull(ctx, PutFullRequest{
		Config:      putCfg,
		Checkpoint:  edited,
		Metadata:    metadata,
		NewVersions: newVersions,
	}); err != nil {
		return CheckpointRef{}, fmt.Errorf("save checkpoint: %w", err)
	}
	return CheckpointRef{ThreadID: threadID, Namespace: namespace, CheckpointID: edited.ID}, nil
}

// Fork branches the referenced checkpoint. The fork gets a fresh identity
// with parent pointers back to the source, so runs pinned to it continue
// down a separate line of history.
func (t *TimeTravel) Fork(ctx context.Context, ref CheckpointRef) (CheckpointRef, error) {
	if t == nil || t.manager == nil {
		return CheckpointRef{}, fmt.Errorf("time travel is not configured")
	}
	if err := ref.Validate(); err != nil {
		return CheckpointRef{}, err
	}
	if ref.CheckpointID == "" {
		return CheckpointRef{}, ErrThreadIDAndCheckpointIDRequired
	}
	tuple, err := t.manager.BranchFrom(ctx, ref.ThreadID, ref.Namespace, ref.CheckpointID)
	if err != nil {
		return CheckpointRef{}, err
	}
	return CheckpointRef{
		ThreadID:     ref.ThreadID,
		Namespace:    ref.Namespace,
		CheckpointID: tuple.Checkpoint.ID,
	}, nil
}

// snapshotFromTuple projects a stored tuple into a StateSnapshot.
func (t *TimeTravel) snapshotFromTuple(tuple *CheckpointTuple) *StateSnapshot {
	ckpt := tuple.Checkpoint
	mgr := t.executor.graph.newChannelManager()
	mgr.Restore(ckpt.ChannelValues)

	info := CheckpointInfo{
		Ref: CheckpointRef{
			ThreadID:     GetThreadID(tuple.Config),
			Namespace:    GetNamespace(tuple.Config),
			CheckpointID: ckpt.ID,
		},
		ParentCheckpointID: ckpt.ParentCheckpointID,
		Timestamp:          ckpt.Timestamp,
	}
	if tuple.Metadata != nil {
		info.Source = tuple.Metadata.Source
		info.Step = tuple.Metadata.Step
	}
	return &StateSnapshot{
		CheckpointInfo: info,
		State:          projectFullState(mgr),
		NextNodes:      deepCopyStringSlice(ckpt.NextNodes),
		NextChannels:   deepCopyStringSlice(ckpt.NextChannels),
		Interrupt:      ckpt.InterruptState,
	}
}
