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
	"errors"
	"fmt"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/panjf2000/ants/v2"

	"trpc.group/trpc-go/trpc-graph-go/graph/internal/channel"
	"trpc.group/trpc-go/trpc-graph-go/log"
	"trpc.group/trpc-go/trpc-graph-go/store"
	itrace "trpc.group/trpc-go/trpc-graph-go/telemetry/trace"
)

// FailurePolicy controls how a superstep reacts when a task fails after
// its retries are exhausted.
type FailurePolicy string

const (
	// FailurePolicyCollect lets peer tasks finish before surfacing the
	// error, so their writes persist for resume.
	FailurePolicyCollect FailurePolicy = "collect"
	// FailurePolicyFailFast cancels peer tasks as soon as one fails.
	FailurePolicyFailFast FailurePolicy = "fail_fast"
)

// Executor runs a compiled graph superstep by superstep: plan the eligible
// tasks, run them in parallel, commit their writes sequentially, persist a
// checkpoint, repeat until no task is eligible.
type Executor struct {
	graph             *Graph
	manager           *CheckpointManager
	pool              *ants.PoolWithFunc
	maxConcurrency    int
	channelBufferSize int
	recursionLimit    int
	stepTimeout       time.Duration
	taskTimeout       time.Duration
	failurePolicy     FailurePolicy
	retryPolicy       *RetryPolicy
	store             store.Store
}

// ExecutorOption is a function that configures an Executor.
type ExecutorOption func(*ExecutorOptions)

// ExecutorOptions contains configuration options for creating an Executor.
type ExecutorOptions struct {
	// CheckpointSaver persists checkpoints; without one the run keeps
	// everything in memory and cannot be resumed.
	CheckpointSaver CheckpointSaver
	// MaxConcurrency caps parallel tasks per superstep (default: NumCPU).
	MaxConcurrency int
	// ChannelBufferSize is the buffer of the stream event channel.
	ChannelBufferSize int
	// RecursionLimit bounds the number of supersteps per run.
	RecursionLimit int
	// StepTimeout bounds one superstep; 0 disables it.
	StepTimeout time.Duration
	// TaskTimeout bounds one task attempt; 0 disables it.
	TaskTimeout time.Duration
	// FailurePolicy selects collect or fail-fast error handling.
	FailurePolicy FailurePolicy
	// RetryPolicy applies to nodes without their own policy.
	RetryPolicy *RetryPolicy
	// Store is the long-term store offered to nodes.
	Store store.Store
}

// WithCheckpointSaver sets the checkpoint backend for the executor.
func WithCheckpointSaver(saver CheckpointSaver) ExecutorOption {
	return func(opts *ExecutorOptions) {
		opts.CheckpointSaver = saver
	}
}

// WithMaxConcurrency caps how many tasks of one superstep run in parallel.
func WithMaxConcurrency(n int) ExecutorOption {
	return func(opts *ExecutorOptions) {
		opts.MaxConcurrency = n
	}
}

// WithChannelBufferSize sets the buffer size for event channels.
func WithChannelBufferSize(size int) ExecutorOption {
	return func(opts *ExecutorOptions) {
		opts.ChannelBufferSize = size
	}
}

// WithRecursionLimit sets the maximum number of supersteps per run. A
// per-run config value takes precedence.
func WithRecursionLimit(limit int) ExecutorOption {
	return func(opts *ExecutorOptions) {
		opts.RecursionLimit = limit
	}
}

// WithStepTimeout bounds the wall time of one superstep.
func WithStepTimeout(d time.Duration) ExecutorOption {
	return func(opts *ExecutorOptions) {
		opts.StepTimeout = d
	}
}

// WithTaskTimeout bounds the wall time of one task attempt.
func WithTaskTimeout(d time.Duration) ExecutorOption {
	return func(opts *ExecutorOptions) {
		opts.TaskTimeout = d
	}
}

// WithFailurePolicy selects how task failures end a superstep.
func WithFailurePolicy(policy FailurePolicy) ExecutorOption {
	return func(opts *ExecutorOptions) {
		opts.FailurePolicy = policy
	}
}

// WithDefaultRetryPolicy applies a retry policy to every node that does
// not declare its own.
func WithDefaultRetryPolicy(policy *RetryPolicy) ExecutorOption {
	return func(opts *ExecutorOptions) {
		opts.RetryPolicy = policy
	}
}

// WithStore gives nodes a long-term store; they reach it through
// StoreFromContext. Subgraph nodes see the same store.
func WithStore(s store.Store) ExecutorOption {
	return func(opts *ExecutorOptions) {
		opts.Store = s
	}
}

// NewExecutor creates a new graph executor.
func NewExecutor(graph *Graph, opts ...ExecutorOption) (*Executor, error) {
	if graph == nil {
		return nil, errors.New("graph is nil")
	}
	if err := graph.validate(); err != nil {
		return nil, NewGraphError(ErrorKindValidation, err)
	}
	options := ExecutorOptions{
		MaxConcurrency:    runtime.NumCPU(),
		ChannelBufferSize: DefaultChannelBufferSize,
		RecursionLimit:    DefaultRecursionLimit,
		FailurePolicy:     FailurePolicyCollect,
	}
	for _, opt := range opts {
		opt(&options)
	}
	if options.MaxConcurrency <= 0 {
		options.MaxConcurrency = runtime.NumCPU()
	}
	if options.FailurePolicy == "" {
		options.FailurePolicy = FailurePolicyCollect
	}
	e := &Executor{
		graph:             graph,
		maxConcurrency:    options.MaxConcurrency,
		channelBufferSize: options.ChannelBufferSize,
		recursionLimit:    options.RecursionLimit,
		stepTimeout:       options.StepTimeout,
		taskTimeout:       options.TaskTimeout,
		failurePolicy:     options.FailurePolicy,
		retryPolicy:       options.RetryPolicy,
		store:             options.Store,
	}
	if options.CheckpointSaver != nil {
		e.manager = NewCheckpointManager(options.CheckpointSaver)
	}
	pool, err := ants.NewPoolWithFunc(e.maxConcurrency, runTaskPoolFunc)
	if err != nil {
		return nil, fmt.Errorf("create task pool: %w", err)
	}
	e.pool = pool
	return e, nil
}

// Close releases the executor's worker pool. The checkpoint saver stays
// open; its lifecycle belongs to the caller.
func (e *Executor) Close() {
	if e.pool != nil {
		e.pool.Release()
	}
}

// RunOption configures a single Invoke or Stream call.
type RunOption func(*runOptions)

type runOptions struct {
	config      map[string]any
	streamModes []StreamMode
}

// WithConfig sets the raw run configuration map. The values under
// "configurable" select the thread, checkpoint and namespace.
func WithConfig(config map[string]any) RunOption {
	return func(o *runOptions) {
		o.config = config
	}
}

// WithCheckpointConfig applies a CheckpointConfig builder to the run.
func WithCheckpointConfig(cfg *CheckpointConfig) RunOption {
	return func(o *runOptions) {
		if cfg != nil {
			o.config = cfg.ToMap()
		}
	}
}

// WithThreadID selects the checkpoint thread for this run.
func WithThreadID(threadID string) RunOption {
	return func(o *runOptions) {
		o.config = setConfigurable(o.config, CfgKeyThreadID, threadID)
	}
}

// WithCheckpointID pins the run to a specific checkpoint instead of the
// thread's latest, which is how time travel and forks start.
func WithCheckpointID(checkpointID string) RunOption {
	return func(o *runOptions) {
		o.config = setConfigurable(o.config, CfgKeyCheckpointID, checkpointID)
	}
}

// WithStreamModes selects the event families Stream emits. The default is
// StreamModeValues.
func WithStreamModes(modes ...StreamMode) RunOption {
	return func(o *runOptions) {
		o.streamModes = modes
	}
}

func setConfigurable(config map[string]any, key string, value any) map[string]any {
	if config == nil {
		config = make(map[string]any)
	}
	configurable, ok := config[CfgKeyConfigurable].(map[string]any)
	if !ok {
		configurable = make(map[string]any)
		config[CfgKeyConfigurable] = configurable
	}
	configurable[key] = value
	return config
}

// Invoke runs the graph to completion and returns the final state. With a
// checkpoint saver configured, progress persists per superstep; a paused
// run returns an *InterruptError, and a later call with a *Command resume
// input picks up from the recorded checkpoint.
func (e *Executor) Invoke(ctx context.Context, input any, opts ...RunOption) (State, error) {
	options := collectRunOptions(opts)
	ctx, span := itrace.Tracer.Start(ctx, "graph_invoke")
	defer span.End()
	run, err := e.newRun(ctx, input, options, nil)
	if err != nil {
		return nil, err
	}
	return run.loop(ctx)
}

// Stream runs the graph and emits StreamEvents while it executes. The
// returned channel closes when the run ends. Interrupts and failures are
// always delivered as a final debug-mode event, regardless of the
// selected stream modes.
func (e *Executor) Stream(ctx context.Context, input any, opts ...RunOption) (<-chan StreamEvent, error) {
	options := collectRunOptions(opts)
	modes := options.streamModes
	if len(modes) == 0 {
		modes = []StreamMode{StreamModeValues}
	}
	emitter := newStreamEmitter(e.channelBufferSize, modes)
	run, err := e.newRun(ctx, input, options, emitter)
	if err != nil {
		return nil, err
	}
	go func() {
		defer emitter.close()
		ctx, span := itrace.Tracer.Start(ctx, "graph_stream")
		defer span.End()
		if _, err := run.loop(ctx); err != nil {
			run.emitTerminal(ctx, err)
		}
	}()
	return emitter.events(), nil
}

func collectRunOptions(opts []RunOption) runOptions {
	var options runOptions
	for _, opt := range opts {
		opt(&options)
	}
	return options
}

// StaticInterrupt is the interrupt value produced by the pauses declared
// with WithInterruptBefore and WithInterruptAfter.
type StaticInterrupt struct {
	// NodeID is the node the pause is attached to.
	NodeID string `json:"node_id"`
	// When is "before" or "after".
	When string `json:"when"`
}

// resumeState carries the answers a Command resume input supplies.
type resumeState struct {
	value    any
	hasValue bool
	valueMap map[string]any
}

// parentRef links a subgraph run to the parent checkpoint it runs under.
type parentRef struct {
	namespace    string
	checkpointID string
}

// graphRun is the per-invocation state of one graph execution.
type graphRun struct {
	exec    *Executor
	graph   *Graph
	planner *taskPlanner

	channels *channel.Manager
	emitter  *streamEmitter

	config    map[string]any
	threadID  string
	namespace []string

	checkpoint    *Checkpoint
	pendingWrites []PendingWrite
	interrupted   *InterruptState
	step          int

	recursionLimit int
	isResuming     bool
	skipPauses     bool

	resume *resumeState

	// usePool routes tasks through the shared ants pool. Subgraph runs
	// execute on plain goroutines: their parent task already occupies a
	// pool worker, and waiting for another one can deadlock.
	usePool bool

	hasParent     bool
	parent        *parentRef
	parentMu      sync.Mutex
	parentCommand *Command

	// primedConsumed replays per-task interrupt answers adopted from a
	// crashed attempt of the current step.
	primedConsumed map[string][]any

	writeSeq int64
}

// newRun prepares a run: it normalizes the input, restores or creates the
// starting checkpoint, and primes resume state.
func (e *Executor) newRun(ctx context.Context, input any, options runOptions, emitter *streamEmitter) (*graphRun, error) {
	config := options.config
	if e.manager != nil && GetThreadID(config) == "" {
		config = setConfigurable(config, CfgKeyThreadID, uuid.NewString())
	}
	r := &graphRun{
		exec:           e,
		graph:          e.graph,
		planner:        newTaskPlanner(e.graph),
		channels:       e.graph.newChannelManager(),
		emitter:        emitter,
		config:         config,
		threadID:       GetThreadID(config),
		recursionLimit: GetRecursionLimit(config),
		usePool:        true,
	}
	if r.recursionLimit == DefaultRecursionLimit && e.recursionLimit > 0 {
		r.recursionLimit = e.recursionLimit
	}
	if ns := GetNamespace(config); ns != "" {
		r.namespace = strings.Split(ns, NamespaceSeparator)
	}

	tuple, err := r.loadTuple(ctx)
	if err != nil {
		return nil, err
	}

	switch in := input.(type) {
	case nil:
		if err := r.prepareResume(ctx, tuple, nil); err != nil {
			return nil, err
		}
	case *Command:
		if err := r.prepareCommand(ctx, tuple, in); err != nil {
			return nil, err
		}
	case Command:
		if err := r.prepareCommand(ctx, tuple, &in); err != nil {
			return nil, err
		}
	case State:
		if err := r.prepareInput(ctx, tuple, in); err != nil {
			return nil, err
		}
	case map[string]any:
		if err := r.prepareInput(ctx, tuple, State(in)); err != nil {
			return nil, err
		}
	default:
		return nil, NewGraphError(ErrorKindValidation,
			fmt.Errorf("unsupported input type %T", input))
	}
	return r, nil
}

// loadTuple fetches the checkpoint tuple the config points at: a pinned
// checkpoint when checkpoint_id is set, the thread's latest otherwise.
func (r *graphRun) loadTuple(ctx context.Context) (*CheckpointTuple, error) {
	if r.exec.manager == nil || r.threadID == "" {
		return nil, nil
	}
	tuple, err := r.exec.manager.GetTuple(ctx, r.config)
	if err != nil {
		if errors.Is(err, ErrCheckpointNotFound) {
			return nil, nil
		}
		return nil, NewGraphError(ErrorKindCheckpoint, err)
	}
	return tuple, nil
}

// restore rebuilds run state from a stored checkpoint tuple.
func (r *graphRun) restore(tuple *CheckpointTuple) {
	ckpt := tuple.Checkpoint
	r.channels.Restore(ckpt.ChannelValues)
	r.checkpoint = ckpt
	r.pendingWrites = tuple.PendingWrites
	r.interrupted = ckpt.InterruptState
	r.step = 0
	if tuple.Metadata != nil {
		r.step = tuple.Metadata.Step + 1
	}
}

// prepareInput runs the input superstep: restore the thread's prior state
// if any, apply the input fields, trigger the entry point, and commit the
// input checkpoint.
func (r *graphRun) prepareInput(ctx context.Context, tuple *CheckpointTuple, input State) error {
	fresh := tuple == nil
	var parentID string
	versions := make(map[string]int64)
	seen := make(map[string]map[string]int64)
	if !fresh {
		r.restore(tuple)
		parentID = tuple.Checkpoint.ID
		versions = deepCopyVersions(tuple.Checkpoint.ChannelVersions)
		seen = deepCopySeen(tuple.Checkpoint.VersionsSeen)
	}
	schema := r.graph.Schema()
	if fresh {
		input = schema.ApplyDefaults(input.Clone())
	}
	if err := schema.Validate(input); err != nil {
		return NewGraphError(ErrorKindValidation, err)
	}

	updates := make(map[string][]any, len(input))
	for k, v := range input {
		if err := validateChannelName(k); err != nil {
			return NewGraphError(ErrorKindValidation, err)
		}
		updates[k] = []any{v}
	}
	entryTargets, err := r.entryTargets(ctx, input)
	if err != nil {
		return err
	}
	for _, target := range entryTargets {
		updates[branchChannel(target)] = append(updates[branchChannel(target)], Start)
	}

	updated, err := r.applyUpdates(updates, versions)
	if err != nil {
		return err
	}

	ckpt := NewCheckpoint(r.channels.Snapshot(), versions, seen)
	ckpt.ParentCheckpointID = parentID
	ckpt.UpdatedChannels = updated
	metadata := NewCheckpointMetadata(CheckpointSourceInput, -1)
	metadata.Writes = map[string]any{Start: input}
	r.fillParents(metadata)
	r.planNext(ckpt, 0)
	if err := r.persistCheckpoint(ctx, ckpt, metadata, updated, nil); err != nil {
		return err
	}
	r.checkpoint = ckpt
	r.pendingWrites = nil
	r.interrupted = nil
	r.step = 0
	return nil
}

// entryTargets resolves which nodes the input superstep triggers.
func (r *graphRun) entryTargets(ctx context.Context, input State) ([]string, error) {
	if ce, ok := r.graph.ConditionalEdge(Start); ok {
		targets, err := evalConditional(ctx, ce, input)
		if err != nil {
			return nil, NewGraphError(ErrorKindValidation,
				fmt.Errorf("entry condition: %w", err))
		}
		out := targets[:0]
		for _, t := range targets {
			if t != End {
				out = append(out, t)
			}
		}
		return out, nil
	}
	entry := r.graph.EntryPoint()
	if entry == "" {
		return nil, NewGraphError(ErrorKindValidation, errors.New("graph has no entry point"))
	}
	return []string{entry}, nil
}

// prepareResume continues a thread from its recorded checkpoint.
func (r *graphRun) prepareResume(ctx context.Context, tuple *CheckpointTuple, cmd *Command) error {
	if tuple == nil {
		if r.exec.manager == nil {
			return NewGraphError(ErrorKindValidation,
				errors.New("cannot resume without a checkpoint saver"))
		}
		return NewGraphError(ErrorKindCheckpoint,
			fmt.Errorf("%w: thread %s has nothing to resume", ErrCheckpointNotFound, r.threadID))
	}
	r.restore(tuple)
	r.isResuming = true
	r.skipPauses = true
	resumeMap := GetResumeMap(r.config)
	if cmd != nil {
		if cmd.Resume != nil {
			r.resume = &resumeState{value: cmd.Resume, hasValue: true}
		}
		if len(cmd.ResumeMap) > 0 {
			if r.resume == nil {
				r.resume = &resumeState{}
			}
			r.resume.valueMap = mergeResumeMaps(resumeMap, cmd.ResumeMap)
		} else if len(resumeMap) > 0 {
			if r.resume == nil {
				r.resume = &resumeState{}
			}
			r.resume.valueMap = mergeResumeMaps(resumeMap, nil)
		}
	} else if len(resumeMap) > 0 {
		r.resume = &resumeState{valueMap: mergeResumeMaps(resumeMap, nil)}
	}
	return nil
}

// prepareCommand handles a *Command run input: a resume answer, a state
// update, dynamic routing, or any combination.
func (r *graphRun) prepareCommand(ctx context.Context, tuple *CheckpointTuple, cmd *Command) error {
	if cmd == nil {
		return r.prepareResume(ctx, tuple, nil)
	}
	if cmd.Graph == CommandParent {
		return NewGraphError(ErrorKindInvalidUpdate,
			errors.New("run input command cannot target the parent graph"))
	}
	isResume := cmd.Resume != nil || len(cmd.ResumeMap) > 0
	if isResume || (cmd.Update == nil && cmd.Goto == nil) {
		if err := r.prepareResume(ctx, tuple, cmd); err != nil {
			return err
		}
	} else if tuple != nil {
		r.restore(tuple)
		r.isResuming = true
		r.skipPauses = true
	} else {
		// A steering command on an empty thread starts from defaults.
		if err := r.prepareInput(ctx, nil, State{}); err != nil {
			return err
		}
	}

	versions := deepCopyVersions(r.checkpoint.ChannelVersions)
	updates := make(map[string][]any)
	for k, v := range cmd.Update {
		updates[k] = []any{v}
	}
	if cmd.Goto != nil {
		targets, sends, err := splitGoto(cmd.Goto)
		if err != nil {
			return NewGraphError(ErrorKindValidation, err)
		}
		for _, target := range targets {
			if target == End {
				continue
			}
			if _, ok := r.graph.Node(target); !ok {
				return NewGraphError(ErrorKindValidation,
					fmt.Errorf("goto targets unknown node %s", target))
			}
			updates[branchChannel(target)] = append(updates[branchChannel(target)], Start)
		}
		for _, s := range sends {
			r.checkpoint.PendingSends = append(r.checkpoint.PendingSends,
				PendingSend{Channel: s.Node, Value: s.Arg})
		}
	}
	if len(updates) > 0 {
		updated, err := r.applyUpdates(updates, versions)
		if err != nil {
			return err
		}
		r.checkpoint.ChannelValues = r.channels.Snapshot()
		r.checkpoint.ChannelVersions = versions
		r.checkpoint.UpdatedChannels = updated
	}
	return nil
}

// applyUpdates writes grouped values into channels and bumps the version
// of every channel that changed. All channels updated by one step share
// the same new version.
func (r *graphRun) applyUpdates(updates map[string][]any, versions map[string]int64) ([]string, error) {
	names := make([]string, 0, len(updates))
	for name := range updates {
		names = append(names, name)
	}
	sort.Strings(names)
	var updated []string
	for _, name := range names {
		changed, err := r.channels.Update(name, updates[name])
		if err != nil {
			return nil, channelUpdateError(err)
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
	return updated, nil
}

func channelUpdateError(err error) error {
	if errors.Is(err, channel.ErrInvalidUpdate) {
		return NewGraphError(ErrorKindInvalidUpdate, err)
	}
	if errors.Is(err, channel.ErrEmptyChannel) {
		return NewGraphError(ErrorKindEmptyChannel, err)
	}
	return NewGraphError(ErrorKindInvalidUpdate, err)
}

func maxVersion(versions map[string]int64) int64 {
	var max int64
	for _, v := range versions {
		if v > max {
			max = v
		}
	}
	return max
}

func mergeResumeMaps(base, override map[string]any) map[string]any {
	merged := make(map[string]any, len(base)+len(override))
	for k, v := range base {
		merged[k] = v
	}
	for k, v := range override {
		merged[k] = v
	}
	return merged
}

// splitGoto normalizes a Command.Goto into node targets and Send packets.
func splitGoto(target any) ([]string, []*Send, error) {
	switch g := target.(type) {
	case string:
		return []string{g}, nil, nil
	case *Send:
		return nil, []*Send{g}, nil
	case Send:
		return nil, []*Send{&g}, nil
	case []*Send:
		return nil, g, nil
	case []string:
		return g, nil, nil
	default:
		return nil, nil, fmt.Errorf("unsupported goto type %T", target)
	}
}

// loop drives the superstep cycle until no task is eligible.
func (r *graphRun) loop(ctx context.Context) (State, error) {
	ctx, watcher := newExternalInterruptWatcher(ctx, graphInterruptFromContext(ctx))
	defer watcher.stop()
	for {
		if err := ctx.Err(); err != nil {
			if watcher.forced(ctx) {
				return nil, newExternalInterruptError(r.step, true)
			}
			return nil, err
		}
		tasks, err := r.planner.Plan(r.checkpoint, r.channels, r.step)
		if err != nil {
			return nil, err
		}
		if len(tasks) == 0 {
			// Finish may release an after-finish barrier, which
			// schedules one more round.
			if r.channels.Finish() {
				tasks, err = r.planner.Plan(r.checkpoint, r.channels, r.step)
				if err != nil {
					return nil, err
				}
			}
			if len(tasks) == 0 {
				return r.finalState(), nil
			}
		}
		if r.step >= r.recursionLimit {
			return nil, NewGraphError(ErrorKindRecursion,
				fmt.Errorf("graph exceeded recursion limit of %d supersteps", r.recursionLimit))
		}
		r.emitDebug(ctx, DebugEvent{Phase: ExecutionPhasePlanning, TaskCount: len(tasks)})

		if !r.skipPauses {
			if node := firstMatch(tasks, r.graph.InterruptBefore()); node != "" {
				return nil, r.pauseAt(node, "before")
			}
		}
		r.skipPauses = false

		// An external pause waits for the boundary; work planned for the
		// next step stays in the checkpoint for resume.
		if watcher.requested() {
			return nil, newExternalInterruptError(r.step, false)
		}

		if err := r.runSuperstep(ctx, tasks); err != nil {
			if watcher.forced(ctx) {
				return nil, newExternalInterruptError(r.step, true)
			}
			return nil, err
		}
	}
}

// finalState projects the run's channels into the state returned to the
// caller.
func (r *graphRun) finalState() State {
	return projectFullState(r.channels)
}

// pauseAt builds the static interrupt for a breakpoint node.
func (r *graphRun) pauseAt(node, when string) error {
	return &InterruptError{
		Value:     StaticInterrupt{NodeID: node, When: when},
		NodeID:    node,
		Step:      r.step,
		Timestamp: time.Now().UTC(),
	}
}

// firstMatch returns the first planned node present in the watch list.
func firstMatch(tasks []*Task, watch []string) string {
	if len(watch) == 0 {
		return ""
	}
	set := make(map[string]bool, len(watch))
	for _, w := range watch {
		set[w] = true
	}
	for _, t := range tasks {
		if set[t.NodeID] {
			return t.NodeID
		}
	}
	return ""
}

// checkpointConfig builds the config identifying the checkpoint tasks of
// the current step attach their writes to.
func (r *graphRun) checkpointConfig() map[string]any {
	id := ""
	if r.checkpoint != nil {
		id = r.checkpoint.ID
	}
	return CreateCheckpointConfig(r.threadID, id, strings.Join(r.namespace, NamespaceSeparator))
}

// persistCheckpoint stores a checkpoint atomically with its pending
// writes, when a saver is configured.
func (r *graphRun) persistCheckpoint(
	ctx context.Context,
	ckpt *Checkpoint,
	metadata *CheckpointMetadata,
	updated []string,
	writes []PendingWrite,
) error {
	if r.exec.manager == nil {
		return nil
	}
	newVersions := make(map[string]int64, len(updated))
	for _, name := range updated {
		newVersions[name] = ckpt.ChannelVersions[name]
	}
	cfg := CreateCheckpointConfig(r.threadID, ckpt.ID, strings.Join(r.namespace, NamespaceSeparator))
	if _, err := r.exec.manager.PutFull(ctx, PutFullRequest{
		Config:        cfg,
		Checkpoint:    ckpt,
		Metadata:      metadata,
		NewVersions:   newVersions,
		PendingWrites: writes,
	}); err != nil {
		return NewGraphError(ErrorKindCheckpoint, err)
	}
	return nil
}

// fillParents records the parent linkage for subgraph checkpoints.
func (r *graphRun) fillParents(metadata *CheckpointMetadata) {
	metadata.IsResuming = r.isResuming
	if r.parent == nil {
		return
	}
	if metadata.Parents == nil {
		metadata.Parents = make(map[string]string)
	}
	metadata.Parents[r.parent.namespace] = r.parent.checkpointID
}

// planNext fills a checkpoint's NextNodes and NextChannels with a dry
// plan, so stored state shows what would run next.
func (r *graphRun) planNext(ckpt *Checkpoint, step int) {
	tasks, err := r.planner.Plan(ckpt, r.channels, step)
	if err != nil {
		return
	}
	seenNodes := make(map[string]bool)
	seenChannels := make(map[string]bool)
	for _, t := range tasks {
		if !seenNodes[t.NodeID] {
			seenNodes[t.NodeID] = true
			ckpt.NextNodes = append(ckpt.NextNodes, t.NodeID)
		}
		for _, c := range t.Triggers {
			if !seenChannels[c] {
				seenChannels[c] = true
				ckpt.NextChannels = append(ckpt.NextChannels, c)
			}
		}
	}
	sort.Strings(ckpt.NextChannels)
}

func (r *graphRun) emitDebug(ctx context.Context, payload DebugEvent) {
	if !r.emitter.enabled(StreamModeDebug) {
		return
	}
	r.emitter.emit(ctx, newDebugEvent(r.namespace, r.step, payload))
}

// emitTerminal delivers the run's final interrupt or failure on the
// stream, bypassing the mode filter so every consumer sees how the run
// ended.
func (r *graphRun) emitTerminal(ctx context.Context, err error) {
	payload := DebugEvent{
		Phase:     ExecutionPhaseError,
		Error:     err.Error(),
		Timestamp: time.Now().UTC(),
	}
	if ie, ok := GetInterruptError(err); ok {
		payload.Phase = ExecutionPhaseInterrupt
		payload.NodeID = ie.NodeID
		payload.TaskID = ie.TaskID
		payload.Interrupt = ie.Value
		payload.Error = ""
	}
	ev := StreamEvent{
		Mode:      StreamModeDebug,
		Namespace: r.namespace,
		Step:      r.step,
		Node:      payload.NodeID,
		Payload:   payload,
	}
	if !r.emitter.forceEmit(ctx, ev) {
		log.Debugf("graph run on thread %s ended with undelivered %s event", r.threadID, payload.Phase)
	}
}

func deepCopyVersions(src map[string]int64) map[string]int64 {
	dst := make(map[string]int64, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

func deepCopySeen(src map[string]map[string]int64) map[string]map[string]int64 {
	dst := make(map[string]map[string]int64, len(src))
	for node, m := range src {
		inner := make(map[string]int64, len(m))
		for k, v := range m {
			inner[k] = v
		}
		dst[node] = inner
	}
	return dst
}
