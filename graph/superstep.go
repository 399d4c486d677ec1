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
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"trpc.group/trpc-go/trpc-graph-go/graph/internal/channel"
	"trpc.group/trpc-go/trpc-graph-go/log"
	imetric "trpc.group/trpc-go/trpc-graph-go/telemetry/metric"
)

// taskResult holds everything one task produced. Exactly one of err and
// interrupt is set for unsuccessful tasks.
type taskResult struct {
	task *Task
	// update is the state-field portion of the writes, kept for stream
	// events and checkpoint metadata.
	update State
	// writes is the full ordered write list, including routing and Send
	// packets.
	writes    []channelWriteEntry
	interrupt *InterruptError
	consumed  []any
	err       error
	duration  time.Duration
}

// taskParam carries one task through the worker pool.
type taskParam struct {
	ctx       context.Context
	run       *graphRun
	task      *Task
	idx       int
	results   []*taskResult
	wg        *sync.WaitGroup
	onFailure func()
}

func (p *taskParam) reset() {
	p.ctx = nil
	p.run = nil
	p.task = nil
	p.idx = 0
	p.results = nil
	p.wg = nil
	p.onFailure = nil
}

var taskParamPool = &sync.Pool{
	New: func() any {
		return &taskParam{}
	},
}

// runTaskPoolFunc is the shared ants pool entry. Results land in the
// slot reserved for the task, so result order never depends on
// completion order.
func runTaskPoolFunc(args any) {
	param, ok := args.(*taskParam)
	if !ok {
		panic(fmt.Sprintf("graph task pool args type error: %T", args))
	}
	defer func() {
		param.wg.Done()
		param.reset()
		taskParamPool.Put(param)
	}()
	res := param.run.executeTask(param.ctx, param.task)
	param.results[param.idx] = res
	if res.err != nil && param.onFailure != nil {
		param.onFailure()
	}
}

// runSuperstep executes one plan: adopt writes a crashed attempt left
// behind, run the remaining tasks in parallel, then commit.
func (r *graphRun) runSuperstep(ctx context.Context, tasks []*Task) error {
	stepStart := time.Now()
	defer func() {
		imetric.StepCount.Add(ctx, 1)
		imetric.StepDuration.Record(ctx, time.Since(stepStart).Seconds())
	}()
	adopted := r.adoptPendingWrites(tasks)
	results := make([]*taskResult, len(tasks))
	var toRun []int
	for i, t := range tasks {
		if res, ok := adopted[t.ID]; ok {
			results[i] = res
			continue
		}
		toRun = append(toRun, i)
	}
	if len(toRun) > 0 {
		r.runTasks(ctx, tasks, results, toRun)
	}
	return r.commit(ctx, results)
}

// runTasks fans the listed tasks out and waits for all of them. Under
// fail-fast the first failure cancels the peers; their cancellation
// errors surface alongside the original at commit.
func (r *graphRun) runTasks(ctx context.Context, tasks []*Task, results []*taskResult, toRun []int) {
	runCtx := ctx
	var cancel context.CancelFunc
	if r.exec.stepTimeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, r.exec.stepTimeout)
	} else if r.exec.failurePolicy == FailurePolicyFailFast {
		runCtx, cancel = context.WithCancel(ctx)
	}
	if cancel != nil {
		defer cancel()
	}
	var onFailure func()
	if r.exec.failurePolicy == FailurePolicyFailFast && cancel != nil {
		onFailure = cancel
	}

	var wg sync.WaitGroup
	for _, idx := range toRun {
		idx := idx
		task := tasks[idx]
		wg.Add(1)
		if r.usePool {
			param := taskParamPool.Get().(*taskParam)
			param.ctx = runCtx
			param.run = r
			param.task = task
			param.idx = idx
			param.results = results
			param.wg = &wg
			param.onFailure = onFailure
			if err := r.exec.pool.Invoke(param); err != nil {
				param.reset()
				taskParamPool.Put(param)
				results[idx] = &taskResult{
					task: task,
					err:  NewNodeError(task.NodeID, r.step, fmt.Errorf("submit task: %w", err)),
				}
				wg.Done()
			}
			continue
		}
		go func() {
			defer wg.Done()
			res := r.executeTask(runCtx, task)
			results[idx] = res
			if res.err != nil && onFailure != nil {
				onFailure()
			}
		}()
	}
	wg.Wait()
}

// executeTask runs one node with retries and materializes its writes.
func (r *graphRun) executeTask(ctx context.Context, t *Task) *taskResult {
	start := time.Now()
	res := &taskResult{task: t}
	defer func() { r.recordTaskMetrics(ctx, t, res) }()
	node, ok := r.graph.Node(t.NodeID)
	if !ok {
		res.err = NewNodeError(t.NodeID, r.step, errors.New("node not found"))
		return res
	}

	sp := r.newScratchpad(t)
	taskCtx := withScratchpad(ctx, sp)
	if r.emitter != nil {
		taskCtx = withEmitter(taskCtx, &EventEmitter{emitter: r.emitter, step: r.step, node: t.NodeID})
	}
	if r.exec.store != nil {
		taskCtx = withStore(taskCtx, r.exec.store)
	}
	r.emitDebug(ctx, DebugEvent{
		Phase:    ExecutionPhaseExecution,
		TaskID:   t.ID,
		NodeID:   t.NodeID,
		Triggers: t.Triggers,
	})

	output, err := r.invokeWithRetry(taskCtx, node, t, start)
	res.consumed = sp.snapshotConsumed()
	res.duration = time.Since(start)
	if err != nil {
		if ie, ok := GetInterruptError(err); ok {
			r.fillInterrupt(ie, t)
			res.interrupt = ie
			r.persistInterruptWrites(ctx, t, ie, res.consumed)
			return res
		}
		res.err = NewNodeError(t.NodeID, r.step, err)
		r.persistErrorWrite(ctx, t, err)
		r.emitDebug(ctx, DebugEvent{
			Phase:  ExecutionPhaseError,
			TaskID: t.ID,
			NodeID: t.NodeID,
			Error:  err.Error(),
		})
		return res
	}

	if err := r.materialize(taskCtx, node, t, output, res); err != nil {
		res.err = NewNodeError(t.NodeID, r.step, err)
		r.persistErrorWrite(ctx, t, err)
		return res
	}
	r.persistTaskWrites(ctx, t, res.writes)
	if len(res.update) > 0 {
		r.emitter.emit(ctx, newUpdatesEvent(r.namespace, r.step, NodeUpdate{
			NodeID: t.NodeID,
			TaskID: t.ID,
			Update: res.update,
		}))
	}
	r.emitDebug(ctx, DebugEvent{
		Phase:  ExecutionPhaseComplete,
		TaskID: t.ID,
		NodeID: t.NodeID,
	})
	return res
}

// recordTaskMetrics reports one task execution to the engine meters.
func (r *graphRun) recordTaskMetrics(ctx context.Context, t *Task, res *taskResult) {
	status := "ok"
	switch {
	case res.interrupt != nil:
		status = "interrupt"
	case res.err != nil:
		status = "error"
	}
	attrs := metric.WithAttributes(
		attribute.String(imetric.KeyNodeID, t.NodeID),
		attribute.String(imetric.KeyTaskStatus, status),
	)
	imetric.TaskCount.Add(ctx, 1, attrs)
	imetric.NodeDuration.Record(ctx, res.duration.Seconds(), attrs)
}

// newScratchpad primes the interrupt bookkeeping for one task. Replay
// answers come from the recorded interrupt of this node; fresh answers
// come from the run's resume command.
func (r *graphRun) newScratchpad(t *Task) *taskScratchpad {
	sp := &taskScratchpad{
		taskID: t.ID,
		nodeID: t.NodeID,
		step:   r.step,
		path:   append([]string(nil), t.Path...),
	}
	if prior, ok := r.primedConsumed[t.ID]; ok {
		sp.consumed = append(sp.consumed, prior...)
	}
	targeted := r.interrupted != nil && r.interrupted.NodeID == t.NodeID
	if targeted {
		sp.consumed = append(sp.consumed, r.interrupted.ResumeValues...)
	}
	if r.resume != nil && (targeted || r.interrupted == nil) {
		if r.resume.hasValue {
			sp.nullResume = r.resume.value
			sp.hasNullResume = true
		}
		if len(r.resume.valueMap) > 0 {
			sp.resumeMap = make(map[string]any, len(r.resume.valueMap))
			for k, v := range r.resume.valueMap {
				sp.resumeMap[k] = v
			}
		}
	}
	return sp
}

// fillInterrupt completes interrupt metadata a node-level error may lack.
func (r *graphRun) fillInterrupt(ie *InterruptError, t *Task) {
	if ie.NodeID == "" {
		ie.NodeID = t.NodeID
	}
	if ie.TaskID == "" {
		ie.TaskID = t.ID
	}
	if len(ie.Path) == 0 {
		ie.Path = append([]string(nil), t.Path...)
	}
	ie.Step = r.step
}

// invokeWithRetry runs the node function, retrying failures per the
// effective policy. Interrupts and context cancellation end the attempt
// loop immediately.
func (r *graphRun) invokeWithRetry(ctx context.Context, node *Node, t *Task, start time.Time) (any, error) {
	policy := node.retryPolicy
	if policy == nil {
		policy = r.exec.retryPolicy
	}
	timeout := r.exec.taskTimeout
	if policy != nil && policy.PerAttemptTimeout > 0 {
		timeout = policy.PerAttemptTimeout
	}
	for attempt := 0; ; attempt++ {
		output, err := r.invokeAttempt(ctx, node, t, timeout)
		if err == nil || IsInterruptError(err) {
			return output, err
		}
		if ctx.Err() != nil {
			return nil, err
		}
		if policy == nil || !policy.ShouldRetry(err) {
			return nil, err
		}
		if policy.MaxAttempts > 0 && attempt+1 >= policy.MaxAttempts {
			return nil, err
		}
		if policy.MaxElapsedTime > 0 && time.Since(start) >= policy.MaxElapsedTime {
			return nil, err
		}
		delay := policy.NextDelay(attempt)
		log.Debugf("retrying node %s after %v (attempt %d): %v", node.ID, delay, attempt+1, err)
		imetric.TaskRetryCount.Add(ctx, 1,
			metric.WithAttributes(attribute.String(imetric.KeyNodeID, node.ID)))
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, err
		}
	}
}

func (r *graphRun) invokeAttempt(ctx context.Context, node *Node, t *Task, timeout time.Duration) (any, error) {
	if timeout > 0 {
		attemptCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		return r.invokeNode(attemptCtx, node, t)
	}
	return r.invokeNode(ctx, node, t)
}

// invokeNode dispatches to the node function or, for composite nodes, to
// a nested graph run.
func (r *graphRun) invokeNode(ctx context.Context, node *Node, t *Task) (any, error) {
	if node.subgraph != nil {
		return r.invokeSubgraph(ctx, node, t)
	}
	if node.Function == nil {
		return nil, errors.New("node has no function")
	}
	return node.Function(ctx, t.Input.Clone())
}

// invokeSubgraph runs a nested graph under its own checkpoint namespace.
// The child inherits the thread and saver; its interrupts surface through
// the enclosing node so the parent records and resumes them like any
// other pause.
func (r *graphRun) invokeSubgraph(ctx context.Context, node *Node, t *Task) (any, error) {
	child, err := r.newSubgraphRun(ctx, node, t)
	if err != nil {
		return nil, err
	}
	out, err := child.loop(ctx)
	if err != nil {
		if ie, ok := GetInterruptError(err); ok {
			nested := *ie
			nested.NodeID = node.ID
			nested.TaskID = t.ID
			nested.Step = r.step
			nested.Path = append(append([]string(nil), t.Path...), ie.Path...)
			return nil, &nested
		}
		return nil, err
	}
	if cmd := child.takeParentCommand(); cmd != nil {
		return cmd, nil
	}
	// Only fields the enclosing graph declares flow back up.
	update := make(State, len(out))
	for k, v := range out {
		if r.graph.hasChannel(k) {
			update[k] = v
		}
	}
	return update, nil
}

// newSubgraphRun builds the nested run for a composite node. When the
// node is the one the thread paused at and the child namespace recorded
// its own interrupt, the child resumes; otherwise it starts a fresh pass
// with the projected input.
func (r *graphRun) newSubgraphRun(ctx context.Context, node *Node, t *Task) (*graphRun, error) {
	ns := append(append([]string(nil), r.namespace...), node.ID)
	child := &graphRun{
		exec:           r.exec,
		graph:          node.subgraph,
		planner:        newTaskPlanner(node.subgraph),
		channels:       node.subgraph.newChannelManager(),
		emitter:        r.emitter.child(node.ID),
		config:         CreateCheckpointConfig(r.threadID, "", strings.Join(ns, NamespaceSeparator)),
		threadID:       r.threadID,
		namespace:      ns,
		recursionLimit: r.recursionLimit,
		usePool:        false,
		hasParent:      true,
		parent: &parentRef{
			namespace:    strings.Join(r.namespace, NamespaceSeparator),
			checkpointID: r.checkpoint.ID,
		},
	}
	tuple, err := child.loadTuple(ctx)
	if err != nil {
		return nil, err
	}
	paused := tuple != nil && tuple.Checkpoint.InterruptState != nil
	if paused && r.interrupted != nil && r.interrupted.NodeID == node.ID {
		var cmd *Command
		if r.resume != nil {
			cmd = &Command{}
			if r.resume.hasValue {
				cmd.Resume = r.resume.value
			}
			if len(r.resume.valueMap) > 0 {
				cmd.ResumeMap = r.resume.valueMap
			}
		}
		if err := child.prepareResume(ctx, tuple, cmd); err != nil {
			return nil, err
		}
		return child, nil
	}
	input := make(State, len(t.Input))
	for k, v := range t.Input {
		if node.subgraph.hasChannel(k) {
			input[k] = v
		}
	}
	if err := child.prepareInput(ctx, tuple, input); err != nil {
		return nil, err
	}
	return child, nil
}

func (r *graphRun) setParentCommand(cmd *Command) {
	r.parentMu.Lock()
	defer r.parentMu.Unlock()
	if r.parentCommand == nil {
		r.parentCommand = cmd
	}
}

func (r *graphRun) takeParentCommand() *Command {
	r.parentMu.Lock()
	defer r.parentMu.Unlock()
	cmd := r.parentCommand
	r.parentCommand = nil
	return cmd
}

// materialize converts a node's return value into the channel writes the
// commit applies: state updates first in key order, then the node's
// static edge writes, then routing, then Send packets.
func (r *graphRun) materialize(ctx context.Context, node *Node, t *Task, output any, res *taskResult) error {
	var update State
	var sends []*Send
	var gotoTargets []string
	gotoApplied := false
	parentHandled := false

	applyCommand := func(cmd *Command) error {
		if cmd.Graph == CommandParent {
			if !r.hasParent {
				return NewGraphError(ErrorKindInvalidUpdate,
					fmt.Errorf("node %s returned a parent command at the root graph", t.NodeID))
			}
			r.setParentCommand(&Command{Update: cmd.Update, Goto: cmd.Goto})
			parentHandled = true
			return nil
		}
		update = cmd.Update
		if cmd.Goto != nil {
			targets, s, err := splitGoto(cmd.Goto)
			if err != nil {
				return err
			}
			gotoTargets = targets
			sends = append(sends, s...)
			gotoApplied = true
		}
		return nil
	}

	switch out := output.(type) {
	case nil:
	case State:
		update = out
	case map[string]any:
		update = State(out)
	case *Command:
		if out != nil {
			if err := applyCommand(out); err != nil {
				return err
			}
		}
	case Command:
		if err := applyCommand(&out); err != nil {
			return err
		}
	case []*Send:
		sends = out
	case *Send:
		sends = []*Send{out}
	case Send:
		sends = []*Send{&out}
	default:
		return fmt.Errorf("unsupported node result type %T", output)
	}
	if parentHandled {
		// The write set belongs to the enclosing graph; nothing routes
		// locally.
		return nil
	}

	keys := make([]string, 0, len(update))
	for k := range update {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		res.writes = append(res.writes, channelWriteEntry{Channel: k, Value: update[k]})
	}
	res.update = update

	res.writes = append(res.writes, node.writers...)

	if !gotoApplied {
		if ce, ok := r.graph.ConditionalEdge(t.NodeID); ok {
			routed := r.graph.Schema().ApplyUpdate(t.Input.Clone(), update)
			targets, err := evalConditional(ctx, ce, routed)
			if err != nil {
				return fmt.Errorf("conditional edge: %w", err)
			}
			gotoTargets = append(gotoTargets, targets...)
		}
	}
	seen := make(map[string]bool, len(gotoTargets))
	for _, target := range gotoTargets {
		if target == End || seen[target] {
			continue
		}
		seen[target] = true
		if _, ok := r.graph.Node(target); !ok {
			return fmt.Errorf("route targets unknown node %s", target)
		}
		res.writes = append(res.writes, channelWriteEntry{Channel: branchChannel(target), Value: t.NodeID})
	}

	for _, s := range sends {
		if s == nil {
			continue
		}
		if _, ok := r.graph.Node(s.Node); !ok {
			return fmt.Errorf("send targets unknown node %s", s.Node)
		}
		res.writes = append(res.writes, channelWriteEntry{
			Channel: ChannelTasks,
			Value:   PendingSend{Channel: s.Node, Value: s.Arg},
		})
	}
	return nil
}

// evalConditional runs a routing condition and maps its results through
// the path map when one is declared.
func evalConditional(ctx context.Context, ce *ConditionalEdge, state State) ([]string, error) {
	resolve := func(result string) (string, error) {
		if len(ce.PathMap) == 0 {
			return result, nil
		}
		mapped, ok := ce.PathMap[result]
		if !ok {
			return "", fmt.Errorf("condition result %q not in path map", result)
		}
		return mapped, nil
	}
	if ce.MultiCondition != nil {
		results, err := ce.MultiCondition(ctx, state)
		if err != nil {
			return nil, err
		}
		targets := make([]string, 0, len(results))
		for _, result := range results {
			target, err := resolve(result)
			if err != nil {
				return nil, err
			}
			targets = append(targets, target)
		}
		return targets, nil
	}
	if ce.Condition == nil {
		return nil, errors.New("conditional edge has no condition")
	}
	result, err := ce.Condition(ctx, state)
	if err != nil {
		return nil, err
	}
	target, err := resolve(result)
	if err != nil {
		return nil, err
	}
	return []string{target}, nil
}

// persistTaskWrites stores a task's writes against the current
// checkpoint, so a crash before commit can adopt them instead of
// re-running the task. Persistence failures degrade crash safety but do
// not fail the task.
func (r *graphRun) persistTaskWrites(ctx context.Context, t *Task, entries []channelWriteEntry) {
	if r.exec.manager == nil || r.threadID == "" || len(entries) == 0 {
		return
	}
	writes := make([]PendingWrite, 0, len(entries))
	for _, e := range entries {
		writes = append(writes, PendingWrite{
			TaskID:   t.ID,
			Channel:  e.Channel,
			Value:    e.Value,
			Sequence: atomic.AddInt64(&r.writeSeq, 1),
		})
	}
	req := PutWritesRequest{
		Config:   r.checkpointConfig(),
		Writes:   writes,
		TaskID:   t.ID,
		TaskPath: strings.Join(t.Path, NamespaceSeparator),
	}
	if err := r.exec.manager.PutWrites(ctx, req); err != nil {
		log.Warnf("persist writes for task %s on thread %s: %v", t.ID, r.threadID, err)
	}
}

// persistInterruptWrites records an interrupt and the answers consumed
// before it, keyed to the current checkpoint for crash recovery.
func (r *graphRun) persistInterruptWrites(ctx context.Context, t *Task, ie *InterruptError, consumed []any) {
	entries := make([]channelWriteEntry, 0, len(consumed)+1)
	for _, v := range consumed {
		entries = append(entries, channelWriteEntry{Channel: ChannelResume, Value: v})
	}
	entries = append(entries, channelWriteEntry{Channel: ChannelInterrupt, Value: &InterruptState{
		NodeID:         ie.NodeID,
		TaskID:         t.ID,
		InterruptValue: ie.Value,
		ResumeValues:   consumed,
		Step:           r.step,
		Path:           ie.Path,
	}})
	r.persistTaskWrites(ctx, t, entries)
}

func (r *graphRun) persistErrorWrite(ctx context.Context, t *Task, err error) {
	r.persistTaskWrites(ctx, t, []channelWriteEntry{{Channel: ChannelError, Value: err.Error()}})
}

// adoptPendingWrites reconciles writes persisted by a crashed attempt of
// the same step with the fresh plan. Task ids are deterministic, so a
// planned task whose writes survived is adopted instead of re-run; error
// writes force a re-run; interrupt writes re-surface the pause unless
// resume answers arrived, in which case the task re-runs with its
// consumed answers replayed.
func (r *graphRun) adoptPendingWrites(tasks []*Task) map[string]*taskResult {
	if len(r.pendingWrites) == 0 {
		return nil
	}
	byTask := make(map[string][]PendingWrite)
	for _, w := range r.pendingWrites {
		byTask[w.TaskID] = append(byTask[w.TaskID], w)
	}
	adopted := make(map[string]*taskResult)
	for _, t := range tasks {
		group, ok := byTask[t.ID]
		if !ok {
			continue
		}
		sort.SliceStable(group, func(i, j int) bool { return group[i].Sequence < group[j].Sequence })
		var entries []channelWriteEntry
		var consumed []any
		var interruptState *InterruptState
		failed := false
		for _, w := range group {
			switch w.Channel {
			case ChannelError:
				failed = true
			case ChannelResume:
				consumed = append(consumed, w.Value)
			case ChannelInterrupt:
				interruptState = interruptStateFromAny(w.Value)
			default:
				entries = append(entries, channelWriteEntry{Channel: w.Channel, Value: w.Value})
			}
		}
		if failed {
			continue
		}
		if interruptState != nil {
			if r.resume != nil {
				if len(consumed) > 0 {
					r.primeConsumed(t.ID, consumed)
				}
				continue
			}
			adopted[t.ID] = &taskResult{
				task:      t,
				interrupt: interruptErrorFromState(interruptState),
				consumed:  consumed,
			}
			continue
		}
		if len(entries) == 0 {
			continue
		}
		adopted[t.ID] = &taskResult{
			task:     t,
			writes:   entries,
			update:   updateFromWrites(entries),
			consumed: consumed,
		}
	}
	r.pendingWrites = nil
	return adopted
}

func (r *graphRun) primeConsumed(taskID string, consumed []any) {
	if r.primedConsumed == nil {
		r.primedConsumed = make(map[string][]any)
	}
	r.primedConsumed[taskID] = consumed
}

// updateFromWrites recovers the state-field portion of adopted writes.
func updateFromWrites(entries []channelWriteEntry) State {
	var update State
	for _, e := range entries {
		if isRoutingChannel(e.Channel) || isControlChannel(e.Channel) {
			continue
		}
		if update == nil {
			update = State{}
		}
		update[e.Channel] = e.Value
	}
	return update
}

func isRoutingChannel(name string) bool {
	return strings.HasPrefix(name, BranchPrefix) || strings.HasPrefix(name, JoinPrefix)
}

func isControlChannel(name string) bool {
	switch name {
	case ChannelTasks, ChannelInterrupt, ChannelResume, ChannelError, ChannelScheduled:
		return true
	}
	return false
}

// commit applies the step's writes in deterministic order, advances
// channel versions, persists the next checkpoint, and surfaces any
// interrupt. When a task failed nothing commits: the step re-runs on
// resume against the unchanged checkpoint.
func (r *graphRun) commit(ctx context.Context, results []*taskResult) error {
	var failures []error
	var interrupts []*taskResult
	completed := make([]*taskResult, 0, len(results))
	for _, res := range results {
		if res == nil {
			continue
		}
		switch {
		case res.err != nil:
			failures = append(failures, res.err)
		case res.interrupt != nil:
			interrupts = append(interrupts, res)
		default:
			completed = append(completed, res)
		}
	}
	if len(failures) == 1 {
		return failures[0]
	}
	if len(failures) > 1 {
		return NewGraphError(ErrorKindNodeFailure, errors.Join(failures...))
	}

	versions := deepCopyVersions(r.checkpoint.ChannelVersions)
	seen := deepCopySeen(r.checkpoint.VersionsSeen)

	// Consume before applying writes, so values read this step clear
	// while values written this step survive.
	consumedTriggers := make(map[string]bool)
	for _, res := range completed {
		for _, c := range res.task.Triggers {
			if c == TriggerPush || consumedTriggers[c] {
				continue
			}
			consumedTriggers[c] = true
			r.channels.Consume(c)
		}
	}

	updates := make(map[string][]any)
	var pendingSends []PendingSend
	for _, res := range completed {
		for _, w := range res.writes {
			if w.Channel == ChannelTasks {
				if ps, ok := pendingSendFromAny(w.Value); ok {
					ps.TaskID = res.task.ID
					pendingSends = append(pendingSends, ps)
				}
				continue
			}
			if isControlChannel(w.Channel) {
				continue
			}
			updates[w.Channel] = append(updates[w.Channel], w.Value)
		}
	}
	updated, err := r.applyUpdates(updates, versions)
	if err != nil {
		return err
	}

	for _, res := range completed {
		if len(res.task.triggerVersions) == 0 {
			continue
		}
		m := seen[res.task.NodeID]
		if m == nil {
			m = make(map[string]int64, len(res.task.triggerVersions))
			seen[res.task.NodeID] = m
		}
		for c, v := range res.task.triggerVersions {
			if v > m[c] {
				m[c] = v
			}
		}
	}

	r.clearEphemeral(updated, interrupts)

	next := NewCheckpoint(r.channels.Snapshot(), versions, seen)
	next.ParentCheckpointID = r.checkpoint.ID
	next.UpdatedChannels = updated
	next.PendingSends = pendingSends
	if len(interrupts) > 0 {
		first := interrupts[0]
		next.InterruptState = &InterruptState{
			NodeID:         first.interrupt.NodeID,
			TaskID:         first.interrupt.TaskID,
			InterruptValue: first.interrupt.Value,
			ResumeValues:   first.consumed,
			Step:           r.step,
			Path:           first.interrupt.Path,
		}
	}
	metadata := NewCheckpointMetadata(CheckpointSourceLoop, r.step)
	for _, res := range completed {
		if len(res.update) == 0 {
			continue
		}
		if metadata.Writes == nil {
			metadata.Writes = make(map[string]any)
		}
		metadata.Writes[res.task.NodeID] = res.update
	}
	r.fillParents(metadata)
	r.planNext(next, r.step+1)
	if err := r.persistCheckpoint(ctx, next, metadata, updated, nil); err != nil {
		return err
	}

	r.emitDebug(ctx, DebugEvent{
		Phase:           ExecutionPhaseUpdate,
		UpdatedChannels: updated,
		CheckpointID:    next.ID,
	})
	r.checkpoint = next
	r.pendingWrites = nil
	r.primedConsumed = nil
	r.resume = nil
	r.isResuming = false

	if len(interrupts) > 0 {
		r.interrupted = next.InterruptState
		r.step++
		return interrupts[0].interrupt
	}
	r.interrupted = nil

	if watched := completedMatch(completed, r.graph.InterruptAfter()); watched != "" {
		r.emitValues(ctx)
		r.step++
		return r.pauseAt(watched, "after")
	}
	r.emitValues(ctx)
	r.step++
	return nil
}

// clearEphemeral empties ephemeral channels that were neither refreshed
// this step nor feeding an interrupted task. Clears do not advance
// versions: an old value that vanished is not news.
func (r *graphRun) clearEphemeral(updated []string, interrupts []*taskResult) {
	updatedSet := make(map[string]bool, len(updated))
	for _, name := range updated {
		updatedSet[name] = true
	}
	protect := make(map[string]bool)
	for _, res := range interrupts {
		for _, c := range res.task.Triggers {
			protect[c] = true
		}
	}
	for _, name := range r.channels.Names() {
		spec, ok := r.channels.Spec(name)
		if !ok || spec.Behavior != channel.BehaviorEphemeral {
			continue
		}
		if updatedSet[name] || protect[name] {
			continue
		}
		if _, err := r.channels.Update(name, nil); err != nil {
			log.Debugf("clear ephemeral channel %s: %v", name, err)
		}
	}
}

func (r *graphRun) emitValues(ctx context.Context) {
	if !r.emitter.enabled(StreamModeValues) {
		return
	}
	r.emitter.emit(ctx, newValuesEvent(r.namespace, r.step, r.finalState()))
}

// completedMatch returns the first completed node present in the watch
// list.
func completedMatch(completed []*taskResult, watch []string) string {
	if len(watch) == 0 {
		return ""
	}
	set := make(map[string]bool, len(watch))
	for _, w := range watch {
		set[w] = true
	}
	for _, res := range completed {
		if set[res.task.NodeID] {
			return res.task.NodeID
		}
	}
	return ""
}

// projectFullState filters routing and control channels out of a
// snapshot, leaving the caller-visible state.
func projectFullState(mgr *channel.Manager) State {
	snap := mgr.Snapshot()
	state := make(State, len(snap))
	for name, v := range snap {
		if isRoutingChannel(name) || isControlChannel(name) {
			continue
		}
		state[name] = v
	}
	return state
}

// pendingSendFromAny normalizes a Send packet that may have round-tripped
// through the serializer as an untyped map.
func pendingSendFromAny(v any) (PendingSend, bool) {
	switch s := v.(type) {
	case PendingSend:
		return s, true
	case *PendingSend:
		if s == nil {
			return PendingSend{}, false
		}
		return *s, true
	case map[string]any:
		data, err := json.Marshal(s)
		if err != nil {
			return PendingSend{}, false
		}
		var out PendingSend
		if err := json.Unmarshal(data, &out); err != nil || out.Channel == "" {
			return PendingSend{}, false
		}
		return out, true
	default:
		return PendingSend{}, false
	}
}

// interruptStateFromAny normalizes a persisted interrupt record.
func interruptStateFromAny(v any) *InterruptState {
	switch s := v.(type) {
	case *InterruptState:
		return s
	case InterruptState:
		return &s
	case map[string]any:
		data, err := json.Marshal(s)
		if err != nil {
			return nil
		}
		var out InterruptState
		if err := json.Unmarshal(data, &out); err != nil {
			return nil
		}
		return &out
	default:
		return nil
	}
}

func interruptErrorFromState(s *InterruptState) *InterruptError {
	return &InterruptError{
		Value:     s.InterruptValue,
		NodeID:    s.NodeID,
		TaskID:    s.TaskID,
		Step:      s.Step,
		Path:      append([]string(nil), s.Path...),
		Timestamp: time.Now().UTC(),
	}
}
