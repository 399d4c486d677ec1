//
// Tencent is pleased to support the open source community by making trpc-graph-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-graph-go is licensed under the Apache License Version 2.0.
//
//

// Package sqlite implements the checkpoint saver on a SQLite database.
// Checkpoints and metadata land as serializer-encoded JSON blobs, one row
// per checkpoint and one row per pending write, so a single file carries
// every thread's full branching history across restarts.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"trpc.group/trpc-go/trpc-graph-go/graph"
)

const (
	createCheckpointsTable = "CREATE TABLE IF NOT EXISTS checkpoints (" +
		"thread_id TEXT NOT NULL, " +
		"checkpoint_ns TEXT NOT NULL, " +
		"checkpoint_id TEXT NOT NULL, " +
		"parent_checkpoint_id TEXT NOT NULL DEFAULT '', " +
		"ts INTEGER NOT NULL, " +
		"checkpoint_json BLOB NOT NULL, " +
		"metadata_json BLOB NOT NULL, " +
		"PRIMARY KEY (thread_id, checkpoint_ns, checkpoint_id)" +
		")"

	// The primary key makes re-persisting a task's writes overwrite the
	// same slots instead of duplicating them.
	createWritesTable = "CREATE TABLE IF NOT EXISTS checkpoint_writes (" +
		"thread_id TEXT NOT NULL, " +
		"checkpoint_ns TEXT NOT NULL, " +
		"checkpoint_id TEXT NOT NULL, " +
		"task_id TEXT NOT NULL, " +
		"idx INTEGER NOT NULL, " +
		"channel TEXT NOT NULL, " +
		"value_json BLOB NOT NULL, " +
		"seq INTEGER NOT NULL DEFAULT 0, " +
		"task_path TEXT NOT NULL DEFAULT '', " +
		"PRIMARY KEY (thread_id, checkpoint_ns, checkpoint_id, task_id, idx)" +
		")"

	insertCheckpointSQL = "INSERT OR REPLACE INTO checkpoints (" +
		"thread_id, checkpoint_ns, checkpoint_id, parent_checkpoint_id, ts, " +
		"checkpoint_json, metadata_json) VALUES (?, ?, ?, ?, ?, ?, ?)"

	selectLatestSQL = "SELECT checkpoint_id, checkpoint_json, metadata_json " +
		"FROM checkpoints WHERE thread_id = ? AND checkpoint_ns = ? " +
		"ORDER BY ts DESC, checkpoint_id DESC LIMIT 1"

	selectByIDSQL = "SELECT checkpoint_id, checkpoint_json, metadata_json " +
		"FROM checkpoints WHERE thread_id = ? AND checkpoint_ns = ? AND checkpoint_id = ? LIMIT 1"

	selectAllSQL = "SELECT checkpoint_id, checkpoint_json, metadata_json " +
		"FROM checkpoints WHERE thread_id = ? AND checkpoint_ns = ? " +
		"ORDER BY ts DESC, checkpoint_id DESC"

	selectBeforeSQL = "SELECT checkpoint_id, checkpoint_json, metadata_json " +
		"FROM checkpoints WHERE thread_id = ? AND checkpoint_ns = ? AND ts < ? " +
		"ORDER BY ts DESC, checkpoint_id DESC"

	selectTimestampSQL = "SELECT ts FROM checkpoints " +
		"WHERE thread_id = ? AND checkpoint_ns = ? AND checkpoint_id = ? LIMIT 1"

	insertWriteSQL = "INSERT OR REPLACE INTO checkpoint_writes (" +
		"thread_id, checkpoint_ns, checkpoint_id, task_id, idx, channel, value_json, seq, task_path) " +
		"VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)"

	selectWritesSQL = "SELECT task_id, channel, value_json, seq FROM checkpoint_writes " +
		"WHERE thread_id = ? AND checkpoint_ns = ? AND checkpoint_id = ? " +
		"ORDER BY seq ASC, task_id ASC, idx ASC"

	deleteThreadCheckpointsSQL = "DELETE FROM checkpoints WHERE thread_id = ?"
	deleteThreadWritesSQL      = "DELETE FROM checkpoint_writes WHERE thread_id = ?"
)

// Saver is a SQLite-backed graph.CheckpointSaver. It expects an opened
// *sql.DB on a SQLite driver and creates its schema on construction. The
// saver takes ownership of the DB; Close closes it.
type Saver struct {
	db         *sql.DB
	serializer graph.Serializer
}

// NewSaver creates a SQLite checkpoint saver over db.
func NewSaver(db *sql.DB) (*Saver, error) {
	if db == nil {
		return nil, errors.New("sqlite saver requires a database handle")
	}
	if _, err := db.Exec(createCheckpointsTable); err != nil {
		return nil, fmt.Errorf("create checkpoints table: %w", err)
	}
	if _, err := db.Exec(createWritesTable); err != nil {
		return nil, fmt.Errorf("create writes table: %w", err)
	}
	return &Saver{db: db, serializer: graph.NewJSONSerializer()}, nil
}

// Get retrieves a checkpoint by configuration.
func (s *Saver) Get(ctx context.Context, config map[string]any) (*graph.Checkpoint, error) {
	tuple, err := s.GetTuple(ctx, config)
	if err != nil || tuple == nil {
		return nil, err
	}
	return tuple.Checkpoint, nil
}

// GetTuple retrieves a checkpoint tuple by configuration. An empty
// checkpoint_id resolves to the newest checkpoint of the thread and
// namespace; a missing checkpoint yields nil without error.
func (s *Saver) GetTuple(ctx context.Context, config map[string]any) (*graph.CheckpointTuple, error) {
	threadID := graph.GetThreadID(config)
	if threadID == "" {
		return nil, graph.ErrThreadIDRequired
	}
	namespace := graph.GetNamespace(config)
	checkpointID := graph.GetCheckpointID(config)

	var row *sql.Row
	if checkpointID == "" {
		row = s.db.QueryRowContext(ctx, selectLatestSQL, threadID, namespace)
	} else {
		row = s.db.QueryRowContext(ctx, selectByIDSQL, threadID, namespace, checkpointID)
	}
	var id string
	var checkpointJSON, metadataJSON []byte
	if err := row.Scan(&id, &checkpointJSON, &metadataJSON); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("select checkpoint: %w", err)
	}
	return s.decodeTuple(ctx, threadID, namespace, id, checkpointJSON, metadataJSON)
}

// List retrieves checkpoints for the thread and namespace, newest first.
// The limit applies after filtering so the newest matches win.
func (s *Saver) List(
	ctx context.Context, config map[string]any, filter *graph.CheckpointFilter,
) ([]*graph.CheckpointTuple, error) {
	threadID := graph.GetThreadID(config)
	if threadID == "" {
		return nil, graph.ErrThreadIDRequired
	}
	namespace := graph.GetNamespace(config)

	rows, err := s.queryCheckpoints(ctx, threadID, namespace, filter)
	if err != nil || rows == nil {
		return nil, err
	}
	defer rows.Close()

	// Drain the cursor before loading writes; SQLite dislikes nested
	// statements on one connection.
	type rawRow struct {
		id             string
		checkpointJSON []byte
		metadataJSON   []byte
	}
	var raw []rawRow
	for rows.Next() {
		var r rawRow
		if err := rows.Scan(&r.id, &r.checkpointJSON, &r.metadataJSON); err != nil {
			return nil, fmt.Errorf("scan checkpoint: %w", err)
		}
		raw = append(raw, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate checkpoints: %w", err)
	}

	var results []*graph.CheckpointTuple
	for _, r := range raw {
		tuple, err := s.decodeTuple(ctx, threadID, namespace, r.id, r.checkpointJSON, r.metadataJSON)
		if err != nil {
			return nil, err
		}
		if filter != nil && !matchesMetadata(tuple.Metadata, filter.Metadata) {
			continue
		}
		results = append(results, tuple)
		if filter != nil && filter.Limit > 0 && len(results) >= filter.Limit {
			break
		}
	}
	return results, nil
}

func (s *Saver) queryCheckpoints(
	ctx context.Context, threadID, namespace string, filter *graph.CheckpointFilter,
) (*sql.Rows, error) {
	if filter != nil && filter.Before != nil {
		if beforeID := graph.GetCheckpointID(filter.Before); beforeID != "" {
			var cutoff int64
			err := s.db.QueryRowContext(ctx, selectTimestampSQL, threadID, namespace, beforeID).Scan(&cutoff)
			if errors.Is(err, sql.ErrNoRows) {
				// An unknown cutoff matches nothing.
				return nil, nil
			}
			if err != nil {
				return nil, fmt.Errorf("select cutoff: %w", err)
			}
			rows, err := s.db.QueryContext(ctx, selectBeforeSQL, threadID, namespace, cutoff)
			if err != nil {
				return nil, fmt.Errorf("select checkpoints: %w", err)
			}
			return rows, nil
		}
	}
	rows, err := s.db.QueryContext(ctx, selectAllSQL, threadID, namespace)
	if err != nil {
		return nil, fmt.Errorf("select checkpoints: %w", err)
	}
	return rows, nil
}

// Put stores a checkpoint. Storing the same checkpoint ID again replaces
// it in place.
func (s *Saver) Put(ctx context.Context, req graph.PutRequest) (map[string]any, error) {
	threadID := graph.GetThreadID(req.Config)
	if threadID == "" {
		return nil, graph.ErrThreadIDRequired
	}
	if req.Checkpoint == nil {
		return nil, graph.ErrCheckpointNotFound
	}
	namespace := graph.GetNamespace(req.Config)
	if err := s.insertCheckpoint(ctx, s.db, threadID, namespace, req.Checkpoint, req.Metadata); err != nil {
		return nil, err
	}
	return graph.CreateCheckpointConfig(threadID, req.Checkpoint.ID, namespace), nil
}

// PutWrites stores task writes for an existing checkpoint. Slots are keyed
// by (task, index within the call), so retried persists overwrite rather
// than append.
func (s *Saver) PutWrites(ctx context.Context, req graph.PutWritesRequest) error {
	threadID := graph.GetThreadID(req.Config)
	checkpointID := graph.GetCheckpointID(req.Config)
	if threadID == "" || checkpointID == "" {
		return graph.ErrThreadIDAndCheckpointIDRequired
	}
	namespace := graph.GetNamespace(req.Config)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin writes transaction: %w", err)
	}
	defer tx.Rollback()
	for idx, w := range req.Writes {
		if err := s.insertWrite(ctx, tx, threadID, namespace, checkpointID, req.TaskID, idx, req.TaskPath, w); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit writes transaction: %w", err)
	}
	return nil
}

// PutFull stores a checkpoint together with its pending writes in one
// transaction, so a crash cannot leave the checkpoint visible without them.
func (s *Saver) PutFull(ctx context.Context, req graph.PutFullRequest) (map[string]any, error) {
	threadID := graph.GetThreadID(req.Config)
	if threadID == "" {
		return nil, graph.ErrThreadIDRequired
	}
	if req.Checkpoint == nil {
		return nil, graph.ErrCheckpointNotFound
	}
	namespace := graph.GetNamespace(req.Config)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := s.insertCheckpoint(ctx, tx, threadID, namespace, req.Checkpoint, req.Metadata); err != nil {
		return nil, err
	}
	// Index writes per task so they land in the same slots PutWrites
	// would use.
	slots := make(map[string]int)
	for _, w := range req.PendingWrites {
		idx := slots[w.TaskID]
		slots[w.TaskID]++
		if err := s.insertWrite(ctx, tx, threadID, namespace, req.Checkpoint.ID, w.TaskID, idx, "", w); err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit transaction: %w", err)
	}
	return graph.CreateCheckpointConfig(threadID, req.Checkpoint.ID, namespace), nil
}

// DeleteThread removes all checkpoints and writes of the thread across
// every namespace.
func (s *Saver) DeleteThread(ctx context.Context, threadID string) error {
	if threadID == "" {
		return graph.ErrThreadIDRequired
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete transaction: %w", err)
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, deleteThreadCheckpointsSQL, threadID); err != nil {
		return fmt.Errorf("delete checkpoints: %w", err)
	}
	if _, err := tx.ExecContext(ctx, deleteThreadWritesSQL, threadID); err != nil {
		return fmt.Errorf("delete writes: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit delete transaction: %w", err)
	}
	return nil
}

// Close closes the underlying database.
func (s *Saver) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// execer covers *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *Saver) insertCheckpoint(
	ctx context.Context, db execer, threadID, namespace string,
	ckpt *graph.Checkpoint, metadata *graph.CheckpointMetadata,
) error {
	checkpointJSON, err := s.serializer.Marshal(ckpt)
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}
	if metadata == nil {
		metadata = graph.NewCheckpointMetadata(graph.CheckpointSourceUpdate, 0)
	}
	metadataJSON, err := s.serializer.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	ts := ckpt.Timestamp.UnixNano()
	if ckpt.Timestamp.IsZero() {
		ts = time.Now().UTC().UnixNano()
	}
	_, err = db.ExecContext(
		ctx, insertCheckpointSQL,
		threadID, namespace, ckpt.ID, ckpt.ParentCheckpointID, ts,
		checkpointJSON, metadataJSON,
	)
	if err != nil {
		return fmt.Errorf("insert checkpoint: %w", err)
	}
	return nil
}

func (s *Saver) insertWrite(
	ctx context.Context, db execer, threadID, namespace, checkpointID, taskID string,
	idx int, taskPath string, w graph.PendingWrite,
) error {
	valueJSON, err := s.serializer.Marshal(w.Value)
	if err != nil {
		return fmt.Errorf("marshal write value: %w", err)
	}
	_, err = db.ExecContext(
		ctx, insertWriteSQL,
		threadID, namespace, checkpointID, taskID, idx,
		w.Channel, valueJSON, w.Sequence, taskPath,
	)
	if err != nil {
		return fmt.Errorf("insert write: %w", err)
	}
	return nil
}

func (s *Saver) decodeTuple(
	ctx context.Context, threadID, namespace, checkpointID string,
	checkpointJSON, metadataJSON []byte,
) (*graph.CheckpointTuple, error) {
	ckpt := &graph.Checkpoint{}
	if err := s.serializer.Unmarshal(checkpointJSON, ckpt); err != nil {
		return nil, fmt.Errorf("unmarshal checkpoint %s: %w", checkpointID, err)
	}
	metadata := &graph.CheckpointMetadata{}
	if err := s.serializer.Unmarshal(metadataJSON, metadata); err != nil {
		return nil, fmt.Errorf("unmarshal metadata %s: %w", checkpointID, err)
	}
	writes, err := s.loadWrites(ctx, threadID, namespace, checkpointID)
	if err != nil {
		return nil, err
	}
	tuple := &graph.CheckpointTuple{
		Config:        graph.CreateCheckpointConfig(threadID, checkpointID, namespace),
		Checkpoint:    ckpt,
		Metadata:      metadata,
		PendingWrites: writes,
	}
	if ckpt.ParentCheckpointID != "" {
		tuple.ParentConfig = graph.CreateCheckpointConfig(threadID, ckpt.ParentCheckpointID, namespace)
	}
	return tuple, nil
}

func (s *Saver) loadWrites(
	ctx context.Context, threadID, namespace, checkpointID string,
) ([]graph.PendingWrite, error) {
	rows, err := s.db.QueryContext(ctx, selectWritesSQL, threadID, namespace, checkpointID)
	if err != nil {
		return nil, fmt.Errorf("select writes: %w", err)
	}
	defer rows.Close()
	var writes []graph.PendingWrite
	for rows.Next() {
		var w graph.PendingWrite
		var valueJSON []byte
		if err := rows.Scan(&w.TaskID, &w.Channel, &valueJSON, &w.Sequence); err != nil {
			return nil, fmt.Errorf("scan write: %w", err)
		}
		var value any
		if err := s.serializer.Unmarshal(valueJSON, &value); err != nil {
			return nil, fmt.Errorf("unmarshal write value: %w", err)
		}
		w.Value = value
		writes = append(writes, w)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate writes: %w", err)
	}
	return writes, nil
}

func matchesMetadata(md *graph.CheckpointMetadata, want map[string]any) bool {
	if len(want) == 0 {
		return true
	}
	if md == nil {
		return false
	}
	for key, value := range want {
		switch key {
		case "source":
			if md.Source != value {
				return false
			}
		case "step":
			if step, ok := value.(int); !ok || md.Step != step {
				return false
			}
		default:
			if md.Extra == nil || md.Extra[key] != value {
				return false
			}
		}
	}
	return true
}
