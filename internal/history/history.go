// Package history journals execute turns and their notification trails to
// SQLite. Every execute, whether it arrived over the CLI, the API, or as
// passthrough input, gets an executions row at dispatch and a terminal
// update when it resolves; stream, log, complete, and error notifications
// land in execution_events with a per-execution sequence number.
package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
)

// maxPayloadBytes caps stored event payloads and responses so one chatty
// plugin cannot balloon the journal.
const maxPayloadBytes = 64 * 1024

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

type Store struct {
	db *sql.DB
}

func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Begin journals the start of an execute turn and returns its execution id.
func (s *Store) Begin(ctx context.Context, req BeginRequest) (string, error) {
	if req.Plugin == "" {
		return "", fmt.Errorf("plugin is empty")
	}
	if req.Function == "" {
		return "", fmt.Errorf("function is empty")
	}

	id := uuid.NewString()
	now := time.Now().UTC().Format(time.RFC3339Nano)

	var arguments any
	if len(req.Arguments) > 0 {
		arguments = string(req.Arguments)
	}

	_, err := s.db.ExecContext(ctx, `
INSERT INTO executions(id, plugin, function, arguments, status, started_at)
VALUES(?, ?, ?, ?, ?, ?);
`, id, req.Plugin, req.Function, arguments, StatusRunning, now)
	if err != nil {
		return "", fmt.Errorf("begin execution: %w", err)
	}
	return id, nil
}

// AppendEvent records one notification under the execution, assigning the
// next sequence number. Sequence numbers start at 1 and follow arrival order.
func (s *Store) AppendEvent(ctx context.Context, executionID string, kind EventKind, payload string) error {
	if executionID == "" {
		return fmt.Errorf("executionID is empty")
	}
	if kind != EventStream && kind != EventLog && kind != EventComplete && kind != EventError {
		return fmt.Errorf("invalid event kind: %q", kind)
	}
	if len(payload) > maxPayloadBytes {
		payload = payload[:maxPayloadBytes]
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var one int
	if err := tx.QueryRowContext(ctx, `SELECT 1 FROM executions WHERE id = ?;`, executionID).Scan(&one); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrExecutionNotFound
		}
		return fmt.Errorf("load execution for event: %w", err)
	}

	// Aggregating over zero rows still yields one row, so the first event of
	// an execution gets seq 1 without a special case.
	_, err = tx.ExecContext(ctx, `
INSERT INTO execution_events(execution_id, seq, kind, payload, at)
SELECT ?, COALESCE(MAX(seq), 0) + 1, ?, ?, ?
FROM execution_events
WHERE execution_id = ?;
`, executionID, kind, payload, now, executionID)
	if err != nil {
		return fmt.Errorf("insert execution event: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// Finish marks an execution terminal. The duration is derived from the
// journaled start time. Finishing an already-finished execution overwrites
// the outcome; callers are expected to finish each execution exactly once.
func (s *Store) Finish(ctx context.Context, executionID string, req FinishRequest) error {
	if executionID == "" {
		return fmt.Errorf("executionID is empty")
	}
	if req.Status != StatusOK && req.Status != StatusError && req.Status != StatusTimeout {
		return fmt.Errorf("invalid terminal status: %q", req.Status)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var startedAtS string
	if err := tx.QueryRowContext(ctx, `SELECT started_at FROM executions WHERE id = ?;`, executionID).Scan(&startedAtS); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrExecutionNotFound
		}
		return fmt.Errorf("load execution for finish: %w", err)
	}

	finished := time.Now().UTC()
	finishedS := finished.Format(time.RFC3339Nano)

	var durationMS int64
	if started, err := time.Parse(time.RFC3339Nano, startedAtS); err == nil {
		durationMS = finished.Sub(started).Milliseconds()
	}

	response := req.Response
	if response != nil && len(*response) > maxPayloadBytes {
		trimmed := (*response)[:maxPayloadBytes]
		response = &trimmed
	}

	keep := 0
	if req.KeepSession {
		keep = 1
	}

	_, err = tx.ExecContext(ctx, `
UPDATE executions
SET status = ?, response = ?, error = ?, keep_session = ?, finished_at = ?, duration_ms = ?
WHERE id = ?;
`, req.Status, response, req.Error, keep, finishedS, durationMS, executionID)
	if err != nil {
		return fmt.Errorf("update execution completion: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// List returns executions newest first. Events are not loaded; use Get for
// the full trail.
func (s *Store) List(ctx context.Context, f Filter) ([]Execution, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}

	var (
		where []string
		args  []any
	)
	if f.Plugin != "" {
		where = append(where, "plugin = ?")
		args = append(args, f.Plugin)
	}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, f.Status)
	}

	query := `
SELECT id, plugin, function, arguments, status, response, error, keep_session,
       started_at, finished_at, duration_ms
FROM executions
`
	if len(where) > 0 {
		query += "WHERE " + strings.Join(where, " AND ") + "\n"
	}
	query += "ORDER BY started_at DESC, rowid DESC\nLIMIT ?;"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list executions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Execution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("scan execution: %w", err)
		}
		out = append(out, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list executions: %w", err)
	}
	return out, nil
}

// Get returns one execution with its ordered event trail.
func (s *Store) Get(ctx context.Context, executionID string) (*Record, error) {
	if executionID == "" {
		return nil, fmt.Errorf("executionID is empty")
	}

	row := s.db.QueryRowContext(ctx, `
SELECT id, plugin, function, arguments, status, response, error, keep_session,
       started_at, finished_at, duration_ms
FROM executions
WHERE id = ?;
`, executionID)

	e, err := scanExecution(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrExecutionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load execution: %w", err)
	}

	events, err := s.Events(ctx, executionID)
	if err != nil {
		return nil, err
	}
	return &Record{Execution: *e, Events: events}, nil
}

// Events returns the execution's event trail in sequence order.
func (s *Store) Events(ctx context.Context, executionID string) ([]Event, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT execution_id, seq, kind, payload, at
FROM execution_events
WHERE execution_id = ?
ORDER BY seq ASC;
`, executionID)
	if err != nil {
		return nil, fmt.Errorf("load execution events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Event
	for rows.Next() {
		var (
			ev      Event
			kindS   string
			payload sql.NullString
			atS     string
		)
		if err := rows.Scan(&ev.ExecutionID, &ev.Seq, &kindS, &payload, &atS); err != nil {
			return nil, fmt.Errorf("scan execution event: %w", err)
		}
		ev.Kind = EventKind(kindS)
		if payload.Valid {
			ev.Payload = payload.String
		}
		if t, err := time.Parse(time.RFC3339Nano, atS); err == nil {
			ev.At = t
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("load execution events: %w", err)
	}
	return out, nil
}

// Export writes the filtered executions, each with its event trail, to w as
// indented JSON.
func (s *Store) Export(ctx context.Context, w io.Writer, f Filter) error {
	execs, err := s.List(ctx, f)
	if err != nil {
		return err
	}

	records := make([]Record, 0, len(execs))
	for _, e := range execs {
		events, err := s.Events(ctx, e.ID)
		if err != nil {
			return err
		}
		records = append(records, Record{Execution: e, Events: events})
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(records); err != nil {
		return fmt.Errorf("export executions: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanExecution(row rowScanner) (*Execution, error) {
	var (
		e          Execution
		arguments  sql.NullString
		statusS    string
		response   sql.NullString
		errMsg     sql.NullString
		keep       int
		startedAtS string
		finishedS  sql.NullString
		durationMS sql.NullInt64
	)
	if err := row.Scan(
		&e.ID, &e.Plugin, &e.Function, &arguments, &statusS, &response, &errMsg, &keep,
		&startedAtS, &finishedS, &durationMS,
	); err != nil {
		return nil, err
	}
	e.Status = Status(statusS)
	if arguments.Valid {
		e.Arguments = []byte(arguments.String)
	}
	if response.Valid {
		e.Response = &response.String
	}
	if errMsg.Valid {
		e.Error = &errMsg.String
	}
	e.KeepSession = keep != 0
	if t, err := time.Parse(time.RFC3339Nano, startedAtS); err == nil {
		e.StartedAt = t
	}
	if finishedS.Valid {
		if t, err := time.Parse(time.RFC3339Nano, finishedS.String); err == nil {
			e.FinishedAt = &t
		}
	}
	if durationMS.Valid {
		d := durationMS.Int64
		e.DurationMS = &d
	}
	return &e, nil
}
