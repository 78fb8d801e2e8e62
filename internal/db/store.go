package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/g960059/agtbroker/internal/model"
)

var (
	ErrDuplicate = errors.New("duplicate")
	ErrNotFound  = errors.New("not found")
)

type Store struct {
	db *sql.DB
}

func Open(ctx context.Context, path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if err := os.Chmod(path, 0o600); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("chmod db path: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) DB() *sql.DB {
	return s.db
}

const sessionColumns = `session_id, profile, status, pid, mux_name, command_json, cwd, output_tail,
	total_bytes, output_seq, input_seq, exit_code, fail_reason, parent_session_id, launcher_id,
	created_at, started_at, completed_at, updated_at`

func (s *Store) CreateSession(ctx context.Context, sess model.Session) error {
	now := time.Now().UTC()
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = now
	}
	if sess.UpdatedAt.IsZero() {
		sess.UpdatedAt = now
	}
	if sess.Status == "" {
		sess.Status = model.StatusPending
	}
	args, err := sessionArgs(sess)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO sessions(`+sessionColumns+`)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, args...)
	if isUniqueErr(err) {
		return fmt.Errorf("create session %s: %w", sess.ID, ErrDuplicate)
	}
	if err != nil {
		return fmt.Errorf("create session %s: %w", sess.ID, err)
	}
	return nil
}

func (s *Store) GetSession(ctx context.Context, id string) (model.Session, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE session_id = ?`, id)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Session{}, ErrNotFound
	}
	return sess, err
}

// UpdateSession overwrites every mutable column. Writers own disjoint
// sessions, so the last write wins.
func (s *Store) UpdateSession(ctx context.Context, sess model.Session) error {
	if sess.UpdatedAt.IsZero() {
		sess.UpdatedAt = time.Now().UTC()
	}
	command, err := marshalCommand(sess.Command)
	if err != nil {
		return err
	}
	tail, err := encodeTail(sess.OutputTail)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
UPDATE sessions SET
	profile = ?, status = ?, pid = ?, mux_name = ?, command_json = ?, cwd = ?, output_tail = ?,
	total_bytes = ?, output_seq = ?, input_seq = ?, exit_code = ?, fail_reason = ?,
	parent_session_id = ?, launcher_id = ?, started_at = ?, completed_at = ?, updated_at = ?
WHERE session_id = ?`,
		string(sess.Profile), string(sess.Status), nullableInt(sess.PID), sess.MuxName, command, sess.Cwd, tail,
		sess.TotalBytes, int64(sess.OutputSeq), int64(sess.InputSeq), nullableIntPtr(sess.ExitCode), sess.FailReason,
		nullIfEmpty(sess.ParentID), nullIfEmpty(sess.LauncherID), nullableTS(sess.StartedAt), nullableTS(sess.CompletedAt), ts(sess.UpdatedAt),
		sess.ID,
	)
	if isUniqueErr(err) {
		return fmt.Errorf("update session %s: %w", sess.ID, ErrDuplicate)
	}
	if err != nil {
		return fmt.Errorf("update session %s: %w", sess.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SaveProgress writes the periodic output projection. It never moves the
// counters backwards and never touches a terminal row.
func (s *Store) SaveProgress(ctx context.Context, p model.Progress) error {
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = time.Now().UTC()
	}
	tail, err := encodeTail(p.OutputTail)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
UPDATE sessions SET
	output_tail = ?, total_bytes = ?, output_seq = ?, input_seq = MAX(input_seq, ?), updated_at = ?
WHERE session_id = ? AND output_seq <= ? AND status IN ('pending','running')`,
		tail, p.TotalBytes, int64(p.OutputSeq), int64(p.InputSeq), ts(p.UpdatedAt),
		p.SessionID, int64(p.OutputSeq),
	)
	if err != nil {
		return fmt.Errorf("save progress %s: %w", p.SessionID, err)
	}
	return nil
}

// MarkFailed moves a non-terminal session to failed. It reports false when
// the row was already terminal.
func (s *Store) MarkFailed(ctx context.Context, id, reason string, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
UPDATE sessions SET status = 'failed', fail_reason = ?, completed_at = ?, updated_at = ?
WHERE session_id = ? AND status IN ('pending','running')`,
		reason, ts(at), ts(at), id,
	)
	if err != nil {
		return false, fmt.Errorf("mark failed %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		if _, err := s.GetSession(ctx, id); err != nil {
			return false, err
		}
	}
	return n > 0, nil
}

func (s *Store) ListSessionsByStatus(ctx context.Context, statuses ...model.Status) ([]model.Session, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	placeholders := make([]string, len(statuses))
	args := make([]any, len(statuses))
	for i, st := range statuses {
		placeholders[i] = "?"
		args[i] = string(st)
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+sessionColumns+` FROM sessions
WHERE status IN (`+strings.Join(placeholders, ",")+`)
ORDER BY session_id ASC`, args...)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	var out []model.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

// FindActiveByMuxName returns the non-terminal session bound to a
// multiplexer handle name.
func (s *Store) FindActiveByMuxName(ctx context.Context, name string) (model.Session, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions
WHERE mux_name = ? AND status IN ('pending','running')`, name)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Session{}, ErrNotFound
	}
	return sess, err
}

func sessionArgs(sess model.Session) ([]any, error) {
	command, err := marshalCommand(sess.Command)
	if err != nil {
		return nil, err
	}
	tail, err := encodeTail(sess.OutputTail)
	if err != nil {
		return nil, err
	}
	return []any{
		sess.ID, string(sess.Profile), string(sess.Status), nullableInt(sess.PID), sess.MuxName, command, sess.Cwd, tail,
		sess.TotalBytes, int64(sess.OutputSeq), int64(sess.InputSeq), nullableIntPtr(sess.ExitCode), sess.FailReason,
		nullIfEmpty(sess.ParentID), nullIfEmpty(sess.LauncherID),
		ts(sess.CreatedAt), nullableTS(sess.StartedAt), nullableTS(sess.CompletedAt), ts(sess.UpdatedAt),
	}, nil
}

func scanSession(scanner interface{ Scan(dest ...any) error }) (model.Session, error) {
	var (
		sess                                         model.Session
		profile, status, command, createdAt, updAt   string
		pid, exitCode                                sql.NullInt64
		tail                                         []byte
		outputSeq, inputSeq                          int64
		parentID, launcherID, startedAt, completedAt sql.NullString
	)
	if err := scanner.Scan(
		&sess.ID, &profile, &status, &pid, &sess.MuxName, &command, &sess.Cwd, &tail,
		&sess.TotalBytes, &outputSeq, &inputSeq, &exitCode, &sess.FailReason, &parentID, &launcherID,
		&createdAt, &startedAt, &completedAt, &updAt,
	); err != nil {
		return model.Session{}, err
	}
	sess.Profile = model.Profile(profile)
	sess.Status = model.Status(status)
	sess.OutputSeq = uint64(outputSeq)
	sess.InputSeq = uint64(inputSeq)
	sess.ParentID = parentID.String
	sess.LauncherID = launcherID.String
	if pid.Valid {
		sess.PID = int(pid.Int64)
	}
	if exitCode.Valid {
		code := int(exitCode.Int64)
		sess.ExitCode = &code
	}
	if err := json.Unmarshal([]byte(command), &sess.Command); err != nil {
		return model.Session{}, fmt.Errorf("decode command for %s: %w", sess.ID, err)
	}
	decoded, err := decodeTail(tail)
	if err != nil {
		return model.Session{}, fmt.Errorf("decode tail for %s: %w", sess.ID, err)
	}
	sess.OutputTail = decoded

	if sess.CreatedAt, err = parseTS(createdAt); err != nil {
		return model.Session{}, err
	}
	if sess.UpdatedAt, err = parseTS(updAt); err != nil {
		return model.Session{}, err
	}
	if sess.StartedAt, err = parseNullableTS(startedAt); err != nil {
		return model.Session{}, err
	}
	if sess.CompletedAt, err = parseNullableTS(completedAt); err != nil {
		return model.Session{}, err
	}
	return sess, nil
}

func marshalCommand(argv []string) (string, error) {
	if len(argv) == 0 {
		return "[]", nil
	}
	buf, err := json.Marshal(argv)
	if err != nil {
		return "", fmt.Errorf("marshal command: %w", err)
	}
	return string(buf), nil
}

func nullableInt(v int) any {
	if v == 0 {
		return nil
	}
	return int64(v)
}

func nullableIntPtr(v *int) any {
	if v == nil {
		return nil
	}
	return int64(*v)
}

func nullableTS(v *time.Time) any {
	if v == nil {
		return nil
	}
	return ts(*v)
}

func nullIfEmpty(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func parseNullableTS(v sql.NullString) (*time.Time, error) {
	if !v.Valid || v.String == "" {
		return nil, nil
	}
	t, err := parseTS(v.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func ts(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTS(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

func isUniqueErr(err error) bool {
	if err == nil {
		return false
	}
	return containsAny(err.Error(),
		"UNIQUE constraint failed",
		"constraint failed: UNIQUE",
	)
}

func containsAny(s string, patterns ...string) bool {
	for _, p := range patterns {
		if p != "" && strings.Contains(s, p) {
			return true
		}
	}
	return false
}
