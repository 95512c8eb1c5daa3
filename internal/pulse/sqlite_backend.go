package pulse

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
)

const sqliteOperationTimeout = 5 * time.Second

// SQLiteStateBackend keeps one row per record so that a group can be
// queried without decoding the whole document.
type SQLiteStateBackend struct {
	path string
	db   *sql.DB
}

// openSQLite is a package-level var to allow test injection.
var openSQLite = sql.Open

func NewSQLiteStateBackend(path string) (*SQLiteStateBackend, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("sqlite state: create dir: %w", err)
		}
	}
	db, err := openSQLite("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sqlite state: open: %w", err)
	}
	// A single connection keeps the pragmas below in effect for every query.
	db.SetMaxOpenConns(1)
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("sqlite state: %s: %w", p, err)
		}
	}
	b := &SQLiteStateBackend{path: path, db: db}
	if err := b.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return b, nil
}

func (b *SQLiteStateBackend) migrate() error {
	schema := `
		CREATE TABLE IF NOT EXISTS pulse_groups (
			group_id TEXT PRIMARY KEY,
			saved_at TEXT NOT NULL
		);
		CREATE TABLE IF NOT EXISTS pulse_records (
			group_id   TEXT NOT NULL,
			kind       TEXT NOT NULL,
			local_id   TEXT NOT NULL,
			server_id  TEXT,
			position   INTEGER NOT NULL,
			created_at TEXT NOT NULL,
			body       TEXT NOT NULL,
			PRIMARY KEY (group_id, kind, local_id)
		);
		CREATE UNIQUE INDEX IF NOT EXISTS pulse_records_server
			ON pulse_records (group_id, kind, server_id) WHERE server_id IS NOT NULL;
		CREATE TABLE IF NOT EXISTS pulse_cursors (
			group_id TEXT NOT NULL,
			kind     TEXT NOT NULL,
			cursor   TEXT NOT NULL,
			PRIMARY KEY (group_id, kind)
		);`
	if _, err := b.db.Exec(schema); err != nil {
		return fmt.Errorf("sqlite state: migrate: %w", err)
	}
	return nil
}

func (b *SQLiteStateBackend) Load(groupID string) (*GroupState, error) {
	if b == nil {
		return nil, nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), sqliteOperationTimeout)
	defer cancel()

	var savedAt string
	err := b.db.QueryRowContext(ctx, "SELECT saved_at FROM pulse_groups WHERE group_id = ?", groupID).Scan(&savedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	state := &GroupState{GroupID: groupID, Cursors: map[Kind]string{}}
	state.SavedAt, _ = time.Parse(time.RFC3339Nano, savedAt)

	rows, err := b.db.QueryContext(ctx,
		"SELECT kind, body FROM pulse_records WHERE group_id = ? ORDER BY kind, position", groupID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var kind, body string
		if err := rows.Scan(&kind, &body); err != nil {
			return nil, err
		}
		if err := appendRecordJSON(&state.Records, Kind(kind), []byte(body)); err != nil {
			return nil, err
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	cursorRows, err := b.db.QueryContext(ctx, "SELECT kind, cursor FROM pulse_cursors WHERE group_id = ?", groupID)
	if err != nil {
		return nil, err
	}
	defer cursorRows.Close()
	for cursorRows.Next() {
		var kind, cursor string
		if err := cursorRows.Scan(&kind, &cursor); err != nil {
			return nil, err
		}
		state.Cursors[Kind(kind)] = cursor
	}
	return state, cursorRows.Err()
}

func (b *SQLiteStateBackend) Save(state *GroupState) error {
	if b == nil || state == nil {
		return nil
	}
	if strings.TrimSpace(state.GroupID) == "" {
		return fmt.Errorf("%w: group id is required", ErrInvalidInput)
	}
	ctx, cancel := context.WithTimeout(context.Background(), sqliteOperationTimeout)
	defer cancel()

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, "DELETE FROM pulse_records WHERE group_id = ?", state.GroupID); err != nil {
		return err
	}
	insert, err := tx.PrepareContext(ctx, `
		INSERT INTO pulse_records (group_id, kind, local_id, server_id, position, created_at, body)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer insert.Close()
	for _, kind := range AllKinds {
		for pos, rec := range state.Records.Records(kind) {
			body, err := json.Marshal(rec)
			if err != nil {
				return err
			}
			meta := rec.Meta()
			var serverID any
			if meta.ServerID != "" {
				serverID = meta.ServerID
			}
			if _, err := insert.ExecContext(ctx, state.GroupID, string(kind), meta.LocalID, serverID, pos,
				meta.CreatedAt.UTC().Format(time.RFC3339Nano), string(body)); err != nil {
				return fmt.Errorf("sqlite state: insert %s %s: %w", kind, meta.LocalID, err)
			}
		}
	}
	for kind, cursor := range state.Cursors {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO pulse_cursors (group_id, kind, cursor) VALUES (?, ?, ?)
			ON CONFLICT (group_id, kind) DO UPDATE SET cursor = excluded.cursor`,
			state.GroupID, string(kind), cursor); err != nil {
			return err
		}
	}
	savedAt := state.SavedAt
	if savedAt.IsZero() {
		savedAt = time.Now()
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO pulse_groups (group_id, saved_at) VALUES (?, ?)
		ON CONFLICT (group_id) DO UPDATE SET saved_at = excluded.saved_at`,
		state.GroupID, savedAt.UTC().Format(time.RFC3339Nano)); err != nil {
		return err
	}
	return tx.Commit()
}

// CountPending returns how many records of the group still lack a server id.
func (b *SQLiteStateBackend) CountPending(groupID string) (int, error) {
	ctx, cancel := context.WithTimeout(context.Background(), sqliteOperationTimeout)
	defer cancel()
	var n int
	err := b.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM pulse_records WHERE group_id = ? AND server_id IS NULL", groupID).Scan(&n)
	return n, err
}

func (b *SQLiteStateBackend) Close() error {
	if b == nil || b.db == nil {
		return nil
	}
	return b.db.Close()
}

func appendRecordJSON(c *Collections, kind Kind, body []byte) error {
	var err error
	switch kind {
	case KindStatus:
		var v Status
		if err = json.Unmarshal(body, &v); err == nil {
			c.Statuses = append(c.Statuses, v)
		}
	case KindTask:
		var v Task
		if err = json.Unmarshal(body, &v); err == nil {
			c.Tasks = append(c.Tasks, v)
		}
	case KindNote:
		var v Note
		if err = json.Unmarshal(body, &v); err == nil {
			c.Notes = append(c.Notes, v)
		}
	case KindVoice:
		var v VoiceMessage
		if err = json.Unmarshal(body, &v); err == nil {
			c.VoiceMessages = append(c.VoiceMessages, v)
		}
	default:
		return fmt.Errorf("%w: unknown record kind %q", ErrInvalidInput, kind)
	}
	if err != nil {
		return fmt.Errorf("decode %s record: %w", kind, err)
	}
	return nil
}
