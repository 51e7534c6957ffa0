// Package journal is the SQLite-backed object table and event log behind the
// storesync server. Every write appends an event that clients replay through
// their dispatcher.
package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/establishment/storesync/internal/dispatch"
	"github.com/establishment/storesync/internal/domain"
	"github.com/establishment/storesync/internal/store"

	_ "modernc.org/sqlite"
)

// Limits for event queries
const (
	MaxLimit     = 1000
	DefaultLimit = 100
)

var (
	ErrNotFound    = errors.New("object not found")
	ErrConflict    = errors.New("object id already exists")
	ErrUnknownKind = errors.New("unknown event kind")
)

// Entry is an event together with its position in the journal.
type Entry struct {
	Seq   int64       `json:"seq"`
	Event store.Event `json:"event"`
}

type Stats struct {
	Objects map[string]int `json:"objects"`
	Events  int64          `json:"events"`
	Cursor  int64          `json:"cursor"`
	// LastEventAt is zero when the journal is empty.
	LastEventAt time.Time `json:"lastEventAt,omitempty"`
}

type Options struct {
	// Reducers apply domain event kinds to stored objects.
	Reducers map[string]map[store.Kind]domain.Reducer
	// StreamOf picks the stream an object's events are published on.
	// Defaults to domain.StreamFor.
	StreamOf func(objectType string, fields store.Fields) string
	// CorrelationField is echoed on create events and never stored.
	CorrelationField string
	Logger           *slog.Logger
}

type Journal struct {
	db       *sql.DB
	reducers map[string]map[store.Kind]domain.Reducer
	streamOf func(objectType string, fields store.Fields) string
	field    string
	logger   *slog.Logger

	// serializes writers so ids and sequence numbers are handed out in order
	mu sync.Mutex
}

// Open opens (or creates) the journal database at path.
func Open(path string, opts Options) (*Journal, error) {
	memory := path == ":memory:"
	if !memory {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
	}

	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if memory {
		// every connection to :memory: is a separate database
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(4)
		db.SetMaxIdleConns(2)
	}

	j := &Journal{
		db:       db,
		reducers: opts.Reducers,
		streamOf: opts.StreamOf,
		field:    opts.CorrelationField,
		logger:   opts.Logger,
	}
	if j.streamOf == nil {
		j.streamOf = domain.StreamFor
	}
	if j.field == "" {
		j.field = store.DefaultCorrelationField
	}
	if j.logger == nil {
		j.logger = slog.Default()
	}
	j.logger = j.logger.With("component", "journal")

	if err := j.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return j, nil
}

func (j *Journal) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS objects (
		object_type TEXT NOT NULL,
		object_id INTEGER NOT NULL,
		data TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		PRIMARY KEY (object_type, object_id)
	);

	CREATE TABLE IF NOT EXISTS events (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		event_id TEXT NOT NULL UNIQUE,
		stream TEXT NOT NULL DEFAULT '',
		type TEXT NOT NULL,
		object_type TEXT NOT NULL,
		object_id INTEGER NOT NULL,
		data TEXT,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_events_stream ON events(stream, seq);

	CREATE TABLE IF NOT EXISTS counters (
		object_type TEXT PRIMARY KEY,
		last_id INTEGER NOT NULL
	);
	`
	_, err := j.db.Exec(schema)
	return err
}

func (j *Journal) Close() error {
	return j.db.Close()
}

func (j *Journal) write(ctx context.Context, fn func(tx *sql.Tx) error) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return retryOp(defaultRetryConfig, func() error {
		tx, err := j.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		if err := fn(tx); err != nil {
			_ = tx.Rollback()
			return err
		}
		return tx.Commit()
	})
}

func now() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

func intID(id store.ID) (int64, error) {
	n, err := strconv.ParseInt(string(id), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: id %q is not an integer", store.ErrMalformedEvent, id)
	}
	return n, nil
}

func merge(dst, src store.Fields) {
	for k, v := range src {
		dst[k] = v
	}
}

func (j *Journal) assignID(ctx context.Context, tx *sql.Tx, objectType string, raw any) (int64, error) {
	if raw == nil {
		var id int64
		err := tx.QueryRowContext(ctx, `INSERT INTO counters (object_type, last_id) VALUES (?, 1)
			ON CONFLICT(object_type) DO UPDATE SET last_id = last_id + 1
			RETURNING last_id`, objectType).Scan(&id)
		if err != nil {
			return 0, fmt.Errorf("failed to allocate id: %w", err)
		}
		return id, nil
	}

	parsed, err := store.ParseID(raw)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", store.ErrMalformedEvent, err)
	}
	id, err := intID(parsed)
	if err != nil {
		return 0, err
	}
	var exists int
	err = tx.QueryRowContext(ctx, "SELECT 1 FROM objects WHERE object_type = ? AND object_id = ?", objectType, id).Scan(&exists)
	if err == nil {
		return 0, fmt.Errorf("%s %d: %w", objectType, id, ErrConflict)
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO counters (object_type, last_id) VALUES (?, ?)
		ON CONFLICT(object_type) DO UPDATE SET last_id = MAX(last_id, excluded.last_id)`, objectType, id)
	if err != nil {
		return 0, fmt.Errorf("failed to bump id counter: %w", err)
	}
	return id, nil
}

func (j *Journal) load(ctx context.Context, tx *sql.Tx, objectType string, id int64) (store.Fields, error) {
	var data string
	err := tx.QueryRowContext(ctx, "SELECT data FROM objects WHERE object_type = ? AND object_id = ?", objectType, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s %d: %w", objectType, id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	var fields store.Fields
	if err := json.Unmarshal([]byte(data), &fields); err != nil {
		return nil, fmt.Errorf("corrupt object %s %d: %w", objectType, id, err)
	}
	return fields, nil
}

func (j *Journal) save(ctx context.Context, tx *sql.Tx, objectType string, id int64, fields store.Fields) error {
	data, err := json.Marshal(fields)
	if err != nil {
		return fmt.Errorf("failed to encode object: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO objects (object_type, object_id, data, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(object_type, object_id) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at`,
		objectType, id, string(data), now())
	return err
}

func (j *Journal) appendEvent(ctx context.Context, tx *sql.Tx, ev *store.Event, id int64) (int64, error) {
	ev.EventID = ulid.Make().String()
	var data any
	if ev.Data != nil {
		b, err := json.Marshal(ev.Data)
		if err != nil {
			return 0, fmt.Errorf("failed to encode event data: %w", err)
		}
		data = string(b)
	}
	res, err := tx.ExecContext(ctx,
		"INSERT INTO events (event_id, stream, type, object_type, object_id, data, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)",
		ev.EventID, ev.Stream, string(ev.Type), ev.ObjectType, id, data, now())
	if err != nil {
		return 0, fmt.Errorf("failed to append event: %w", err)
	}
	return res.LastInsertId()
}

// CreateObject stores a new object and journals its create event. The id is
// allocated unless fields carry one. A correlation field in fields is echoed
// on the event but not stored.
func (j *Journal) CreateObject(ctx context.Context, objectType string, fields store.Fields) (Entry, error) {
	if objectType == "" {
		return Entry{}, fmt.Errorf("%w: missing objectType", store.ErrMalformedEvent)
	}
	data := fields.Clone()
	correlation, hasCorrelation := data[j.field]
	delete(data, j.field)

	var entry Entry
	err := j.write(ctx, func(tx *sql.Tx) error {
		stored := data.Clone()
		id, err := j.assignID(ctx, tx, objectType, stored["id"])
		if err != nil {
			return err
		}
		stored["id"] = id
		if err := j.save(ctx, tx, objectType, id, stored); err != nil {
			return err
		}

		evData := stored.Clone()
		if hasCorrelation {
			evData[j.field] = correlation
		}
		ev := store.Event{
			Type:       store.KindCreate,
			ObjectType: objectType,
			ObjectID:   store.IntID(id),
			Data:       evData,
			Stream:     j.streamOf(objectType, stored),
		}
		seq, err := j.appendEvent(ctx, tx, &ev, id)
		if err != nil {
			return err
		}
		entry = Entry{Seq: seq, Event: ev}
		return nil
	})
	if err != nil {
		return Entry{}, fmt.Errorf("failed to create %s: %w", objectType, err)
	}
	j.logger.Debug("object created", "objectType", objectType, "objectId", entry.Event.ObjectID, "seq", entry.Seq)
	return entry, nil
}

// UpdateObject merges fields into an existing object.
func (j *Journal) UpdateObject(ctx context.Context, objectType string, id store.ID, fields store.Fields) (Entry, error) {
	n, err := intID(id)
	if err != nil {
		return Entry{}, err
	}
	partial := fields.Clone()
	delete(partial, "id")
	delete(partial, j.field)

	var entry Entry
	err = j.write(ctx, func(tx *sql.Tx) error {
		current, err := j.load(ctx, tx, objectType, n)
		if err != nil {
			return err
		}
		merge(current, partial)
		if err := j.save(ctx, tx, objectType, n, current); err != nil {
			return err
		}
		ev := store.Event{
			Type:       store.KindUpdate,
			ObjectType: objectType,
			ObjectID:   id,
			Data:       partial,
			Stream:     j.streamOf(objectType, current),
		}
		seq, err := j.appendEvent(ctx, tx, &ev, n)
		if err != nil {
			return err
		}
		entry = Entry{Seq: seq, Event: ev}
		return nil
	})
	if err != nil {
		return Entry{}, fmt.Errorf("failed to update %s %s: %w", objectType, id, err)
	}
	return entry, nil
}

func (j *Journal) DeleteObject(ctx context.Context, objectType string, id store.ID) (Entry, error) {
	n, err := intID(id)
	if err != nil {
		return Entry{}, err
	}
	var entry Entry
	err = j.write(ctx, func(tx *sql.Tx) error {
		current, err := j.load(ctx, tx, objectType, n)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, "DELETE FROM objects WHERE object_type = ? AND object_id = ?", objectType, n); err != nil {
			return err
		}
		ev := store.Event{
			Type:       store.KindDelete,
			ObjectType: objectType,
			ObjectID:   id,
			Stream:     j.streamOf(objectType, current),
		}
		seq, err := j.appendEvent(ctx, tx, &ev, n)
		if err != nil {
			return err
		}
		entry = Entry{Seq: seq, Event: ev}
		return nil
	})
	if err != nil {
		return Entry{}, fmt.Errorf("failed to delete %s %s: %w", objectType, id, err)
	}
	return entry, nil
}

// ApplyKind runs the reducer for a domain event kind against an object. The
// journaled event carries the original data so clients can reduce it too.
func (j *Journal) ApplyKind(ctx context.Context, objectType string, id store.ID, kind store.Kind, data store.Fields) (Entry, error) {
	switch kind {
	case store.KindCreate, store.KindUpdate, store.KindDelete, store.KindIDChange:
		return Entry{}, fmt.Errorf("%w: %s is not a domain kind", store.ErrMalformedEvent, kind)
	}
	reduce, ok := j.reducers[objectType][kind]
	if !ok {
		return Entry{}, fmt.Errorf("%s %s: %w", objectType, kind, ErrUnknownKind)
	}
	n, err := intID(id)
	if err != nil {
		return Entry{}, err
	}

	var entry Entry
	err = j.write(ctx, func(tx *sql.Tx) error {
		current, err := j.load(ctx, tx, objectType, n)
		if err != nil {
			return err
		}
		out, err := reduce(current.Clone(), data)
		if err != nil {
			return err
		}
		merge(current, out)
		if err := j.save(ctx, tx, objectType, n, current); err != nil {
			return err
		}
		ev := store.Event{
			Type:       kind,
			ObjectType: objectType,
			ObjectID:   id,
			Data:       data,
			Stream:     j.streamOf(objectType, current),
		}
		seq, err := j.appendEvent(ctx, tx, &ev, n)
		if err != nil {
			return err
		}
		entry = Entry{Seq: seq, Event: ev}
		return nil
	})
	if err != nil {
		return Entry{}, fmt.Errorf("failed to apply %s to %s %s: %w", kind, objectType, id, err)
	}
	return entry, nil
}

// Append journals a raw event by routing it to the matching write.
func (j *Journal) Append(ctx context.Context, ev store.Event) (Entry, error) {
	if err := ev.Validate(); err != nil {
		return Entry{}, err
	}
	switch ev.Type {
	case store.KindCreate:
		data := ev.Data.Clone()
		if ev.ObjectID != "" {
			data["id"] = ev.ObjectID
		}
		return j.CreateObject(ctx, ev.ObjectType, data)
	case store.KindUpdate:
		return j.UpdateObject(ctx, ev.ObjectType, ev.ObjectID, ev.Data)
	case store.KindDelete:
		return j.DeleteObject(ctx, ev.ObjectType, ev.ObjectID)
	default:
		return j.ApplyKind(ctx, ev.ObjectType, ev.ObjectID, ev.Type, ev.Data)
	}
}

// Import stores a bulk state without journaling events. Objects that already
// exist are overwritten.
func (j *Journal) Import(ctx context.Context, state dispatch.State) (int, error) {
	count := 0
	err := j.write(ctx, func(tx *sql.Tx) error {
		count = 0
		for objectType, objects := range state {
			for _, fields := range objects {
				id, err := fields.ID()
				if err != nil {
					return fmt.Errorf("%s: %w", objectType, err)
				}
				n, err := intID(id)
				if err != nil {
					return err
				}
				if err := j.save(ctx, tx, objectType, n, fields); err != nil {
					return err
				}
				_, err = tx.ExecContext(ctx, `INSERT INTO counters (object_type, last_id) VALUES (?, ?)
					ON CONFLICT(object_type) DO UPDATE SET last_id = MAX(last_id, excluded.last_id)`, objectType, n)
				if err != nil {
					return err
				}
				count++
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to import state: %w", err)
	}
	return count, nil
}

func scanObjects(rows *sql.Rows, state dispatch.State) error {
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var objectType, data string
		if err := rows.Scan(&objectType, &data); err != nil {
			return err
		}
		var fields store.Fields
		if err := json.Unmarshal([]byte(data), &fields); err != nil {
			return fmt.Errorf("corrupt object in %s: %w", objectType, err)
		}
		state[objectType] = append(state[objectType], fields)
	}
	return rows.Err()
}

// State returns every stored object of the given types, or of all types when
// none are named. Each named type appears even when it has no objects.
func (j *Journal) State(ctx context.Context, types ...string) (dispatch.State, error) {
	query := "SELECT object_type, data FROM objects"
	var args []any
	if len(types) > 0 {
		query += " WHERE object_type IN (?" + strings.Repeat(", ?", len(types)-1) + ")"
		for _, t := range types {
			args = append(args, t)
		}
	}
	query += " ORDER BY object_type, object_id"

	rows, err := j.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query state: %w", err)
	}
	state := dispatch.State{}
	for _, t := range types {
		state[t] = []store.Fields{}
	}
	if err := scanObjects(rows, state); err != nil {
		return nil, err
	}
	return state, nil
}

// Objects returns the stored objects of one type with the given ids. Unknown
// and non-integer ids are left out.
func (j *Journal) Objects(ctx context.Context, objectType string, ids []store.ID) ([]store.Fields, error) {
	var args []any
	args = append(args, objectType)
	for _, id := range ids {
		if n, err := intID(id); err == nil {
			args = append(args, n)
		}
	}
	if len(args) == 1 {
		return []store.Fields{}, nil
	}
	query := "SELECT object_type, data FROM objects WHERE object_type = ? AND object_id IN (?" +
		strings.Repeat(", ?", len(args)-2) + ") ORDER BY object_id"
	rows, err := j.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query objects: %w", err)
	}
	state := dispatch.State{}
	if err := scanObjects(rows, state); err != nil {
		return nil, err
	}
	if state[objectType] == nil {
		return []store.Fields{}, nil
	}
	return state[objectType], nil
}

// EventsSince returns up to limit events after seq, optionally restricted to
// one stream.
func (j *Journal) EventsSince(ctx context.Context, seq int64, stream string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = DefaultLimit
	} else if limit > MaxLimit {
		limit = MaxLimit
	}
	query := "SELECT seq, event_id, stream, type, object_type, object_id, data FROM events WHERE seq > ?"
	args := []any{seq}
	if stream != "" {
		query += " AND stream = ?"
		args = append(args, stream)
	}
	query += fmt.Sprintf(" ORDER BY seq LIMIT %d", limit)

	rows, err := j.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var kind string
		var objectID int64
		var data sql.NullString
		if err := rows.Scan(&e.Seq, &e.Event.EventID, &e.Event.Stream, &kind, &e.Event.ObjectType, &objectID, &data); err != nil {
			return nil, err
		}
		e.Event.Type = store.Kind(kind)
		e.Event.ObjectID = store.IntID(objectID)
		if data.Valid {
			if err := json.Unmarshal([]byte(data.String), &e.Event.Data); err != nil {
				return nil, fmt.Errorf("corrupt event %d: %w", e.Seq, err)
			}
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Cursor returns the sequence number of the last journaled event.
func (j *Journal) Cursor(ctx context.Context) (int64, error) {
	var seq int64
	err := j.db.QueryRowContext(ctx, "SELECT COALESCE(MAX(seq), 0) FROM events").Scan(&seq)
	return seq, err
}

func (j *Journal) Stats(ctx context.Context) (*Stats, error) {
	stats := &Stats{Objects: map[string]int{}}
	rows, err := j.db.QueryContext(ctx, "SELECT object_type, COUNT(*) FROM objects GROUP BY object_type")
	if err != nil {
		return nil, fmt.Errorf("failed to count objects: %w", err)
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var objectType string
		var n int
		if err := rows.Scan(&objectType, &n); err != nil {
			return nil, err
		}
		stats.Objects[objectType] = n
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	err = j.db.QueryRowContext(ctx, "SELECT COUNT(*), COALESCE(MAX(seq), 0) FROM events").Scan(&stats.Events, &stats.Cursor)
	if err != nil {
		return nil, fmt.Errorf("failed to count events: %w", err)
	}
	if stats.Cursor > 0 {
		var createdAt string
		err := j.db.QueryRowContext(ctx, "SELECT created_at FROM events WHERE seq = ?", stats.Cursor).Scan(&createdAt)
		if err != nil {
			return nil, fmt.Errorf("failed to read last event: %w", err)
		}
		if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
			stats.LastEventAt = t
		}
	}
	return stats, nil
}
