package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/rendis/deriva/internal/streaming"
	"github.com/rendis/deriva/pkg/schema"
)

// LibSQLStore implements the Store interface using libSQL (embedded SQLite fork).
// Writes are published to a streaming.Hub, which backs Subscribe.
type LibSQLStore struct {
	db  *sql.DB
	hub streaming.Hub
}

// NewLibSQLStore opens a libSQL database at the given path and returns a Store.
// The path should be a file URI, e.g. "file:/path/to/db.db". A nil hub gets a
// private MemoryHub.
func NewLibSQLStore(dbPath string, hub streaming.Hub) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA cache_size=-20000",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	if hub == nil {
		hub = streaming.NewMemoryHub()
	}
	return &LibSQLStore{db: db, hub: hub}, nil
}

// DB returns the underlying *sql.DB for advanced usage.
func (s *LibSQLStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// --- States ---

func (s *LibSQLStore) GetState(ctx context.Context, id string) (*schema.State, error) {
	var (
		val sql.NullString
		ts  int64
		ack bool
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT val, ts, ack FROM states WHERE id = ?`, id,
	).Scan(&val, &ts, &ack)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "read state %q", id).WithCause(err)
	}
	v, err := decodeValue(val.String)
	if err != nil {
		return nil, err
	}
	return &schema.State{Val: v, Ts: time.UnixMilli(ts).UTC(), Ack: ack}, nil
}

func (s *LibSQLStore) SetState(ctx context.Context, id string, st schema.State) error {
	val, err := encodeValue(st.Val)
	if err != nil {
		return err
	}
	st.Ts = timeOrNow(st.Ts)
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO states (id, val, ts, ack, updated_at) VALUES (?, ?, ?, ?, CURRENT_TIMESTAMP)
		 ON CONFLICT(id) DO UPDATE SET val=excluded.val, ts=excluded.ts, ack=excluded.ack, updated_at=CURRENT_TIMESTAMP`,
		id, string(val), st.Ts.UnixMilli(), st.Ack,
	)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "write state %q", id).WithCause(err)
	}
	return s.hub.Publish(ctx, schema.StateChange{ID: id, State: st})
}

func (s *LibSQLStore) Subscribe(ctx context.Context, ids []string) (<-chan schema.StateChange, func(), error) {
	return s.hub.Subscribe(ctx, streaming.ChangeFilter{IDs: ids})
}

// --- Objects ---

func (s *LibSQLStore) GetObject(ctx context.Context, id string) (*schema.ObjectSpec, error) {
	obj := &schema.ObjectSpec{ID: id}
	var (
		typ                        string
		dataType, role, unit, mode sql.NullString
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT type, name, data_type, role, unit, mode FROM objects WHERE id = ?`, id,
	).Scan(&typ, &obj.Name, &dataType, &role, &unit, &mode)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("object", id)
	}
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "read object %q", id).WithCause(err)
	}
	obj.Type = schema.ObjectType(typ)
	obj.DataType = schema.OutputType(dataType.String)
	obj.Role = role.String
	obj.Unit = unit.String
	obj.Mode = schema.Mode(mode.String)
	return obj, nil
}

// EnsureObject creates channels only when absent and upserts state objects,
// so renamed or retyped items update their metadata in place.
func (s *LibSQLStore) EnsureObject(ctx context.Context, spec schema.ObjectSpec) error {
	if err := validObject(spec); err != nil {
		return err
	}
	var query string
	if spec.Type == schema.ObjectChannel {
		query = `INSERT INTO objects (id, type, name, data_type, role, unit, mode) VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO NOTHING`
	} else {
		query = `INSERT INTO objects (id, type, name, data_type, role, unit, mode) VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET type=excluded.type, name=excluded.name, data_type=excluded.data_type,
		   role=excluded.role, unit=excluded.unit, mode=excluded.mode, updated_at=CURRENT_TIMESTAMP`
	}
	_, err := s.db.ExecContext(ctx, query,
		spec.ID, string(spec.Type), spec.Name, nullStr(string(spec.DataType)),
		nullStr(spec.Role), nullStr(spec.Unit), nullStr(string(spec.Mode)),
	)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "ensure object %q", spec.ID).WithCause(err)
	}
	return nil
}

// ListObjects returns objects whose id starts with prefix, ordered by id.
func (s *LibSQLStore) ListObjects(ctx context.Context, prefix string) ([]*schema.ObjectSpec, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM objects WHERE substr(id, 1, ?) = ? ORDER BY id`, len(prefix), prefix,
	)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeStore, "list objects").WithCause(err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	out := make([]*schema.ObjectSpec, 0, len(ids))
	for _, id := range ids {
		obj, err := s.GetObject(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, obj)
	}
	return out, nil
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}
