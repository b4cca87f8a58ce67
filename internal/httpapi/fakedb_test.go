package httpapi

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/mcprouter/router/internal/store"
)

// fakeRow and fakeRows mirror the narrow pgx.Row/pgx.Rows surface the store
// package depends on, the same pattern used to unit-test the repository
// itself, reused here so the REST handlers can be exercised against a real
// *store.ServerRepository instead of a handler-level mock.
type fakeRow struct {
	scan func(dest ...any) error
}

func (r *fakeRow) Scan(dest ...any) error { return r.scan(dest...) }

type fakeRows struct {
	rows []*store.ServerConfig
	idx  int
}

func (r *fakeRows) Close()                                       {}
func (r *fakeRows) Err() error                                   { return nil }
func (r *fakeRows) CommandTag() pgconn.CommandTag                { return pgconn.CommandTag{} }
func (r *fakeRows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *fakeRows) RawValues() [][]byte                          { return nil }
func (r *fakeRows) Conn() *pgx.Conn                              { return nil }
func (r *fakeRows) Values() ([]any, error)                       { return nil, nil }

func (r *fakeRows) Next() bool {
	if r.idx >= len(r.rows) {
		return false
	}
	r.idx++
	return true
}

func (r *fakeRows) Scan(dest ...any) error {
	return scanServerInto(r.rows[r.idx-1], dest...)
}

func scanServerInto(cfg *store.ServerConfig, dest ...any) error {
	*(dest[0].(*uuid.UUID)) = cfg.ID
	*(dest[1].(*string)) = cfg.Name
	*(dest[2].(*string)) = cfg.URL
	*(dest[3].(*string)) = cfg.Description
	*(dest[4].(*bool)) = cfg.Enabled
	*(dest[5].(*bool)) = cfg.AutoReconnect
	*(dest[6].(*int)) = cfg.TimeoutMS
	*(dest[7].(*int)) = cfg.RetryAttempts
	*(dest[8].(*time.Time)) = cfg.CreatedAt
	*(dest[9].(*time.Time)) = cfg.UpdatedAt
	*(dest[10].(**time.Time)) = cfg.DeletedAt
	return nil
}

// fakeServerDB is a tiny in-memory stand-in for the servers table, enough to
// drive register/unregister/health against a real *store.ServerRepository.
type fakeServerDB struct {
	mu   sync.Mutex
	rows map[string]*store.ServerConfig // keyed by name, including soft-deleted
}

func newFakeServerDB() *fakeServerDB {
	return &fakeServerDB{rows: map[string]*store.ServerConfig{}}
}

func (db *fakeServerDB) QueryRow(_ context.Context, sql string, args ...any) pgx.Row {
	db.mu.Lock()
	defer db.mu.Unlock()

	switch {
	case strings.Contains(sql, "INSERT INTO servers"):
		cfg := &store.ServerConfig{
			ID:            uuid.New(),
			Name:          args[0].(string),
			URL:           args[1].(string),
			Description:   args[2].(string),
			Enabled:       args[3].(bool),
			AutoReconnect: args[4].(bool),
			TimeoutMS:     args[5].(int),
			RetryAttempts: args[6].(int),
			CreatedAt:     time.Now(),
			UpdatedAt:     time.Now(),
		}
		db.rows[cfg.Name] = cfg
		return &fakeRow{scan: func(dest ...any) error {
			*(dest[0].(*uuid.UUID)) = cfg.ID
			*(dest[1].(*time.Time)) = cfg.CreatedAt
			*(dest[2].(*time.Time)) = cfg.UpdatedAt
			return nil
		}}
	case strings.Contains(sql, "UPDATE servers SET") && strings.Contains(sql, "RETURNING created_at, updated_at"):
		id := args[0].(uuid.UUID)
		var cfg *store.ServerConfig
		for _, c := range db.rows {
			if c.ID == id {
				cfg = c
			}
		}
		if cfg == nil {
			return &fakeRow{scan: func(dest ...any) error { return pgx.ErrNoRows }}
		}
		cfg.URL, cfg.Description, cfg.Enabled, cfg.AutoReconnect = args[1].(string), args[2].(string), args[3].(bool), args[4].(bool)
		cfg.TimeoutMS, cfg.RetryAttempts = args[5].(int), args[6].(int)
		cfg.DeletedAt = nil
		cfg.UpdatedAt = time.Now()
		return &fakeRow{scan: func(dest ...any) error {
			*(dest[0].(*time.Time)) = cfg.CreatedAt
			*(dest[1].(*time.Time)) = cfg.UpdatedAt
			return nil
		}}
	case strings.Contains(sql, "WHERE name = $1"):
		name := args[0].(string)
		cfg, ok := db.rows[name]
		if !ok {
			return &fakeRow{scan: func(dest ...any) error { return pgx.ErrNoRows }}
		}
		return &fakeRow{scan: func(dest ...any) error { return scanServerInto(cfg, dest...) }}
	default:
		return &fakeRow{scan: func(dest ...any) error { return fmt.Errorf("fakeServerDB: unhandled QueryRow sql: %s", sql) }}
	}
}

func (db *fakeServerDB) Query(_ context.Context, sql string, args ...any) (pgx.Rows, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	if !strings.Contains(sql, "FROM servers") {
		return nil, fmt.Errorf("fakeServerDB: unhandled Query sql: %s", sql)
	}

	var matched []*store.ServerConfig
	for _, cfg := range db.rows {
		if cfg.DeletedAt != nil {
			continue
		}
		if strings.Contains(sql, "enabled = true") && !cfg.Enabled {
			continue
		}
		matched = append(matched, cfg)
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].Name < matched[j].Name })
	return &fakeRows{rows: matched}, nil
}

func (db *fakeServerDB) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	switch {
	case strings.Contains(sql, "SET deleted_at = now()"):
		id := args[0].(uuid.UUID)
		for _, cfg := range db.rows {
			if cfg.ID == id && cfg.DeletedAt == nil {
				now := time.Now()
				cfg.DeletedAt = &now
				return pgconn.NewCommandTag("UPDATE 1"), nil
			}
		}
		return pgconn.NewCommandTag("UPDATE 0"), nil
	default:
		return pgconn.CommandTag{}, fmt.Errorf("fakeServerDB: unhandled Exec sql: %s", sql)
	}
}
