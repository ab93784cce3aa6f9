package docstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

// SQLite is a single-file Store. Change notifications are in-process, so
// subscribers only see writes made through the same SQLite value.
type SQLite struct {
	db  *sqlx.DB
	fan *fanout
}

var _ Store = (*SQLite)(nil)

type docRow struct {
	ID        string `db:"id"`
	Fields    string `db:"fields"`
	Version   int64  `db:"version"`
	UpdatedAt int64  `db:"updated_at"` // unix millis
}

func (r docRow) document(collection string) (Document, error) {
	d := Document{
		Collection: collection,
		ID:         r.ID,
		Version:    r.Version,
		UpdatedAt:  time.UnixMilli(r.UpdatedAt),
	}
	if err := json.Unmarshal([]byte(r.Fields), &d.Fields); err != nil {
		return d, fmt.Errorf("decode %s/%s: %w", collection, r.ID, err)
	}
	return d, nil
}

// OpenSQLite opens or creates the database file at path.
func OpenSQLite(path string) (*SQLite, error) {
	conn, err := sqlx.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// One writer keeps the read-merge-write in Set serialized.
	conn.SetMaxOpenConns(1)

	s := &SQLite{db: conn, fan: newFanout()}
	if err := s.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *SQLite) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS documents (
		collection TEXT NOT NULL,
		id TEXT NOT NULL,
		fields TEXT NOT NULL,
		version INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		PRIMARY KEY (collection, id)
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

func (s *SQLite) Close() error {
	s.fan.closeAll()
	return s.db.Close()
}

func (s *SQLite) Get(ctx context.Context, collection, id string) (*Document, error) {
	var r docRow
	err := s.db.GetContext(ctx, &r,
		`SELECT id, fields, version, updated_at FROM documents WHERE collection=? AND id=?`, collection, id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	d, err := r.document(collection)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func (s *SQLite) Set(ctx context.Context, collection, id string, fields Fields, merge bool) error {
	if err := s.set(ctx, collection, id, fields, merge); err != nil {
		return err
	}
	s.fan.notify(context.WithoutCancel(ctx), collection, s.list)
	return nil
}

func (s *SQLite) set(ctx context.Context, collection, id string, fields Fields, merge bool) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var cur docRow
	err = tx.GetContext(ctx, &cur,
		`SELECT id, fields, version, updated_at FROM documents WHERE collection=? AND id=?`, collection, id)
	exists := err == nil
	if err != nil && err != sql.ErrNoRows {
		return err
	}

	next := fields.clone()
	if exists && merge {
		var old Fields
		if err := json.Unmarshal([]byte(cur.Fields), &old); err != nil {
			return fmt.Errorf("decode %s/%s: %w", collection, id, err)
		}
		if old == nil {
			old = make(Fields, len(next))
		}
		for k, v := range next {
			old[k] = v
		}
		next = old
	}
	b, err := json.Marshal(next)
	if err != nil {
		return err
	}
	now := time.Now().UnixMilli()
	if exists {
		_, err = tx.ExecContext(ctx,
			`UPDATE documents SET fields=?, version=version+1, updated_at=? WHERE collection=? AND id=?`,
			string(b), now, collection, id)
	} else {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO documents (collection, id, fields, version, updated_at) VALUES (?,?,?,1,?)`,
			collection, id, string(b), now)
	}
	if err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLite) Add(ctx context.Context, collection string, fields Fields) (string, error) {
	id := uuid.New().String()
	if err := s.Set(ctx, collection, id, fields, false); err != nil {
		return "", err
	}
	return id, nil
}

func (s *SQLite) Delete(ctx context.Context, collection, id string, ifVersion int64) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM documents WHERE collection=? AND id=? AND (? = 0 OR version = ?)`,
		collection, id, ifVersion, ifVersion)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		var count int
		if err := s.db.GetContext(ctx, &count,
			`SELECT COUNT(*) FROM documents WHERE collection=? AND id=?`, collection, id); err != nil {
			return err
		}
		if count > 0 {
			return ErrConflict
		}
		return ErrNotFound
	}
	s.fan.notify(context.WithoutCancel(ctx), collection, s.list)
	return nil
}

func (s *SQLite) Subscribe(ctx context.Context, collection string) (*Subscription, error) {
	return s.fan.subscribe(ctx, collection, s.list)
}

func (s *SQLite) list(ctx context.Context, collection string) ([]Document, error) {
	var rows []docRow
	if err := s.db.SelectContext(ctx, &rows,
		`SELECT id, fields, version, updated_at FROM documents WHERE collection=? ORDER BY id`, collection); err != nil {
		return nil, err
	}
	out := make([]Document, 0, len(rows))
	for _, r := range rows {
		d, err := r.document(collection)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}
