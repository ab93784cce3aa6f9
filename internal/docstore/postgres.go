package docstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/google/uuid"
	"github.com/lib/pq"
)

// notifyChannel is raised by the documents trigger with the collection
// name as payload.
const notifyChannel = "documents"

type Postgres struct {
	DB  *sql.DB
	dsn string
}

var _ Store = (*Postgres)(nil)

func OpenPostgres(dsn string) (*Postgres, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(20)
	db.SetConnMaxLifetime(5 * time.Minute)
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping: %w", err)
	}
	return &Postgres{DB: db, dsn: dsn}, nil
}

func (s *Postgres) Migrate(dir string) error {
	driver, err := postgres.WithInstance(s.DB, &postgres.Config{})
	if err != nil {
		return err
	}
	m, err := migrate.NewWithDatabaseInstance("file://"+dir, "postgres", driver)
	if err != nil {
		return err
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return err
	}
	return nil
}

func (s *Postgres) Close() error { return s.DB.Close() }

// ── Documents ────────────────────────────────────────

func (s *Postgres) Get(ctx context.Context, collection, id string) (*Document, error) {
	d := &Document{Collection: collection, ID: id}
	var raw []byte
	err := s.DB.QueryRowContext(ctx,
		`SELECT fields, version, updated_at FROM documents WHERE collection=$1 AND id=$2`,
		collection, id,
	).Scan(&raw, &d.Version, &d.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(raw, &d.Fields); err != nil {
		return nil, fmt.Errorf("decode %s/%s: %w", collection, id, err)
	}
	return d, nil
}

func (s *Postgres) Set(ctx context.Context, collection, id string, fields Fields, merge bool) error {
	b, err := json.Marshal(fields.clone())
	if err != nil {
		return err
	}
	update := `fields = EXCLUDED.fields`
	if merge {
		update = `fields = documents.fields || EXCLUDED.fields`
	}
	_, err = s.DB.ExecContext(ctx,
		`INSERT INTO documents (collection, id, fields) VALUES ($1,$2,$3::jsonb)
		 ON CONFLICT (collection, id) DO UPDATE SET `+update+`,
		   version = documents.version + 1, updated_at = now()`,
		collection, id, b,
	)
	return err
}

func (s *Postgres) Add(ctx context.Context, collection string, fields Fields) (string, error) {
	id := uuid.New().String()
	b, err := json.Marshal(fields.clone())
	if err != nil {
		return "", err
	}
	_, err = s.DB.ExecContext(ctx,
		`INSERT INTO documents (collection, id, fields) VALUES ($1,$2,$3::jsonb)`,
		collection, id, b,
	)
	if err != nil {
		return "", err
	}
	return id, nil
}

func (s *Postgres) Delete(ctx context.Context, collection, id string, ifVersion int64) error {
	res, err := s.DB.ExecContext(ctx,
		`DELETE FROM documents WHERE collection=$1 AND id=$2 AND ($3::bigint = 0 OR version = $3::bigint)`,
		collection, id, ifVersion,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	var exists bool
	if err := s.DB.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM documents WHERE collection=$1 AND id=$2)`, collection, id,
	).Scan(&exists); err != nil {
		return err
	}
	if exists {
		return ErrConflict
	}
	return ErrNotFound
}

func (s *Postgres) list(ctx context.Context, collection string) ([]Document, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT id, fields, version, updated_at FROM documents WHERE collection=$1 ORDER BY id`, collection)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []Document{}
	for rows.Next() {
		d := Document{Collection: collection}
		var raw []byte
		if err := rows.Scan(&d.ID, &raw, &d.Version, &d.UpdatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(raw, &d.Fields); err != nil {
			return nil, fmt.Errorf("decode %s/%s: %w", collection, d.ID, err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// ── Subscriptions ────────────────────────────────────

// Subscribe listens on the documents channel and re-reads the collection
// whenever the trigger reports a change to it, or after the listener
// reconnects.
func (s *Postgres) Subscribe(ctx context.Context, collection string) (*Subscription, error) {
	docs, err := s.list(ctx, collection)
	if err != nil {
		return nil, err
	}

	listener := pq.NewListener(s.dsn, 10*time.Second, time.Minute, func(ev pq.ListenerEventType, err error) {
		if err != nil {
			log.Printf("[docstore] listener %s: %v", collection, err)
		}
	})
	if err := listener.Listen(notifyChannel); err != nil {
		listener.Close()
		return nil, fmt.Errorf("listen: %w", err)
	}

	ch := make(chan Snapshot, 1)
	ch <- Snapshot{Collection: collection, Docs: docs}

	subCtx, cancel := context.WithCancel(ctx)
	sub := &Subscription{C: ch, cancel: cancel}

	go func() {
		defer close(ch)
		defer listener.Close()
		ping := time.NewTicker(90 * time.Second)
		defer ping.Stop()
		for {
			select {
			case <-subCtx.Done():
				return
			case n := <-listener.Notify:
				// nil means the connection was re-established and
				// notifications may have been missed.
				if n != nil && n.Extra != collection {
					continue
				}
				docs, err := s.list(subCtx, collection)
				if err != nil {
					log.Printf("[docstore] reload %s: %v", collection, err)
					continue
				}
				deliver(ch, Snapshot{Collection: collection, Docs: docs})
			case <-ping.C:
				go listener.Ping()
			}
		}
	}()
	return sub, nil
}
