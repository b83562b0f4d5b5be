package engine

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"complyline/internal/config"
	"complyline/internal/domain"
	"complyline/internal/engine/auth"
	"complyline/internal/events"
	"complyline/internal/repo"
)

// Engine applies every mutation of the compliance pipeline. Each operation
// runs in one transaction that writes the entity rows together with their
// change events; events are published on Bus only after commit.
type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Bus    *events.Bus
	Auth   auth.Service
	Config *config.Config
	Now    func() time.Time
}

func New(db *sql.DB, cfg *config.Config, bus *events.Bus) Engine {
	e := Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Bus:    bus,
		Auth:   auth.Service{DB: db},
		Config: cfg,
		Now:    time.Now,
	}
	e.Events = events.Writer{Now: e.now}
	return e
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) stamp() string {
	return e.now().UTC().Format(time.RFC3339)
}

func (e Engine) today() string {
	return e.now().UTC().Format(time.DateOnly)
}

// txn collects the events written in one transaction.
type txn struct {
	*sql.Tx
	e      Engine
	events []domain.Event
}

func (e Engine) begin(ctx context.Context) (*txn, error) {
	if e.Config == nil {
		return nil, errors.New("config not loaded")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	return &txn{Tx: tx, e: e}, nil
}

func (t *txn) emit(ctx context.Context, rec events.Record) error {
	evt, err := t.e.Events.Append(ctx, t.Tx, rec)
	if err != nil {
		return err
	}
	t.events = append(t.events, evt)
	return nil
}

func (t *txn) commit() error {
	if err := t.Tx.Commit(); err != nil {
		return err
	}
	t.e.Bus.Publish(t.events...)
	return nil
}

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
