package postgres

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"fmt"
	"sort"

	audit "auditlog/pkg/platform/audit"
	txcontext "auditlog/pkg/platform/tx"

	"github.com/lib/pq"
)

// Schema creates the audit tables. It is idempotent.
//
//go:embed schema.sql
var Schema string

// Store persists audit events as one audit_events row plus one
// audit_mutations row per changed field, and serves the rows back for
// history reconstruction.
type Store struct {
	db *sql.DB
}

// New creates a PostgreSQL audit store.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// EnsureSchema applies Schema.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("apply audit schema: %w", err)
	}
	return nil
}

type dbExecutor interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func (s *Store) execer(ctx context.Context) dbExecutor {
	if tx, ok := txcontext.From(ctx); ok {
		return tx
	}
	return s.db
}

// Append writes the event row and then its mutation rows inside one
// transaction and returns the generated event identifier. Inserts of
// different events never interleave within the same row set.
func (s *Store) Append(ctx context.Context, event audit.Event) (int64, error) {
	var eventID int64
	err := txcontext.RunInTx(ctx, s.db, func(ctx context.Context) error {
		var eventName sql.NullString
		if event.EventName != "" {
			eventName = sql.NullString{String: event.EventName, Valid: true}
		}

		query := `
			INSERT INTO audit_events (action, occurred_at, actor_type, actor_id, target_type, target_id, event_name)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			RETURNING id
		`
		err := s.execer(ctx).QueryRowContext(ctx, query,
			string(event.Action),
			event.Timestamp,
			event.ActorType,
			event.ActorID.String(),
			event.TargetType,
			event.TargetID.String(),
			eventName,
		).Scan(&eventID)
		if err != nil {
			return fmt.Errorf("insert audit event: %w", err)
		}

		if event.Action != audit.ActionChanged {
			return nil
		}

		fields := make([]string, 0, len(event.Changes))
		for f := range event.Changes {
			fields = append(fields, f)
		}
		sort.Strings(fields)

		mutationQuery := `
			INSERT INTO audit_mutations (event_id, field_name, prev_value, next_value)
			VALUES ($1, $2, $3, $4)
		`
		for _, field := range fields {
			change := event.Changes[field]
			// lib/pq sends []byte as bytea, so values go over as text. JSON keeps the
			// text as published.
			_, err := s.execer(ctx).ExecContext(ctx, mutationQuery,
				eventID,
				field,
				string(change.PrevJSON()),
				string(change.NextJSON()),
			)
			if err != nil {
				return fmt.Errorf("insert audit mutation %s: %w", field, err)
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return eventID, nil
}

// EventRows returns every event row matching f in persistence order.
func (s *Store) EventRows(ctx context.Context, f audit.Filter) ([]audit.EventRow, error) {
	where := "target_type = $1 AND target_id = $2"
	args := []any{f.TargetType, f.TargetID.String()}
	if f.IsActor() {
		where = "actor_type = $1 AND actor_id = $2"
		args = []any{f.ActorType, f.ActorID.String()}
	}

	query := `
		SELECT id, action, occurred_at, actor_type, actor_id, target_type, target_id, event_name
		FROM audit_events
		WHERE ` + where + `
		ORDER BY id ASC
	`
	rows, err := s.execer(ctx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query audit events: %w", err)
	}
	defer rows.Close()

	var out []audit.EventRow
	for rows.Next() {
		var (
			row       audit.EventRow
			action    string
			actorID   string
			targetID  string
			eventName sql.NullString
		)
		if err := rows.Scan(&row.ID, &action, &row.Timestamp, &row.ActorType, &actorID,
			&row.TargetType, &targetID, &eventName); err != nil {
			return nil, fmt.Errorf("scan audit event: %w", err)
		}
		row.Action = audit.Action(action)
		row.Timestamp = row.Timestamp.UTC()
		row.ActorID = audit.ParseID(actorID)
		row.TargetID = audit.ParseID(targetID)
		row.EventName = eventName.String
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit events: %w", err)
	}
	return out, nil
}

// MutationRows fetches the mutation rows of all given events in one query.
func (s *Store) MutationRows(ctx context.Context, eventIDs []int64) ([]audit.MutationRow, error) {
	if len(eventIDs) == 0 {
		return nil, nil
	}

	query := `
		SELECT event_id, field_name, prev_value, next_value
		FROM audit_mutations
		WHERE event_id = ANY($1)
		ORDER BY event_id ASC, id ASC
	`
	rows, err := s.execer(ctx).QueryContext(ctx, query, pq.Array(eventIDs))
	if err != nil {
		return nil, fmt.Errorf("query audit mutations: %w", err)
	}
	defer rows.Close()

	var out []audit.MutationRow
	for rows.Next() {
		var (
			row        audit.MutationRow
			prev, next []byte
		)
		if err := rows.Scan(&row.EventID, &row.FieldName, &prev, &next); err != nil {
			return nil, fmt.Errorf("scan audit mutation: %w", err)
		}
		row.PrevValue = json.RawMessage(prev)
		row.NextValue = json.RawMessage(next)
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit mutations: %w", err)
	}
	return out, nil
}
