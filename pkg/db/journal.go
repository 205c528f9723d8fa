package db

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/sony/gobreaker"

	"github.com/senpai-robotics/controller/pkg/events"
)

const journalLogPrefix = "db:journal"

// JournalOptions configures a Journal. Zero values use defaults.
type JournalOptions struct {
	// WriteTimeout bounds one insert.
	WriteTimeout time.Duration
	// Failures is how many consecutive failed writes open the breaker.
	Failures uint32
	// Cooldown is how long the breaker stays open before trying again.
	Cooldown time.Duration
}

// Journal persists incidents. Writes go through a circuit breaker so an unreachable database
// costs one fast failure per incident instead of a timeout.
type Journal struct {
	q       Querier
	breaker *gobreaker.CircuitBreaker
	opts    JournalOptions
}

// NewJournal creates a journal on q, usually a *pgxpool.Pool.
func NewJournal(q Querier, opts JournalOptions) *Journal {
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 2 * time.Second
	}
	if opts.Failures == 0 {
		opts.Failures = 3
	}
	if opts.Cooldown <= 0 {
		opts.Cooldown = 10 * time.Second
	}
	failures := opts.Failures
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "incident-journal",
		Timeout: opts.Cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			slog.Warn(fmt.Sprintf("%s - %s breaker %s -> %s", journalLogPrefix, name, from, to))
		},
	})
	return &Journal{q: q, breaker: breaker, opts: opts}
}

// Record implements events.IncidentSink.
func (j *Journal) Record(ctx context.Context, incident *events.Incident) error {
	_, err := j.breaker.Execute(func() (interface{}, error) {
		ctx, cancel := context.WithTimeout(ctx, j.opts.WriteTimeout)
		defer cancel()
		return j.q.Exec(ctx,
			`INSERT INTO incidents (id, kind, command, payload, elapsed_ms, detail, created)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)
			 ON CONFLICT (id) DO NOTHING`,
			incident.ID, incident.Kind, incident.Command, incident.Payload,
			incident.ElapsedMs, incident.Detail, incident.Created)
	})
	if err != nil {
		return fmt.Errorf("%s - insert incident %s: %w", journalLogPrefix, incident.ID, err)
	}
	return nil
}

// State reports the breaker state ("closed", "half-open" or "open").
func (j *Journal) State() string {
	return j.breaker.State().String()
}

// Recent returns the n most recent incidents, newest first.
func (j *Journal) Recent(ctx context.Context, n int) ([]events.Incident, error) {
	if n <= 0 {
		n = 20
	}
	rows, err := j.q.Query(ctx,
		`SELECT id, kind, command, payload, elapsed_ms, detail, created
		 FROM incidents
		 ORDER BY created DESC
		 LIMIT $1`, n)
	if err != nil {
		return nil, fmt.Errorf("%s - query incidents: %w", journalLogPrefix, err)
	}
	return scanIncidents(rows)
}

// CountByKind returns how many incidents of each kind were recorded since t.
func (j *Journal) CountByKind(ctx context.Context, since time.Time) (map[string]int64, error) {
	rows, err := j.q.Query(ctx,
		`SELECT kind, count(*) FROM incidents WHERE created >= $1 GROUP BY kind`, since)
	if err != nil {
		return nil, fmt.Errorf("%s - count incidents: %w", journalLogPrefix, err)
	}
	defer rows.Close()

	out := make(map[string]int64)
	for rows.Next() {
		var kind string
		var count int64
		if err := rows.Scan(&kind, &count); err != nil {
			return nil, fmt.Errorf("%s - scan count: %w", journalLogPrefix, err)
		}
		out[kind] = count
	}
	return out, rows.Err()
}

func scanIncidents(rows pgx.Rows) ([]events.Incident, error) {
	defer rows.Close()
	var out []events.Incident
	for rows.Next() {
		var i events.Incident
		if err := rows.Scan(&i.ID, &i.Kind, &i.Command, &i.Payload, &i.ElapsedMs, &i.Detail, &i.Created); err != nil {
			return nil, fmt.Errorf("%s - scan incident: %w", journalLogPrefix, err)
		}
		out = append(out, i)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s - read incidents: %w", journalLogPrefix, err)
	}
	return out, nil
}

// Prune deletes incidents older than before and returns how many were removed.
func (j *Journal) Prune(ctx context.Context, before time.Time) (int64, error) {
	slog.Info(fmt.Sprintf("%s - Pruning incidents before %s", journalLogPrefix, before.Format(time.RFC3339)))
	tag, err := j.q.Exec(ctx, `DELETE FROM incidents WHERE created < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("%s - prune failed: %w", journalLogPrefix, err)
	}
	return tag.RowsAffected(), nil
}
