// Package postgres polls a PostgreSQL server over pgx for per-database
// activity statistics, background-writer counters, and connection-state
// gauges. A companion config producer in discovery.go proposes one plugin
// block per discovered database.
package postgres

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/relicagent/relicagent/internal/plugins"
)

const guid = "com.relicagent.postgres"

const defaultTimeout = 10 * time.Second

// Settings configures one server instance.
type Settings struct {
	Name     string `mapstructure:"name"`
	Host     string `mapstructure:"host" validate:"required"`
	Port     int    `mapstructure:"port" validate:"omitempty,min=1,max=65535"`
	User     string `mapstructure:"user" validate:"required"`
	Password string `mapstructure:"password"`
	Database string `mapstructure:"database"`
	SSLMode  string `mapstructure:"sslmode" validate:"omitempty,oneof=disable allow prefer require verify-ca verify-full"`
	Timeout  int    `mapstructure:"timeout" validate:"omitempty,min=1"`
}

func (s *Settings) applyDefaults() {
	if s.Port == 0 {
		s.Port = 5432
	}
	if s.Database == "" {
		s.Database = "postgres"
	}
	if s.SSLMode == "" {
		s.SSLMode = "prefer"
	}
	if s.Name == "" {
		s.Name = fmt.Sprintf("%s:%d", s.Host, s.Port)
	}
}

// dsn renders the connection string pgx understands.
func (s *Settings) dsn() string {
	u := url.URL{
		Scheme: "postgres",
		Host:   fmt.Sprintf("%s:%d", s.Host, s.Port),
		Path:   "/" + s.Database,
	}
	if s.Password != "" {
		u.User = url.UserPassword(s.User, s.Password)
	} else {
		u.User = url.User(s.User)
	}
	q := url.Values{}
	q.Set("sslmode", s.SSLMode)
	q.Set("connect_timeout", fmt.Sprintf("%d", int(s.timeout().Seconds())))
	u.RawQuery = q.Encode()
	return u.String()
}

func (s *Settings) timeout() time.Duration {
	if s.Timeout > 0 {
		return time.Duration(s.Timeout) * time.Second
	}
	return defaultTimeout
}

// Factory builds a postgres plugin run.
func Factory(settings map[string]any, pollInterval time.Duration, prior any) (plugins.MetricProducer, error) {
	var s Settings
	if err := plugins.DecodeSettings(settings, &s); err != nil {
		return nil, err
	}
	s.applyDefaults()
	return &Plugin{settings: s, report: plugins.NewReport(pollInterval, prior)}, nil
}

// Plugin is one poll run against a PostgreSQL server.
type Plugin struct {
	settings Settings
	report   *plugins.Report
}

// databaseStats is one pg_stat_database row.
type databaseStats struct {
	Name        string
	Backends    int64
	XactCommit  int64
	XactRollbck int64
	BlksRead    int64
	BlksHit     int64
	TupReturned int64
	TupFetched  int64
	TupInserted int64
	TupUpdated  int64
	TupDeleted  int64
	Deadlocks   int64
	TempBytes   int64
}

// bgwriterStats is the single pg_stat_bgwriter row.
type bgwriterStats struct {
	CheckpointsTimed  int64
	CheckpointsReq    int64
	BuffersCheckpoint int64
	BuffersClean      int64
	BuffersBackend    int64
	BuffersAlloc      int64
}

// Poll connects, reads the statistics views, and records one component for
// the server.
func (p *Plugin) Poll(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, p.settings.timeout())
	defer cancel()

	conn, err := pgx.Connect(ctx, p.settings.dsn())
	if err != nil {
		return fmt.Errorf("connect to %s: %w", p.settings.Name, err)
	}
	defer conn.Close(ctx)

	databases, err := queryDatabaseStats(ctx, conn)
	if err != nil {
		return err
	}
	bgwriter, err := queryBgwriterStats(ctx, conn)
	if err != nil {
		return err
	}
	states, err := queryConnectionStates(ctx, conn)
	if err != nil {
		return err
	}

	rec := p.report.Component(guid, p.settings.Name)
	recordDatabaseStats(rec, databases)
	recordBgwriterStats(rec, bgwriter)
	recordConnectionStates(rec, states)
	return nil
}

// Components returns the recorded component.
func (p *Plugin) Components() []*plugins.Component {
	return p.report.Components()
}

// Carried returns the counter totals for the next run.
func (p *Plugin) Carried() any {
	return p.report.Carried()
}

func queryDatabaseStats(ctx context.Context, conn *pgx.Conn) ([]databaseStats, error) {
	rows, err := conn.Query(ctx, `
		SELECT d.datname, s.numbackends,
		       s.xact_commit, s.xact_rollback,
		       s.blks_read, s.blks_hit,
		       s.tup_returned, s.tup_fetched, s.tup_inserted, s.tup_updated, s.tup_deleted,
		       s.deadlocks, s.temp_bytes
		FROM pg_stat_database s
		JOIN pg_database d ON d.oid = s.datid
		WHERE NOT d.datistemplate
		ORDER BY d.datname`)
	if err != nil {
		return nil, fmt.Errorf("query pg_stat_database: %w", err)
	}
	defer rows.Close()

	var stats []databaseStats
	for rows.Next() {
		var d databaseStats
		if err := rows.Scan(&d.Name, &d.Backends,
			&d.XactCommit, &d.XactRollbck,
			&d.BlksRead, &d.BlksHit,
			&d.TupReturned, &d.TupFetched, &d.TupInserted, &d.TupUpdated, &d.TupDeleted,
			&d.Deadlocks, &d.TempBytes); err != nil {
			return nil, fmt.Errorf("scan pg_stat_database: %w", err)
		}
		stats = append(stats, d)
	}
	return stats, rows.Err()
}

func queryBgwriterStats(ctx context.Context, conn *pgx.Conn) (bgwriterStats, error) {
	var b bgwriterStats
	err := conn.QueryRow(ctx, `
		SELECT checkpoints_timed, checkpoints_req, buffers_checkpoint,
		       buffers_clean, buffers_backend, buffers_alloc
		FROM pg_stat_bgwriter`).Scan(
		&b.CheckpointsTimed, &b.CheckpointsReq, &b.BuffersCheckpoint,
		&b.BuffersClean, &b.BuffersBackend, &b.BuffersAlloc)
	if err != nil {
		return b, fmt.Errorf("query pg_stat_bgwriter: %w", err)
	}
	return b, nil
}

func queryConnectionStates(ctx context.Context, conn *pgx.Conn) (map[string]int64, error) {
	rows, err := conn.Query(ctx, `
		SELECT COALESCE(state, 'unknown'), count(*)
		FROM pg_stat_activity
		GROUP BY state`)
	if err != nil {
		return nil, fmt.Errorf("query pg_stat_activity: %w", err)
	}
	defer rows.Close()

	states := make(map[string]int64)
	for rows.Next() {
		var state string
		var count int64
		if err := rows.Scan(&state, &count); err != nil {
			return nil, fmt.Errorf("scan pg_stat_activity: %w", err)
		}
		states[state] = count
	}
	return states, rows.Err()
}

func recordDatabaseStats(rec *plugins.Recorder, databases []databaseStats) {
	for _, d := range databases {
		prefix := "Database/" + d.Name + "/"
		rec.Gauge(prefix+"Backends", "connections", float64(d.Backends))
		rec.Derive(prefix+"Transactions/Committed", "transactions", float64(d.XactCommit))
		rec.Derive(prefix+"Transactions/RolledBack", "transactions", float64(d.XactRollbck))
		rec.Derive(prefix+"Blocks/Read", "blocks", float64(d.BlksRead))
		rec.Derive(prefix+"Blocks/Hit", "blocks", float64(d.BlksHit))
		rec.Derive(prefix+"Tuples/Returned", "tuples", float64(d.TupReturned))
		rec.Derive(prefix+"Tuples/Fetched", "tuples", float64(d.TupFetched))
		rec.Derive(prefix+"Tuples/Inserted", "tuples", float64(d.TupInserted))
		rec.Derive(prefix+"Tuples/Updated", "tuples", float64(d.TupUpdated))
		rec.Derive(prefix+"Tuples/Deleted", "tuples", float64(d.TupDeleted))
		rec.Derive(prefix+"Deadlocks", "deadlocks", float64(d.Deadlocks))
		rec.Derive(prefix+"TempBytes", "bytes", float64(d.TempBytes))
	}
}

func recordBgwriterStats(rec *plugins.Recorder, b bgwriterStats) {
	rec.Derive("Bgwriter/Checkpoints/Timed", "checkpoints", float64(b.CheckpointsTimed))
	rec.Derive("Bgwriter/Checkpoints/Requested", "checkpoints", float64(b.CheckpointsReq))
	rec.Derive("Bgwriter/Buffers/Checkpoint", "buffers", float64(b.BuffersCheckpoint))
	rec.Derive("Bgwriter/Buffers/Clean", "buffers", float64(b.BuffersClean))
	rec.Derive("Bgwriter/Buffers/Backend", "buffers", float64(b.BuffersBackend))
	rec.Derive("Bgwriter/Buffers/Allocated", "buffers", float64(b.BuffersAlloc))
}

func recordConnectionStates(rec *plugins.Recorder, states map[string]int64) {
	for state, count := range states {
		rec.Gauge("Connections/"+state, "connections", float64(count))
	}
}
