package postgres

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/relicagent/relicagent/internal/plugins"
)

// generatedAtKey records when a discovery result was produced, so the
// refresh interval can be honored across cycles through the prior result.
const generatedAtKey = "generated_at"

// DiscoverySettings configures one discovery instance. Connection fields
// mirror Settings; the remaining fields shape the proposed blocks.
type DiscoverySettings struct {
	Name     string `mapstructure:"name"`
	Host     string `mapstructure:"host" validate:"required"`
	Port     int    `mapstructure:"port" validate:"omitempty,min=1,max=65535"`
	User     string `mapstructure:"user" validate:"required"`
	Password string `mapstructure:"password"`
	Database string `mapstructure:"database"`
	SSLMode  string `mapstructure:"sslmode" validate:"omitempty,oneof=disable allow prefer require verify-ca verify-full"`
	Timeout  int    `mapstructure:"timeout" validate:"omitempty,min=1"`

	// TargetBlockKey is the application block the proposed instances are
	// written under. A suffixed key like "postgres:discovered" keeps them
	// apart from statically configured blocks.
	TargetBlockKey string `mapstructure:"target_block_key"`

	// NameFormat renders each proposed instance name. Tokens: {host},
	// {port}, {database}.
	NameFormat string `mapstructure:"name_format"`

	// RefreshInterval is how often, in seconds, discovery actually queries
	// the server. In between, the previous proposal is re-issued unchanged.
	RefreshInterval int `mapstructure:"refresh_interval" validate:"omitempty,min=0"`
}

// DiscoveryFactory builds a postgres_discovery config producer run.
func DiscoveryFactory(settings map[string]any, prior map[string]any) (plugins.ConfigProducer, error) {
	var s DiscoverySettings
	if err := plugins.DecodeSettings(settings, &s); err != nil {
		return nil, err
	}
	if s.Port == 0 {
		s.Port = 5432
	}
	if s.Database == "" {
		s.Database = "postgres"
	}
	if s.SSLMode == "" {
		s.SSLMode = "prefer"
	}
	if s.TargetBlockKey == "" {
		s.TargetBlockKey = "postgres:discovered"
	}
	if s.NameFormat == "" {
		s.NameFormat = "{database} ({host}:{port})"
	}
	return &Discovery{settings: s, prior: prior}, nil
}

// Discovery lists the connectable non-template databases on a server and
// proposes one postgres block instance per database.
type Discovery struct {
	settings DiscoverySettings
	prior    map[string]any
	result   map[string]any
}

// Poll queries the server for its databases, unless a previous result is
// still fresh, in which case it is re-issued so reconciliation sees no
// change.
func (d *Discovery) Poll(ctx context.Context) error {
	if d.priorFresh(time.Now()) {
		d.result = d.prior
		return nil
	}

	conn := Settings{
		Host:     d.settings.Host,
		Port:     d.settings.Port,
		User:     d.settings.User,
		Password: d.settings.Password,
		Database: d.settings.Database,
		SSLMode:  d.settings.SSLMode,
		Timeout:  d.settings.Timeout,
	}
	conn.applyDefaults()

	ctx, cancel := context.WithTimeout(ctx, conn.timeout())
	defer cancel()

	db, err := pgx.Connect(ctx, conn.dsn())
	if err != nil {
		return fmt.Errorf("connect to %s: %w", conn.Name, err)
	}
	defer db.Close(ctx)

	names, err := queryDatabaseNames(ctx, db)
	if err != nil {
		return err
	}

	d.result = d.settings.proposal(names, time.Now())
	return nil
}

// Result returns the proposed configuration.
func (d *Discovery) Result() map[string]any {
	return d.result
}

// priorFresh reports whether the previous result is recent enough to
// re-issue without querying the server.
func (d *Discovery) priorFresh(now time.Time) bool {
	if d.settings.RefreshInterval <= 0 || d.prior == nil {
		return false
	}
	stamp, ok := d.prior[generatedAtKey].(string)
	if !ok {
		return false
	}
	generated, err := time.Parse(time.RFC3339, stamp)
	if err != nil {
		return false
	}
	return now.Sub(generated) < time.Duration(d.settings.RefreshInterval)*time.Second
}

func queryDatabaseNames(ctx context.Context, conn *pgx.Conn) ([]string, error) {
	rows, err := conn.Query(ctx, `
		SELECT datname FROM pg_database
		WHERE NOT datistemplate AND datallowconn
		ORDER BY datname`)
	if err != nil {
		return nil, fmt.Errorf("query pg_database: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan pg_database: %w", err)
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// proposal builds the config result: one postgres instance per database
// under the target block key, plus the freshness stamp.
func (s *DiscoverySettings) proposal(databases []string, now time.Time) map[string]any {
	instances := make([]any, 0, len(databases))
	for _, db := range databases {
		instances = append(instances, map[string]any{
			"name":     s.renderName(db),
			"host":     s.Host,
			"port":     s.Port,
			"user":     s.User,
			"password": s.Password,
			"database": db,
			"sslmode":  s.SSLMode,
		})
	}
	return map[string]any{
		"application": map[string]any{
			s.TargetBlockKey: instances,
		},
		generatedAtKey: now.UTC().Format(time.RFC3339),
	}
}

func (s *DiscoverySettings) renderName(database string) string {
	r := strings.NewReplacer(
		"{host}", s.Host,
		"{port}", strconv.Itoa(s.Port),
		"{database}", database,
	)
	return r.Replace(s.NameFormat)
}
