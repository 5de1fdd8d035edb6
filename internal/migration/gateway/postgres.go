package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

const (
	// PublicationName is the publication created on the source side.
	PublicationName = "blue_to_green_pub"
	// SubscriptionName is the subscription created on the target side.
	SubscriptionName = "green_from_blue_sub"
	// SubscriberIdentity is the application_name the subscription
	// reports under in pg_stat_replication.
	SubscriberIdentity = "green_subscriber"
)

// Postgres implements Gateway against PostgreSQL endpoints. One pool
// is held per endpoint; every operation acquires a connection from the
// pool for its own duration only.
type Postgres struct {
	mu    sync.Mutex
	pools map[string]*pgxpool.Pool
}

var _ Gateway = (*Postgres)(nil)

func NewPostgres() *Postgres {
	return &Postgres{pools: make(map[string]*pgxpool.Pool)}
}

// Close releases all endpoint pools.
func (p *Postgres) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for dsn, pool := range p.pools {
		pool.Close()
		delete(p.pools, dsn)
	}
}

func (p *Postgres) pool(ctx context.Context, ep Endpoint) (*pgxpool.Pool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if pool, ok := p.pools[ep.DSN]; ok {
		return pool, nil
	}
	pool, err := pgxpool.New(ctx, ep.DSN)
	if err != nil {
		return nil, &ConnectionError{Endpoint: ep.Name, Err: err}
	}
	p.pools[ep.DSN] = pool
	return pool, nil
}

func (p *Postgres) Execute(ctx context.Context, ep Endpoint, sql string, args ...any) (int64, error) {
	pool, err := p.pool(ctx, ep)
	if err != nil {
		return 0, err
	}
	tag, err := pool.Exec(ctx, sql, args...)
	if err != nil {
		return 0, &StatementError{Endpoint: ep.Name, Err: err}
	}
	return tag.RowsAffected(), nil
}

func (p *Postgres) Query(ctx context.Context, ep Endpoint, sql string, args ...any) ([]Row, error) {
	pool, err := p.pool(ctx, ep)
	if err != nil {
		return nil, err
	}
	rows, err := pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, &StatementError{Endpoint: ep.Name, Err: err}
	}
	defer rows.Close()

	fields := rows.FieldDescriptions()
	var out []Row
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return nil, &StatementError{Endpoint: ep.Name, Err: err}
		}
		row := make(Row, len(fields))
		for i, fd := range fields {
			row[string(fd.Name)] = values[i]
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, &StatementError{Endpoint: ep.Name, Err: err}
	}
	return out, nil
}

// SetReadOnly flips default_transaction_read_only at the database
// level so the setting holds for every new connection, not only the
// session issuing it.
func (p *Postgres) SetReadOnly(ctx context.Context, ep Endpoint, readOnly bool) error {
	pool, err := p.pool(ctx, ep)
	if err != nil {
		return err
	}
	var dbname string
	if err := pool.QueryRow(ctx, `SELECT current_database()`).Scan(&dbname); err != nil {
		return &StatementError{Endpoint: ep.Name, Err: err}
	}
	mode := "off"
	if readOnly {
		mode = "on"
	}
	stmt := fmt.Sprintf(`ALTER DATABASE %s SET default_transaction_read_only = %s`,
		pgx.Identifier{dbname}.Sanitize(), mode)
	if _, err := pool.Exec(ctx, stmt); err != nil {
		return &StatementError{Endpoint: ep.Name, Err: err}
	}
	log.Info().Str("endpoint", ep.Name).Bool("read_only", readOnly).Msg("read-only mode changed")
	return nil
}

func (p *Postgres) CreateReplicationChannel(ctx context.Context, source, target Endpoint) error {
	src, err := p.pool(ctx, source)
	if err != nil {
		return err
	}
	var exists bool
	err = src.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM pg_publication WHERE pubname = $1)`,
		PublicationName).Scan(&exists)
	if err != nil {
		return &StatementError{Endpoint: source.Name, Err: err}
	}
	if !exists {
		stmt := fmt.Sprintf(`CREATE PUBLICATION %s FOR ALL TABLES`,
			pgx.Identifier{PublicationName}.Sanitize())
		if _, err := src.Exec(ctx, stmt); err != nil {
			return &StatementError{Endpoint: source.Name, Err: err}
		}
		log.Info().Str("endpoint", source.Name).Msg("publication created")
	}

	tgt, err := p.pool(ctx, target)
	if err != nil {
		return err
	}
	err = tgt.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM pg_subscription WHERE subname = $1)`,
		SubscriptionName).Scan(&exists)
	if err != nil {
		return &StatementError{Endpoint: target.Name, Err: err}
	}
	if !exists {
		// CREATE SUBSCRIPTION cannot be parameterized; the connection
		// string is escaped as a literal.
		stmt := fmt.Sprintf(`CREATE SUBSCRIPTION %s CONNECTION %s PUBLICATION %s`,
			pgx.Identifier{SubscriptionName}.Sanitize(),
			quoteLiteral(source.DSN+" application_name="+SubscriberIdentity),
			pgx.Identifier{PublicationName}.Sanitize())
		if _, err := tgt.Exec(ctx, stmt); err != nil {
			return &StatementError{Endpoint: target.Name, Err: err}
		}
		log.Info().Str("endpoint", target.Name).Msg("subscription created")
	}
	return nil
}

func (p *Postgres) DropReplicationChannel(ctx context.Context, source, target Endpoint) error {
	// Subscription first: dropping the publication while a subscriber
	// still consumes it leaves a dangling consumer.
	tgt, err := p.pool(ctx, target)
	if err != nil {
		return err
	}
	stmt := fmt.Sprintf(`DROP SUBSCRIPTION IF EXISTS %s`, pgx.Identifier{SubscriptionName}.Sanitize())
	if _, err := tgt.Exec(ctx, stmt); err != nil {
		return &StatementError{Endpoint: target.Name, Err: err}
	}

	src, err := p.pool(ctx, source)
	if err != nil {
		return err
	}
	stmt = fmt.Sprintf(`DROP PUBLICATION IF EXISTS %s`, pgx.Identifier{PublicationName}.Sanitize())
	if _, err := src.Exec(ctx, stmt); err != nil {
		return &StatementError{Endpoint: source.Name, Err: err}
	}
	return nil
}

func (p *Postgres) ReplicationStatus(ctx context.Context, source Endpoint) (*LagMeasurement, error) {
	pool, err := p.pool(ctx, source)
	if err != nil {
		return nil, err
	}
	const q = `SELECT
		COALESCE(EXTRACT(EPOCH FROM (now() - reply_time))::float8, 0) AS lag_seconds,
		COALESCE(pg_wal_lsn_diff(sent_lsn, replay_lsn)::bigint, 0) AS lag_bytes
	FROM pg_stat_replication
	WHERE application_name = $1`
	var m LagMeasurement
	err = pool.QueryRow(ctx, q, SubscriberIdentity).Scan(&m.LagSeconds, &m.LagBytes)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, &StatementError{Endpoint: source.Name, Err: err}
	}
	return &m, nil
}

func (p *Postgres) RecentCommitActivity(ctx context.Context, ep Endpoint) (bool, error) {
	pool, err := p.pool(ctx, ep)
	if err != nil {
		return false, err
	}
	const q = `SELECT xact_commit > 0
	FROM pg_stat_database
	WHERE datname = current_database()`
	var active bool
	err = pool.QueryRow(ctx, q).Scan(&active)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, &StatementError{Endpoint: ep.Name, Err: err}
	}
	return active, nil
}

// quoteLiteral escapes s as a single-quoted SQL string literal.
func quoteLiteral(s string) string {
	out := make([]byte, 0, len(s)+2)
	out = append(out, '\'')
	for i := 0; i < len(s); i++ {
		if s[i] == '\'' {
			out = append(out, '\'')
		}
		out = append(out, s[i])
	}
	out = append(out, '\'')
	return string(out)
}
