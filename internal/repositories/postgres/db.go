package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/commerce-dash/settlement/internal/repositories"
)

const (
	driverName             = "pgx"
	defaultMaxOpenConns    = 25
	defaultMaxIdleConns    = 5
	defaultConnMaxLifetime = 30 * time.Minute
	defaultConnMaxIdleTime = 5 * time.Minute
	defaultPingTimeout     = 5 * time.Second
)

// Config holds connection pool settings.
type Config struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	PingTimeout     time.Duration
}

// Open connects to Postgres through the pgx stdlib driver and verifies the connection.
func Open(ctx context.Context, cfg Config) (*sql.DB, error) {
	dsn := strings.TrimSpace(cfg.URL)
	if dsn == "" {
		return nil, errors.New("postgres: database url is required")
	}

	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: open: %w", err)
	}

	db.SetMaxOpenConns(positiveOr(cfg.MaxOpenConns, defaultMaxOpenConns))
	db.SetMaxIdleConns(positiveOr(cfg.MaxIdleConns, defaultMaxIdleConns))
	db.SetConnMaxLifetime(durationOr(cfg.ConnMaxLifetime, defaultConnMaxLifetime))
	db.SetConnMaxIdleTime(durationOr(cfg.ConnMaxIdleTime, defaultConnMaxIdleTime))

	pingCtx, cancel := context.WithTimeout(ctx, durationOr(cfg.PingTimeout, defaultPingTimeout))
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("postgres: ping: %w", WrapError("ping", err))
	}
	return db, nil
}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type txContextKey struct{}

func withTx(ctx context.Context, tx *sql.Tx) context.Context {
	return context.WithValue(ctx, txContextKey{}, tx)
}

func txFromContext(ctx context.Context) (*sql.Tx, bool) {
	if ctx == nil {
		return nil, false
	}
	tx, ok := ctx.Value(txContextKey{}).(*sql.Tx)
	return tx, ok && tx != nil
}

// conn returns the transaction bound to ctx, or the pool when none is active.
func conn(ctx context.Context, db *sql.DB) querier {
	if tx, ok := txFromContext(ctx); ok {
		return tx
	}
	return db
}

// Store bundles every Postgres repository behind repositories.Registry.
type Store struct {
	db   *sql.DB
	unit *UnitOfWork

	orders   *OrderRepository
	carts    *CartRepository
	clients  *ClientRepository
	stock    *StockRepository
	points   *PointLedgerRepository
	revenues *RevenueRepository
	rates    *ExchangeRateRepository
	settings *AffiliateSettingsRepository
	jobs     *SettlementJobRepository
}

var _ repositories.Registry = (*Store)(nil)

// NewStore wires the repositories against a shared pool.
func NewStore(db *sql.DB, opts ...UnitOfWorkOption) (*Store, error) {
	if db == nil {
		return nil, errors.New("postgres: db is required")
	}
	return &Store{
		db:       db,
		unit:     NewUnitOfWork(db, opts...),
		orders:   NewOrderRepository(db),
		carts:    NewCartRepository(db),
		clients:  NewClientRepository(db),
		stock:    NewStockRepository(db),
		points:   NewPointLedgerRepository(db),
		revenues: NewRevenueRepository(db),
		rates:    NewExchangeRateRepository(db),
		settings: NewAffiliateSettingsRepository(db),
		jobs:     NewSettlementJobRepository(db),
	}, nil
}

// DB exposes the pool for health checks and migrations.
func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Close(context.Context) error { return s.db.Close() }

func (s *Store) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return s.unit.RunInTx(ctx, fn)
}

func (s *Store) Orders() repositories.OrderRepository { return s.orders }
func (s *Store) Carts() repositories.CartRepository { return s.carts }
func (s *Store) Clients() repositories.ClientRepository { return s.clients }
func (s *Store) Stock() repositories.StockRepository { return s.stock }
func (s *Store) Points() repositories.PointLedgerRepository { return s.points }
func (s *Store) Revenues() repositories.RevenueRepository { return s.revenues }
func (s *Store) ExchangeRates() repositories.ExchangeRateRepository { return s.rates }
func (s *Store) AffiliateSettings() repositories.AffiliateSettingsRepository {
	return s.settings
}
func (s *Store) SettlementJobs() repositories.SettlementJobRepository { return s.jobs }

func positiveOr(value, fallback int) int {
	if value > 0 {
		return value
	}
	return fallback
}

func durationOr(value, fallback time.Duration) time.Duration {
	if value > 0 {
		return value
	}
	return fallback
}

func nullString(value string) sql.NullString {
	value = strings.TrimSpace(value)
	return sql.NullString{String: value, Valid: value != ""}
}

func nullTimePtr(value sql.NullTime) *time.Time {
	if !value.Valid {
		return nil
	}
	t := value.Time.UTC()
	return &t
}
