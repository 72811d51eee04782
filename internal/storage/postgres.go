package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/skalibog/macross/internal/config"
	"github.com/skalibog/macross/pkg/models"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS equity (
	ts     TIMESTAMPTZ NOT NULL,
	equity NUMERIC     NOT NULL
);
CREATE TABLE IF NOT EXISTS decisions (
	tick           TIMESTAMPTZ NOT NULL,
	symbol         TEXT        NOT NULL,
	stage          TEXT        NOT NULL,
	signal         TEXT        NOT NULL,
	outcome        TEXT        NOT NULL,
	reason         TEXT,
	reservation_id TEXT,
	price          NUMERIC,
	quantity       NUMERIC,
	error          TEXT
);
CREATE TABLE IF NOT EXISTS trades (
	symbol       TEXT        NOT NULL,
	side         TEXT        NOT NULL,
	entry_price  NUMERIC     NOT NULL,
	exit_price   NUMERIC     NOT NULL,
	quantity     NUMERIC     NOT NULL,
	leverage     INT         NOT NULL,
	realized_pnl NUMERIC     NOT NULL,
	opened_at    TIMESTAMPTZ NOT NULL,
	closed_at    TIMESTAMPTZ NOT NULL
);`

// PostgresStorage журнал в Postgres через пул pgx
type PostgresStorage struct {
	pool *pgxpool.Pool
}

// NewPostgresStorage открывает пул и создает таблицы
func NewPostgresStorage(ctx context.Context, cfg config.StorageConfig) (*PostgresStorage, error) {
	pool, err := pgxpool.New(ctx, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ошибка соединения с Postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ошибка создания схемы: %w", err)
	}
	return &PostgresStorage{pool: pool}, nil
}

func (s *PostgresStorage) Close() { s.pool.Close() }

func (s *PostgresStorage) SaveEquity(ctx context.Context, sample models.EquitySample) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO equity (ts, equity) VALUES ($1, $2::numeric)`,
		sample.Timestamp, sample.Equity.String())
	if err != nil {
		return fmt.Errorf("pg.SaveEquity: %w", err)
	}
	return nil
}

func (s *PostgresStorage) SaveDecision(ctx context.Context, d models.Decision) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO decisions (tick, symbol, stage, signal, outcome, reason, reservation_id, price, quantity, error)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8::numeric, $9::numeric, $10)`,
		d.Tick, d.Symbol, string(d.Stage), string(d.Signal), string(d.Outcome),
		d.Reason, d.ReservationID, d.Price.String(), d.Quantity.String(), d.Error)
	if err != nil {
		return fmt.Errorf("pg.SaveDecision: %w", err)
	}
	return nil
}

// SaveTrade пишет сделку в отдельной транзакции
func (s *PostgresStorage) SaveTrade(ctx context.Context, t models.ClosedTrade) error {
	err := pgx.BeginTxFunc(ctx, s.pool, pgx.TxOptions{IsoLevel: pgx.ReadCommitted}, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx,
			`INSERT INTO trades (symbol, side, entry_price, exit_price, quantity, leverage, realized_pnl, opened_at, closed_at)
			 VALUES ($1, $2, $3::numeric, $4::numeric, $5::numeric, $6, $7::numeric, $8, $9)`,
			t.Position.Symbol, string(t.Position.Side), t.Position.EntryPrice.String(), t.ExitPrice.String(),
			t.Position.Quantity.String(), t.Position.Leverage, t.RealizedPnL.String(),
			t.Position.OpenedAt, t.ClosedAt)
		return err
	})
	if err != nil {
		return fmt.Errorf("pg.SaveTrade: %w", err)
	}
	return nil
}

func (s *PostgresStorage) RecentEquity(ctx context.Context, limit int) ([]models.EquitySample, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT ts, equity::text FROM (
			SELECT ts, equity FROM equity ORDER BY ts DESC LIMIT $1
		) recent ORDER BY ts`, limit)
	if err != nil {
		return nil, fmt.Errorf("pg.RecentEquity: %w", err)
	}
	defer rows.Close()

	var samples []models.EquitySample
	for rows.Next() {
		var (
			ts     time.Time
			equity string
		)
		if err := rows.Scan(&ts, &equity); err != nil {
			return nil, fmt.Errorf("pg.RecentEquity: %w", err)
		}
		value, err := decimal.NewFromString(equity)
		if err != nil {
			return nil, fmt.Errorf("pg.RecentEquity: %w", err)
		}
		samples = append(samples, models.EquitySample{Timestamp: ts, Equity: value})
	}
	return samples, rows.Err()
}
