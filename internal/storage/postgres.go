package storage

import (
	"context"
	"fmt"

	"chart-ingestor/internal/model"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

const createCandlesTable = `
CREATE TABLE IF NOT EXISTS candles_tv (
	symbol   TEXT        NOT NULL,
	exchange TEXT        NOT NULL,
	dt       TIMESTAMPTZ NOT NULL,
	open     NUMERIC     NOT NULL,
	high     NUMERIC     NOT NULL,
	low      NUMERIC     NOT NULL,
	close    NUMERIC     NOT NULL,
	volume   NUMERIC     NOT NULL,
	UNIQUE (symbol, exchange, dt)
)`

const insertCandle = `
INSERT INTO candles_tv (symbol, exchange, dt, open, high, low, close, volume)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT (symbol, exchange, dt) DO NOTHING`

// PostgresStore 通过共享连接池把K线写入 candles_tv 表
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewPostgresStore 建立连接池、ping 并确保表存在
func NewPostgresStore(ctx context.Context, dsn string, maxConns int32, logger *zap.Logger) (*PostgresStore, error) {
	if dsn == "" {
		return nil, fmt.Errorf("%w: empty postgres dsn", model.ErrConfig)
	}
	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: parse dsn: %v", model.ErrConfig, err)
	}
	if maxConns > 0 {
		poolCfg.MaxConns = maxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("open pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &PostgresStore{pool: pool, logger: logger.With(zap.String("Component", "postgres"))}
	if err := s.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	s.logger.Info("Postgres store ready", zap.String("Host", poolCfg.ConnConfig.Host), zap.String("Database", poolCfg.ConnConfig.Database))
	return s, nil
}

func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, createCandlesTable); err != nil {
		return fmt.Errorf("create candles_tv: %w", err)
	}
	return nil
}

// InsertCandles 在一个事务里发送整批数据，
// 冲突的行跳过且不计数
func (s *PostgresStore) InsertCandles(ctx context.Context, records []model.CandleRecord) (int, error) {
	if len(records) == 0 {
		return 0, nil
	}

	batch := &pgx.Batch{}
	for _, r := range records {
		batch.Queue(insertCandle,
			r.Symbol,
			r.Exchange,
			normalizeTime(r.Time),
			r.Open.String(),
			r.High.String(),
			r.Low.String(),
			r.Close.String(),
			r.Volume.String(),
		)
	}

	inserted := 0
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		results := tx.SendBatch(ctx, batch)
		for i := 0; i < batch.Len(); i++ {
			tag, err := results.Exec()
			if err != nil {
				_ = results.Close()
				return err
			}
			inserted += int(tag.RowsAffected())
		}
		return results.Close()
	})
	if err != nil {
		return 0, err
	}
	return inserted, nil
}

func (s *PostgresStore) Close() {
	s.pool.Close()
}
