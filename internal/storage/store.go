// Package storage 持久化K线记录。所有存储都跳过
// (symbol, exchange, time) 已存在的行，从不覆盖
package storage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"chart-ingestor/internal/model"

	"go.uber.org/zap"
)

const (
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
	DriverParquet  = "parquet"
)

// CandleStore 幂等的K线批量写入接口
type CandleStore interface {
	// InsertCandles 整批写入，返回新增行数。
	// 出错时整批都不保留
	InsertCandles(ctx context.Context, records []model.CandleRecord) (int, error)
	Close()
}

// Options 存储的选择和配置
type Options struct {
	Driver     string
	DSN        string // 仅 postgres
	MaxConns   int32  // 仅 postgres，0 使用连接池默认值
	ParquetDir string // 仅 parquet
}

// New 按 opts.Driver 打开对应的存储
func New(ctx context.Context, opts Options, logger *zap.Logger) (CandleStore, error) {
	switch strings.ToLower(strings.TrimSpace(opts.Driver)) {
	case DriverPostgres, "":
		return NewPostgresStore(ctx, opts.DSN, opts.MaxConns, logger)
	case DriverMemory:
		return NewMemoryStore(), nil
	case DriverParquet:
		return NewParquetStore(opts.ParquetDir, logger)
	default:
		return nil, fmt.Errorf("%w: unknown storage driver %q (use postgres, memory or parquet)", model.ErrConfig, opts.Driver)
	}
}

type recordKey struct {
	symbol   string
	exchange string
	unixNano int64
}

func keyOf(r model.CandleRecord) recordKey {
	return recordKey{symbol: r.Symbol, exchange: r.Exchange, unixNano: r.Time.UnixNano()}
}

func normalizeTime(t time.Time) time.Time {
	return t.UTC()
}
