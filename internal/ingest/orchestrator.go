// Package ingest 为每个交易对并发执行请求、解析、存储
package ingest

import (
	"context"
	"fmt"
	"time"

	"chart-ingestor/internal/model"
	"chart-ingestor/internal/protocol"
	"chart-ingestor/internal/storage"

	"github.com/sourcegraph/conc/panics"
	"github.com/sourcegraph/conc/pool"
	"go.uber.org/zap"
)

const (
	DefaultBars          = 5000
	DefaultStartDelay    = time.Second
	DefaultMaxConcurrent = 8
	DefaultFetchTimeout  = 60 * time.Second
	DefaultMaxRetries    = 3
	DefaultRetryInitial  = time.Second
	DefaultRetryMax      = 10 * time.Second
)

// Fetcher 在独立连接上执行一次K线请求，
// 生产实现是 api.Connector
type Fetcher interface {
	Fetch(ctx context.Context, req model.FetchRequest) (protocol.ReadResult, error)
}

// Config 调度器配置。除 StartDelay 和 MaxRetries 外，零值使用上面的默认值
type Config struct {
	Interval        model.Interval
	Bars            int
	ExtendedSession bool
	StartDelay      time.Duration // 两次启动之间的间隔
	MaxConcurrent   int           // 最大同时连接数
	FetchTimeout    time.Duration // 单次请求超时
	MaxRetries      int           // 首次之外的重试次数
	RetryInitial    time.Duration
	RetryMax        time.Duration
}

func (c Config) withDefaults() Config {
	if c.Interval == "" {
		c.Interval = model.In1Minute
	}
	if c.Bars <= 0 {
		c.Bars = DefaultBars
	}
	if c.StartDelay < 0 {
		c.StartDelay = 0
	}
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = DefaultMaxConcurrent
	}
	if c.FetchTimeout <= 0 {
		c.FetchTimeout = DefaultFetchTimeout
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.RetryInitial <= 0 {
		c.RetryInitial = DefaultRetryInitial
	}
	if c.RetryMax <= 0 {
		c.RetryMax = DefaultRetryMax
	}
	return c
}

// Span 是一次请求覆盖的大致时间跨度 (Bars 根K线)
func (c Config) Span() time.Duration {
	return time.Duration(c.Bars) * c.Interval.Duration()
}

// Orchestrator 在有上限的协程池里错峰启动每个交易对的处理
type Orchestrator struct {
	cfg     Config
	fetcher Fetcher
	store   storage.CandleStore
	logger  *zap.Logger
}

func NewOrchestrator(cfg Config, fetcher Fetcher, store storage.CandleStore, logger *zap.Logger) *Orchestrator {
	cfg = cfg.withDefaults()
	logger.Info("Orchestrator initialized",
		zap.String("Interval", cfg.Interval.Token()),
		zap.Int("Bars", cfg.Bars),
		zap.Duration("Span", cfg.Span()),
		zap.Int("MaxConcurrent", cfg.MaxConcurrent),
		zap.Duration("StartDelay", cfg.StartDelay),
		zap.Int("MaxRetries", cfg.MaxRetries),
	)
	return &Orchestrator{
		cfg:     cfg,
		fetcher: fetcher,
		store:   store,
		logger:  logger.With(zap.String("Component", "ingest")),
	}
}

// Run 按列表顺序为每个目标启动处理，每次启动间隔 StartDelay，
// 所有已启动的处理结束后返回。单个失败或 panic
// 不影响其他交易对。ctx 取消时尚未启动的目标
// 记为 skipped
func (o *Orchestrator) Run(ctx context.Context, targets []model.Target) *Report {
	start := time.Now()
	report := &Report{Results: make([]SymbolResult, len(targets))}
	p := pool.New().WithMaxGoroutines(o.cfg.MaxConcurrent)

	for i, target := range targets {
		launch := ctx.Err() == nil
		if launch && i > 0 {
			launch = sleepCtx(ctx, o.cfg.StartDelay)
		}
		if !launch {
			for j := i; j < len(targets); j++ {
				report.Results[j] = SymbolResult{Target: targets[j], Stage: StageFormat, Status: StatusSkipped, Err: ctx.Err()}
			}
			o.logger.Warn("run cancelled, remaining symbols skipped", zap.Int("Skipped", len(targets)-i))
			break
		}
		p.Go(func() {
			report.Results[i] = o.runIsolated(ctx, target)
		})
	}
	p.Wait()

	report.Elapsed = time.Since(start)
	o.logger.Info("Ingestion finished",
		zap.Int("Symbols", len(targets)),
		zap.Int("Succeeded", len(report.Succeeded())),
		zap.Int("NoData", len(report.NoData())),
		zap.Int("Failed", len(report.Failed())),
		zap.Int("Skipped", len(report.Skipped())),
		zap.Int("Inserted", report.Inserted()),
		zap.Duration("Elapsed", report.Elapsed),
	)
	return report
}

// runIsolated 把处理中的 panic 转成失败结果
func (o *Orchestrator) runIsolated(ctx context.Context, target model.Target) SymbolResult {
	start := time.Now()
	res := SymbolResult{Target: target, Stage: StageFormat}

	var catcher panics.Catcher
	catcher.Try(func() { o.pipeline(ctx, &res) })
	if r := catcher.Recovered(); r != nil {
		res.Status = StatusFailed
		res.Err = fmt.Errorf("pipeline panic: %w", r.AsError())
	}
	res.Elapsed = time.Since(start)

	o.logResult(res)
	return res
}

func (o *Orchestrator) logResult(res SymbolResult) {
	fields := []zap.Field{
		zap.String("Target", res.Target.String()),
		zap.String("Symbol", res.Symbol),
		zap.String("Stage", string(res.Stage)),
		zap.Int("Attempts", res.Attempts),
		zap.Int("Bars", res.Bars),
		zap.Int("Inserted", res.Inserted),
		zap.Duration("Elapsed", res.Elapsed),
	}
	switch res.Status {
	case StatusOK:
		if res.Partial || res.Degraded {
			o.logger.Warn("symbol stored with gaps", append(fields, zap.Bool("Partial", res.Partial), zap.Bool("VolumeDegraded", res.Degraded))...)
			return
		}
		o.logger.Info("symbol stored", fields...)
	case StatusNoData:
		o.logger.Warn("no data for symbol", append(fields, zap.Error(res.Err))...)
	default:
		o.logger.Error("symbol failed", append(fields, zap.Error(res.Err))...)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
