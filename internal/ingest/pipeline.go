package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"chart-ingestor/internal/model"
	"chart-ingestor/internal/protocol"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

// pipeline 对单个目标依次执行格式化、请求、解析、存储，并填充 res
func (o *Orchestrator) pipeline(ctx context.Context, res *SymbolResult) {
	res.Stage = StageFormat
	symbol, err := protocol.FormatSymbol(res.Target.Ticker, res.Target.Exchange, res.Target.Contract)
	if err != nil {
		res.Status, res.Err = StatusFailed, err
		return
	}
	res.Symbol = symbol.Wire()

	res.Stage = StageFetch
	req := model.FetchRequest{
		Symbol:          symbol,
		Interval:        o.cfg.Interval,
		Bars:            o.cfg.Bars,
		ExtendedSession: o.cfg.ExtendedSession,
	}
	read, fetchErr := o.fetchWithRetry(ctx, req, &res.Attempts)
	// 没有收到数据，或服务端拒绝 (即使之前已有部分数据)，直接失败
	if fetchErr != nil && (read.Buffer == "" || errors.Is(fetchErr, model.ErrVendor)) {
		res.Status, res.Err = StatusFailed, fetchErr
		return
	}
	res.Partial = read.State != protocol.StateCompleted

	res.Stage = StageParse
	bars, err := protocol.ParseBars(read.Buffer)
	if err != nil {
		if fetchErr != nil {
			// 数据流中断且没有K线，属于请求失败，不是空结果
			res.Stage = StageFetch
			res.Status, res.Err = StatusFailed, fmt.Errorf("%w (%v)", fetchErr, err)
			return
		}
		res.Status, res.Err = StatusNoData, err
		return
	}
	res.Bars = len(bars)
	for _, b := range bars {
		if b.VolumeDegraded {
			res.Degraded = true
			break
		}
	}

	res.Stage = StagePersist
	records, err := model.NewCandleRecords(symbol, bars)
	if err != nil {
		res.Status, res.Err = StatusFailed, fmt.Errorf("%w: %w", model.ErrPersist, err)
		return
	}
	inserted, err := o.store.InsertCandles(ctx, records)
	if err != nil {
		res.Status, res.Err = StatusFailed, fmt.Errorf("%w: %w", model.ErrPersist, err)
		return
	}
	res.Inserted = inserted
	res.Status = StatusOK
}

// fetchWithRetry 对连接错误和失败的数据流做有上限的指数退避重试。
// 服务端拒绝不重试。重试用尽后
// 返回缓冲最长的那次结果和最后一个错误
func (o *Orchestrator) fetchWithRetry(ctx context.Context, req model.FetchRequest, attempts *int) (protocol.ReadResult, error) {
	logger := o.logger.With(zap.String("Symbol", req.Symbol.Wire()))

	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = o.cfg.RetryInitial
	expo.MaxInterval = o.cfg.RetryMax
	expo.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(expo, uint64(o.cfg.MaxRetries)), ctx)

	var best protocol.ReadResult
	operation := func() error {
		*attempts++
		attemptCtx, cancel := context.WithTimeout(ctx, o.cfg.FetchTimeout)
		defer cancel()

		read, err := o.fetcher.Fetch(attemptCtx, req)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(err)
			}
			return err
		}
		if read.State == protocol.StateCompleted {
			best = read
			return nil
		}
		if len(read.Buffer) >= len(best.Buffer) {
			best = read
		}
		if read.Err == nil {
			read.Err = fmt.Errorf("%w: stream ended in state %s", model.ErrStream, read.State)
		}
		if errors.Is(read.Err, model.ErrVendor) || ctx.Err() != nil {
			return backoff.Permanent(read.Err)
		}
		return read.Err
	}
	notify := func(err error, wait time.Duration) {
		logger.Warn("fetch failed, retrying", zap.Int("Attempt", *attempts), zap.Duration("Wait", wait), zap.Error(err))
	}

	err := backoff.RetryNotify(operation, policy, notify)
	return best, err
}
