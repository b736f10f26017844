package ingest

import (
	"fmt"
	"time"

	"chart-ingestor/internal/model"

	"go.uber.org/multierr"
)

// Stage 交易对处理到的阶段
type Stage string

const (
	StageFormat  Stage = "format"
	StageFetch   Stage = "fetch"
	StageParse   Stage = "parse"
	StagePersist Stage = "persist"
)

// Status 单个交易对的处理结果
type Status string

const (
	StatusOK      Status = "ok"
	StatusNoData  Status = "no_data" // 数据流完成但没有可解析的K线，不算失败
	StatusFailed  Status = "failed"
	StatusSkipped Status = "skipped" // 运行已取消，未启动
)

// SymbolResult 单个 (ticker, exchange) 的处理结果
type SymbolResult struct {
	Target   model.Target
	Symbol   string // 协议格式的 symbol，格式化失败时为空
	Stage    Stage  // 最后进入的阶段
	Status   Status
	Attempts int  // 实际请求次数
	Partial  bool // 数据流在 series_completed 之前结束
	Bars     int
	Inserted int
	Degraded bool // 部分K线成交量被置零
	Elapsed  time.Duration
	Err      error
}

// Report 按输入顺序记录每个目标的结果
type Report struct {
	Results []SymbolResult
	Elapsed time.Duration
}

func (r *Report) filter(keep func(SymbolResult) bool) []SymbolResult {
	var out []SymbolResult
	for _, res := range r.Results {
		if keep(res) {
			out = append(out, res)
		}
	}
	return out
}

func (r *Report) Succeeded() []SymbolResult {
	return r.filter(func(res SymbolResult) bool { return res.Status == StatusOK })
}

func (r *Report) Failed() []SymbolResult {
	return r.filter(func(res SymbolResult) bool { return res.Status == StatusFailed })
}

func (r *Report) NoData() []SymbolResult {
	return r.filter(func(res SymbolResult) bool { return res.Status == StatusNoData })
}

func (r *Report) Skipped() []SymbolResult {
	return r.filter(func(res SymbolResult) bool { return res.Status == StatusSkipped })
}

// Inserted 返回新增行总数
func (r *Report) Inserted() int {
	n := 0
	for _, res := range r.Results {
		n += res.Inserted
	}
	return n
}

// Err 合并失败和跳过的错误，no_data 不计入
func (r *Report) Err() error {
	var err error
	for _, res := range r.Results {
		if res.Status != StatusFailed && res.Status != StatusSkipped {
			continue
		}
		err = multierr.Append(err, fmt.Errorf("%s at %s: %w", res.Target, res.Stage, res.Err))
	}
	return err
}
