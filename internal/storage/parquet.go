package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"chart-ingestor/internal/model"

	"github.com/parquet-go/parquet-go"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// parquetCandle 是单个交易对文件中的一行，价格保持十进制文本
type parquetCandle struct {
	Symbol   string `parquet:"symbol"`
	Exchange string `parquet:"exchange"`
	DtMillis int64  `parquet:"dt_ms"`
	Open     string `parquet:"open"`
	High     string `parquet:"high"`
	Low      string `parquet:"low"`
	Close    string `parquet:"close"`
	Volume   string `parquet:"volume"`
}

// 文件名转义：先转义 %，保证不同名称映射到不同文件
var nameEscaper = strings.NewReplacer("%", "%25", "/", "%2F", ":", "%3A", "\\", "%5C")

// ParquetStore 在 dir 下按交易所分目录，每个交易对一个文件
type ParquetStore struct {
	dir    string
	mu     sync.Mutex
	logger *zap.Logger

	rename func(oldPath, newPath string) error
}

func NewParquetStore(dir string, logger *zap.Logger) (*ParquetStore, error) {
	if dir == "" {
		return nil, fmt.Errorf("%w: parquet store needs a directory", model.ErrConfig)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create parquet dir: %w", err)
	}
	return &ParquetStore{
		dir:    dir,
		logger: logger.With(zap.String("Component", "parquet")),
		rename: os.Rename,
	}, nil
}

// Path 返回交易对所在的文件: dir/EXCHANGE/SYMBOL.parquet
func (p *ParquetStore) Path(exchange, symbol string) string {
	return filepath.Join(p.dir,
		nameEscaper.Replace(strings.ToUpper(exchange)),
		nameEscaper.Replace(strings.ToUpper(symbol))+".parquet")
}

// stagedFile 是一次批量写入中待替换的文件
type stagedFile struct {
	tmp, path, backup string
	replaced          bool
}

// InsertCandles 把新行合并进每个交易对文件并整体替换。
// 整批要么全部生效，要么全部回滚：任何一步失败都恢复原文件。
func (p *ParquetStore) InsertCandles(ctx context.Context, records []model.CandleRecord) (int, error) {
	if len(records) == 0 {
		return 0, nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	groups := make(map[string][]model.CandleRecord)
	var order []string
	for _, r := range records {
		path := p.Path(r.Exchange, r.Symbol)
		if _, ok := groups[path]; !ok {
			order = append(order, path)
		}
		groups[path] = append(groups[path], r)
	}

	// 1. 先写出所有临时文件，任何一个失败都不动原文件
	var staged []*stagedFile
	discard := func() {
		for _, s := range staged {
			_ = os.Remove(s.tmp)
		}
	}

	inserted := 0
	for _, path := range order {
		if err := ctx.Err(); err != nil {
			discard()
			return 0, err
		}
		existing, err := readCandles(path)
		if err != nil {
			discard()
			return 0, err
		}
		seen := make(map[int64]struct{}, len(existing))
		for _, row := range existing {
			seen[row.DtMillis] = struct{}{}
		}

		added := 0
		for _, r := range groups[path] {
			row := toParquet(r)
			if _, ok := seen[row.DtMillis]; ok {
				continue
			}
			seen[row.DtMillis] = struct{}{}
			existing = append(existing, row)
			added++
		}
		if added == 0 {
			continue
		}
		sort.Slice(existing, func(i, j int) bool { return existing[i].DtMillis < existing[j].DtMillis })

		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			discard()
			return 0, fmt.Errorf("create %s: %w", filepath.Dir(path), err)
		}
		tmp := path + ".tmp"
		if err := parquet.WriteFile(tmp, existing); err != nil {
			_ = os.Remove(tmp)
			discard()
			return 0, fmt.Errorf("write %s: %w", filepath.Base(path), err)
		}
		staged = append(staged, &stagedFile{tmp: tmp, path: path})
		inserted += added
	}

	// 2. 逐个替换，原文件先挪到 .bak
	for _, s := range staged {
		if err := p.replace(s); err != nil {
			p.rollback(staged)
			discard()
			return 0, fmt.Errorf("replace %s: %w", filepath.Base(s.path), err)
		}
	}

	// 3. 全部成功后才删除备份
	for _, s := range staged {
		if s.backup != "" {
			_ = os.Remove(s.backup)
		}
		p.logger.Debug("parquet file updated", zap.String("File", s.path))
	}
	return inserted, nil
}

func (p *ParquetStore) replace(s *stagedFile) error {
	if _, err := os.Stat(s.path); err == nil {
		backup := s.path + ".bak"
		if err := p.rename(s.path, backup); err != nil {
			return err
		}
		s.backup = backup
	} else if !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	if err := p.rename(s.tmp, s.path); err != nil {
		return err
	}
	s.replaced = true
	return nil
}

// rollback 恢复已经被替换或挪走的原文件
func (p *ParquetStore) rollback(staged []*stagedFile) {
	for _, s := range staged {
		if s.replaced && s.backup == "" {
			// 原来没有这个文件
			if err := os.Remove(s.path); err != nil {
				p.logger.Error("rollback remove failed", zap.String("File", s.path), zap.Error(err))
			}
			continue
		}
		if s.backup == "" {
			continue
		}
		if err := os.Rename(s.backup, s.path); err != nil {
			p.logger.Error("rollback restore failed", zap.String("File", s.path), zap.Error(err))
		}
	}
}

// Read 按时间顺序返回某个交易对已存储的K线
func (p *ParquetStore) Read(exchange, symbol string) ([]model.CandleRecord, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	rows, err := readCandles(p.Path(exchange, symbol))
	if err != nil {
		return nil, err
	}
	out := make([]model.CandleRecord, 0, len(rows))
	for _, row := range rows {
		r, err := fromParquet(row)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

func (p *ParquetStore) Close() {}

func readCandles(path string) ([]parquetCandle, error) {
	rows, err := parquet.ReadFile[parquetCandle](path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", filepath.Base(path), err)
	}
	return rows, nil
}

func toParquet(r model.CandleRecord) parquetCandle {
	return parquetCandle{
		Symbol:   r.Symbol,
		Exchange: r.Exchange,
		DtMillis: r.Time.UnixMilli(),
		Open:     r.Open.String(),
		High:     r.High.String(),
		Low:      r.Low.String(),
		Close:    r.Close.String(),
		Volume:   r.Volume.String(),
	}
}

func fromParquet(row parquetCandle) (model.CandleRecord, error) {
	var vals [5]decimal.Decimal
	for i, s := range []string{row.Open, row.High, row.Low, row.Close, row.Volume} {
		v, err := decimal.NewFromString(s)
		if err != nil {
			return model.CandleRecord{}, fmt.Errorf("stored value %q: %w", s, err)
		}
		vals[i] = v
	}
	return model.CandleRecord{
		Symbol:   row.Symbol,
		Exchange: row.Exchange,
		Time:     time.UnixMilli(row.DtMillis).UTC(),
		Open:     vals[0],
		High:     vals[1],
		Low:      vals[2],
		Close:    vals[3],
		Volume:   vals[4],
	}, nil
}
