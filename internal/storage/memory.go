package storage

import (
	"context"
	"sort"
	"sync"

	"chart-ingestor/internal/model"
)

// MemoryStore 在进程内保存记录，用于试运行和测试
type MemoryStore struct {
	mu   sync.Mutex
	rows map[recordKey]model.CandleRecord
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rows: make(map[recordKey]model.CandleRecord)}
}

func (m *MemoryStore) InsertCandles(ctx context.Context, records []model.CandleRecord) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	inserted := 0
	for _, r := range records {
		r.Time = normalizeTime(r.Time)
		k := keyOf(r)
		if _, ok := m.rows[k]; ok {
			continue
		}
		m.rows[k] = r
		inserted++
	}
	return inserted, nil
}

// Records 返回按 symbol、exchange、time 排序的快照
func (m *MemoryStore) Records() []model.CandleRecord {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]model.CandleRecord, 0, len(m.rows))
	for _, r := range m.rows {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Symbol != out[j].Symbol {
			return out[i].Symbol < out[j].Symbol
		}
		if out[i].Exchange != out[j].Exchange {
			return out[i].Exchange < out[j].Exchange
		}
		return out[i].Time.Before(out[j].Time)
	})
	return out
}

func (m *MemoryStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.rows)
}

func (m *MemoryStore) Close() {}
