package api

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"chart-ingestor/internal/model"

	"github.com/go-resty/resty/v2"
	"github.com/patrickmn/go-cache"
	"github.com/sourcegraph/conc/iter"
	"go.uber.org/zap"
)

const DefaultSearchURL = "https://symbol-search.tradingview.com/symbol_search/"

// 搜索结果中包裹匹配文本的高亮标签
var highlightReplacer = strings.NewReplacer("<em>", "", "</em>", "")

// SymbolInfo 一条搜索结果
type SymbolInfo struct {
	Symbol       string `json:"symbol"`
	Description  string `json:"description"`
	Type         string `json:"type"`
	Exchange     string `json:"exchange"`
	CurrencyCode string `json:"currency_code"`
	ProviderID   string `json:"provider_id"`
	Country      string `json:"country"`
}

// SearchClient 通过 REST 搜索接口查找交易对
type SearchClient struct {
	client    *resty.Client
	searchURL string
	cache     *cache.Cache
	logger    *zap.Logger
}

func NewSearchClient(searchURL string, timeout, cacheTTL time.Duration, logger *zap.Logger) *SearchClient {
	if searchURL == "" {
		searchURL = DefaultSearchURL
	}
	c := resty.New().
		SetTimeout(timeout).
		SetHeader("Origin", "https://www.tradingview.com").
		SetHeader("Accept", "application/json")

	return &SearchClient{
		client:    c,
		searchURL: searchURL,
		cache:     cache.New(cacheTTL, 2*cacheTTL),
		logger:    logger.With(zap.String("Component", "search")),
	}
}

// Search 搜索 text，exchange 非空时只查该交易所
func (s *SearchClient) Search(ctx context.Context, text, exchange string) ([]SymbolInfo, error) {
	key := text + "|" + exchange
	if v, ok := s.cache.Get(key); ok {
		return v.([]SymbolInfo), nil
	}

	resp, err := s.client.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"text":     text,
			"hl":       "1",
			"exchange": exchange,
			"lang":     "en",
			"type":     "",
			"domain":   "production",
		}).
		Get(s.searchURL)
	if err != nil {
		return nil, fmt.Errorf("symbol search %q: %w", text, err)
	}
	if !resp.IsSuccess() {
		return nil, fmt.Errorf("symbol search %q: status %s", text, resp.Status())
	}

	symbols, err := decodeSearch(resp.Body())
	if err != nil {
		return nil, fmt.Errorf("symbol search %q: %w", text, err)
	}
	s.cache.SetDefault(key, symbols)
	return symbols, nil
}

// decodeSearch 同时兼容裸列表和 {"symbols":[...]} 包装
func decodeSearch(body []byte) ([]SymbolInfo, error) {
	clean := []byte(highlightReplacer.Replace(string(body)))

	var list []SymbolInfo
	if err := json.Unmarshal(clean, &list); err == nil {
		return list, nil
	}
	var envelope struct {
		Symbols []SymbolInfo `json:"symbols"`
	}
	if err := json.Unmarshal(clean, &envelope); err != nil {
		return nil, err
	}
	return envelope.Symbols, nil
}

// FilterSpot 只保留 symbol 恰好为 coin+quote 的现货
func FilterSpot(results []SymbolInfo, coin, quote string) []model.Target {
	want := coin + quote
	var out []model.Target
	for _, r := range results {
		if r.Type == "spot" && r.Symbol == want {
			out = append(out, model.Target{Ticker: r.Symbol, Exchange: r.Exchange})
		}
	}
	return out
}

// SpotTargets 返回 coin+quote 的所有现货 (symbol, exchange)。
// 搜索失败只记日志，返回空
func (s *SearchClient) SpotTargets(ctx context.Context, coin, quote string) []model.Target {
	results, err := s.Search(ctx, coin+quote, "")
	if err != nil {
		s.logger.Error("search failed", zap.String("Coin", coin), zap.Error(err))
		return nil
	}
	return FilterSpot(results, coin, quote)
}

// SymbolExchangePairs 并发搜索所有币种，按币种顺序展开现货列表
func (s *SearchClient) SymbolExchangePairs(ctx context.Context, coins []string, quote string) []model.Target {
	perCoin := iter.Map(coins, func(coin *string) []model.Target {
		return s.SpotTargets(ctx, *coin, quote)
	})
	var out []model.Target
	for _, targets := range perCoin {
		out = append(out, targets...)
	}
	return out
}
