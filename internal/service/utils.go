package service

import (
	"fmt"
	"strconv"
	"strings"

	"chart-ingestor/internal/model"
)

// ParseTarget 解析一个配置的交易对: "EXCHANGE:TICKER"，
// 或第 n 个期货连续合约 "EXCHANGE:ROOTn!"
func ParseTarget(s string) (model.Target, error) {
	exchange, ticker, err := model.SplitWireSymbol(strings.ToUpper(strings.TrimSpace(s)))
	if err != nil {
		return model.Target{}, fmt.Errorf("%w: %v", model.ErrConfig, err)
	}
	if !strings.HasSuffix(ticker, "!") {
		return model.Target{Ticker: ticker, Exchange: exchange}, nil
	}

	body := strings.TrimSuffix(ticker, "!")
	root := strings.TrimRight(body, "0123456789")
	if root == "" || root == body {
		return model.Target{}, fmt.Errorf("%w: continuation symbol %q needs ROOTn!", model.ErrConfig, s)
	}
	n, err := strconv.Atoi(body[len(root):])
	if err != nil {
		return model.Target{}, fmt.Errorf("%w: %v", model.ErrInvalidContract, err)
	}
	return model.Target{Ticker: root, Exchange: exchange, Contract: &n}, nil
}

// ParseTargets 解析所有交易对并去重，保留第一个
func ParseTargets(symbols []string) ([]model.Target, error) {
	seen := make(map[string]struct{}, len(symbols))
	out := make([]model.Target, 0, len(symbols))
	for _, s := range symbols {
		t, err := ParseTarget(s)
		if err != nil {
			return nil, err
		}
		key := t.String()
		if t.Contract != nil {
			key += strconv.Itoa(*t.Contract)
		}
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, t)
	}
	return out, nil
}
