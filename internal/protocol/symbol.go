package protocol

import (
	"fmt"
	"strings"

	"chart-ingestor/internal/model"
)

// FormatSymbol 把调用方输入规范化为 SymbolRef。
// ticker 已带 "EXCHANGE:" 前缀时原样保留，忽略 exchange。
// contract 选择期货连续合约 (1 = 近月, 2 = 次月, ...)
func FormatSymbol(ticker, exchange string, contract *int) (model.SymbolRef, error) {
	if ex, tk, ok := strings.Cut(ticker, ":"); ok {
		if ex == "" || tk == "" {
			// 原样透传，Exchange 为空时 Wire() 直接返回 Ticker
			return model.SymbolRef{Ticker: ticker}, nil
		}
		return model.SymbolRef{Exchange: ex, Ticker: tk}, nil
	}
	if contract == nil {
		return model.SymbolRef{Exchange: exchange, Ticker: ticker}, nil
	}
	if *contract < 0 {
		return model.SymbolRef{}, fmt.Errorf("%w: %d", model.ErrInvalidContract, *contract)
	}
	c := *contract
	return model.SymbolRef{Exchange: exchange, Ticker: ticker, Contract: &c}, nil
}
