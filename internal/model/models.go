package model

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// UnauthorizedToken 在未登录或登录失败时代替真实的 auth token 发送。
// 服务端仍会推送数据，只是权限受限。
const UnauthorizedToken = "unauthorized_user_token"

// SymbolRef 标识行情图表上的一个品种
type SymbolRef struct {
	Exchange string // 例如 "BINANCE"
	Ticker   string // 例如 "BTCUSDT"
	Contract *int   // 期货连续合约序号，现货为 nil
}

// Wire 返回发送给服务端的格式: EXCHANGE:TICKER 或 EXCHANGE:TICKERn!
func (s SymbolRef) Wire() string {
	if s.Exchange == "" {
		return s.Ticker
	}
	if s.Contract != nil {
		return s.Exchange + ":" + s.Ticker + strconv.Itoa(*s.Contract) + "!"
	}
	return s.Exchange + ":" + s.Ticker
}

func (s SymbolRef) String() string {
	return s.Wire()
}

// SplitWireSymbol 把 EXCHANGE:TICKER 拆成两部分
func SplitWireSymbol(wire string) (exchange, ticker string, err error) {
	exchange, ticker, ok := strings.Cut(wire, ":")
	if !ok || exchange == "" || ticker == "" {
		return "", "", fmt.Errorf("wire symbol %q is not EXCHANGE:TICKER", wire)
	}
	return exchange, ticker, nil
}

// Target 是待采集的 (ticker, exchange)，尚未格式化
type Target struct {
	Ticker   string
	Exchange string
	Contract *int
}

func (t Target) String() string {
	return t.Exchange + "/" + t.Ticker
}

// Session 是单个连接的会话标识
type Session struct {
	AuthToken      string // 登录 token 或 UnauthorizedToken
	QuoteSessionID string // qs_xxxxxxxxxxxx
	ChartSessionID string // cs_xxxxxxxxxxxx
}

// FetchRequest 描述一次历史K线请求
type FetchRequest struct {
	Symbol          SymbolRef
	Interval        Interval
	Bars            int  // 请求的K线数量
	ExtendedSession bool // 盘前盘后时段，而不是常规交易时段
}

// Bar 是服务端推送的一根 OHLCV K线
type Bar struct {
	Time           time.Time
	Open           decimal.Decimal
	High           decimal.Decimal
	Low            decimal.Decimal
	Close          decimal.Decimal
	Volume         decimal.Decimal
	VolumeDegraded bool // 成交量被置零，见 protocol.ParseBars
}

// CandleRecord 是 Bar 的存储形式
// (Symbol, Exchange, Time) 在存储中唯一
type CandleRecord struct {
	Symbol   string
	Exchange string
	Time     time.Time
	Open     decimal.Decimal
	High     decimal.Decimal
	Low      decimal.Decimal
	Close    decimal.Decimal
	Volume   decimal.Decimal
}

// NewCandleRecords 把解析出的K线转换为某个交易对的存储行
func NewCandleRecords(symbol SymbolRef, bars []Bar) ([]CandleRecord, error) {
	exchange, ticker, err := SplitWireSymbol(symbol.Wire())
	if err != nil {
		return nil, err
	}
	records := make([]CandleRecord, 0, len(bars))
	for _, b := range bars {
		records = append(records, CandleRecord{
			Symbol:   ticker,
			Exchange: exchange,
			Time:     b.Time,
			Open:     b.Open,
			High:     b.High,
			Low:      b.Low,
			Close:    b.Close,
			Volume:   b.Volume,
		})
	}
	return records, nil
}
