package protocol

import (
	"context"
	"fmt"

	"chart-ingestor/internal/model"
)

// Sender 向连接写入一个已编码的帧
type Sender interface {
	Send(ctx context.Context, frame string) error
}

// SenderFunc 把函数适配为 Sender
type SenderFunc func(ctx context.Context, frame string) error

func (f SenderFunc) Send(ctx context.Context, frame string) error {
	return f(ctx, frame)
}

// QuoteFields 是 quote_set_fields 发送的字段列表，必须原样发送
var QuoteFields = []string{
	"ch",
	"chp",
	"current_session",
	"description",
	"local_description",
	"language",
	"exchange",
	"fractional",
	"is_tradable",
	"lp",
	"lp_time",
	"minmov",
	"minmove2",
	"original_name",
	"pricescale",
	"pro_name",
	"short_name",
	"type",
	"update_mode",
	"volume",
	"currency_code",
	"rchp",
	"rtc",
}

const (
	seriesSymbolID = "symbol_1"
	seriesID       = "s1"
)

// Step 一条握手消息
type Step struct {
	Name   string
	Params []any
}

type symbolDescriptor struct {
	Symbol     string `json:"symbol"`
	Adjustment string `json:"adjustment"`
	Session    string `json:"session"`
}

// HandshakeSteps 按顺序构造打开K线数据流的消息
func HandshakeSteps(session model.Session, req model.FetchRequest) ([]Step, error) {
	symbol := req.Symbol.Wire()
	qs, cs := session.QuoteSessionID, session.ChartSessionID

	tradingSession := "regular"
	if req.ExtendedSession {
		tradingSession = "extended"
	}
	descriptor, err := compactJSON(symbolDescriptor{Symbol: symbol, Adjustment: "splits", Session: tradingSession})
	if err != nil {
		return nil, fmt.Errorf("encode symbol descriptor: %w", err)
	}

	fields := make([]any, 0, len(QuoteFields)+1)
	fields = append(fields, qs)
	for _, f := range QuoteFields {
		fields = append(fields, f)
	}

	return []Step{
		{"set_auth_token", []any{session.AuthToken}},
		{"chart_create_session", []any{cs, ""}},
		{"quote_create_session", []any{qs}},
		{"quote_set_fields", fields},
		{"quote_add_symbols", []any{qs, symbol, map[string][]string{"flags": {"force_permission"}}}},
		{"quote_fast_symbols", []any{qs, symbol}},
		{"resolve_symbol", []any{cs, seriesSymbolID, "=" + descriptor}},
		{"create_series", []any{cs, seriesID, seriesID, seriesSymbolID, req.Interval.Token(), req.Bars}},
		{"switch_timezone", []any{cs, "exchange"}},
	}, nil
}

// Handshake 按顺序发送每一步，遇到第一个错误即停止
func Handshake(ctx context.Context, sender Sender, session model.Session, req model.FetchRequest) error {
	steps, err := HandshakeSteps(session, req)
	if err != nil {
		return err
	}
	for _, step := range steps {
		frame, err := Frame(step.Name, step.Params)
		if err != nil {
			return fmt.Errorf("%w: %s: %v", model.ErrHandshake, step.Name, err)
		}
		if err := sender.Send(ctx, frame); err != nil {
			return fmt.Errorf("%w: %s: %w", model.ErrHandshake, step.Name, err)
		}
	}
	return nil
}
