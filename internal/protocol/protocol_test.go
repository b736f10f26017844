package protocol

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"testing"

	"chart-ingestor/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestNewSession(t *testing.T) {
	pattern := regexp.MustCompile(`^[a-z]{12}$`)
	s := NewSession("tok")
	assert.Equal(t, "tok", s.AuthToken)
	require.True(t, strings.HasPrefix(s.QuoteSessionID, "qs_"))
	require.True(t, strings.HasPrefix(s.ChartSessionID, "cs_"))
	assert.Regexp(t, pattern, strings.TrimPrefix(s.QuoteSessionID, "qs_"))
	assert.Regexp(t, pattern, strings.TrimPrefix(s.ChartSessionID, "cs_"))

	seen := make(map[string]bool)
	for i := 0; i < 200; i++ {
		id := NewSession("").ChartSessionID
		assert.False(t, seen[id], "session id reused: %s", id)
		seen[id] = true
	}
}

func TestFrameRoundTrip(t *testing.T) {
	cases := []struct {
		name   string
		params []any
	}{
		{"set_auth_token", []any{"unauthorized_user_token"}},
		{"chart_create_session", []any{"cs_abcdefghijkl", ""}},
		{"create_series", []any{"cs_x", "s1", "s1", "symbol_1", "1D", 5000}},
		{"resolve_symbol", []any{"cs_x", "symbol_1", `={"symbol":"A&B<C>"}`}},
		{"unicode", []any{"München", "€"}},
		{"empty", nil},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			frame, err := Frame(tc.name, tc.params)
			require.NoError(t, err)

			rest := strings.TrimPrefix(frame, "~m~")
			lenStr, payload, ok := strings.Cut(rest, "~m~")
			require.True(t, ok)
			n, err := strconv.Atoi(lenStr)
			require.NoError(t, err)
			require.Equal(t, len(payload), n, "header length must be the payload byte length")

			var decoded struct {
				M string            `json:"m"`
				P []json.RawMessage `json:"p"`
			}
			require.NoError(t, json.Unmarshal([]byte(payload[:n]), &decoded))
			assert.Equal(t, tc.name, decoded.M)
			assert.Len(t, decoded.P, len(tc.params))
			assert.NotContains(t, payload, " ")

			frames, err := SplitFrames(frame)
			require.NoError(t, err)
			assert.Equal(t, []string{payload}, frames)
		})
	}
}

func TestFrameIsCompact(t *testing.T) {
	frame, err := Frame("quote_add_symbols", []any{"qs_a", "BINANCE:BTCUSDT", map[string][]string{"flags": {"force_permission"}}})
	require.NoError(t, err)
	assert.Equal(t, `~m~87~m~{"m":"quote_add_symbols","p":["qs_a","BINANCE:BTCUSDT",{"flags":["force_permission"]}]}`, frame)
}

func TestSplitFramesMultiple(t *testing.T) {
	frames, err := SplitFrames("~m~4~m~~h~1~m~x~m~{}")
	require.ErrorIs(t, err, model.ErrMalformedFrame)
	assert.Equal(t, []string{"~h~1"}, frames)

	raw := "~m~4~m~~h~1~m~9~m~{\"m\":\"x\"}"
	frames, err = SplitFrames(raw)
	require.NoError(t, err)
	assert.Equal(t, []string{"~h~1", `{"m":"x"}`}, frames)
	assert.True(t, IsHeartbeat(frames[0]))
	assert.False(t, IsHeartbeat(frames[1]))

	_, err = SplitFrames("garbage")
	assert.ErrorIs(t, err, model.ErrMalformedFrame)
	_, err = SplitFrames("~m~99~m~short")
	assert.ErrorIs(t, err, model.ErrMalformedFrame)
}

type recordingSender struct {
	frames []string
	failAt int // 从 1 开始，0 表示从不失败
}

func (s *recordingSender) Send(_ context.Context, frame string) error {
	if s.failAt > 0 && len(s.frames)+1 == s.failAt {
		return errors.New("broken pipe")
	}
	s.frames = append(s.frames, frame)
	return nil
}

func (s *recordingSender) names(t *testing.T) []string {
	var out []string
	for _, f := range s.frames {
		payloads, err := SplitFrames(f)
		require.NoError(t, err)
		require.Len(t, payloads, 1)
		var m struct {
			M string `json:"m"`
		}
		require.NoError(t, json.Unmarshal([]byte(payloads[0]), &m))
		out = append(out, m.M)
	}
	return out
}

var handshakeOrder = []string{
	"set_auth_token",
	"chart_create_session",
	"quote_create_session",
	"quote_set_fields",
	"quote_add_symbols",
	"quote_fast_symbols",
	"resolve_symbol",
	"create_series",
	"switch_timezone",
}

func TestHandshakeOrder(t *testing.T) {
	for _, interval := range model.Intervals() {
		for _, extended := range []bool{false, true} {
			sender := &recordingSender{}
			session := NewSession("token")
			req := model.FetchRequest{
				Symbol:          model.SymbolRef{Exchange: "BINANCE", Ticker: "BTCUSDT"},
				Interval:        interval,
				Bars:            300,
				ExtendedSession: extended,
			}
			require.NoError(t, Handshake(context.Background(), sender, session, req))
			assert.Equal(t, handshakeOrder, sender.names(t))
		}
	}
}

func TestHandshakeParams(t *testing.T) {
	session := model.Session{AuthToken: "tok", QuoteSessionID: "qs_aaaaaaaaaaaa", ChartSessionID: "cs_bbbbbbbbbbbb"}
	req := model.FetchRequest{
		Symbol:          model.SymbolRef{Exchange: "NSE", Ticker: "NIFTY"},
		Interval:        model.In1Hour,
		Bars:            10,
		ExtendedSession: true,
	}
	steps, err := HandshakeSteps(session, req)
	require.NoError(t, err)
	require.Len(t, steps, 9)

	setFields := steps[3]
	require.Len(t, setFields.Params, 24)
	assert.Equal(t, "qs_aaaaaaaaaaaa", setFields.Params[0])
	assert.Len(t, QuoteFields, 23)

	resolve := steps[6]
	assert.Equal(t, []any{"cs_bbbbbbbbbbbb", "symbol_1", `={"symbol":"NSE:NIFTY","adjustment":"splits","session":"extended"}`}, resolve.Params)

	series := steps[7]
	assert.Equal(t, []any{"cs_bbbbbbbbbbbb", "s1", "s1", "symbol_1", "1H", 10}, series.Params)

	assert.Equal(t, []any{"cs_bbbbbbbbbbbb", "exchange"}, steps[8].Params)
}

func TestHandshakeStopsOnSendFailure(t *testing.T) {
	sender := &recordingSender{failAt: 4}
	req := model.FetchRequest{Symbol: model.SymbolRef{Exchange: "X", Ticker: "Y"}, Interval: model.In1Minute, Bars: 1}
	err := Handshake(context.Background(), sender, NewSession("t"), req)
	require.ErrorIs(t, err, model.ErrHandshake)
	assert.Contains(t, err.Error(), "quote_set_fields")
	assert.Len(t, sender.frames, 3)
}

func TestFormatSymbol(t *testing.T) {
	one := 1
	zero := 0
	neg := -1

	got, err := FormatSymbol("BTCUSDT", "BINANCE", nil)
	require.NoError(t, err)
	assert.Equal(t, "BINANCE:BTCUSDT", got.Wire())

	got, err = FormatSymbol("BTCUSDT", "BINANCE", &one)
	require.NoError(t, err)
	assert.Equal(t, "BINANCE:BTCUSDT1!", got.Wire())

	got, err = FormatSymbol("BTCUSDT", "BINANCE", &zero)
	require.NoError(t, err)
	assert.Equal(t, "BINANCE:BTCUSDT0!", got.Wire())

	got, err = FormatSymbol("BINANCE:BTCUSDT", "NSE", nil)
	require.NoError(t, err)
	assert.Equal(t, "BINANCE:BTCUSDT", got.Wire())

	got, err = FormatSymbol("CME:ES1!", "NSE", &one)
	require.NoError(t, err)
	assert.Equal(t, "CME:ES1!", got.Wire())

	_, err = FormatSymbol("BTCUSDT", "BINANCE", &neg)
	assert.ErrorIs(t, err, model.ErrInvalidContract)
}

// seriesChunk 生成携带给定K线数值的 timescale_update 消息
func seriesChunk(values ...string) string {
	var recs []string
	for i, v := range values {
		recs = append(recs, fmt.Sprintf(`{"i":%d,"v":[%s]}`, i, v))
	}
	payload := `{"m":"timescale_update","p":["cs_x",{"s1":{"node":"n","s":[` + strings.Join(recs, ",") + `],"ns":{"d":"","indexes":[]},"t":"s1","lbs":{"bar_close_time":1}}}]}`
	return "~m~" + strconv.Itoa(len(payload)) + "~m~" + payload
}

func TestParseBars(t *testing.T) {
	buf := seriesChunk(
		"1700000000.0,100.5,101.25,99.75,100.0,1234.5",
		"1700000060.0,100.0,102,98,101.5,99",
	) + "\n" + `~m~50~m~{"m":"series_completed","p":["cs_x","s1","s1"]}` + "\n"

	bars, err := ParseBars(buf)
	require.NoError(t, err)
	require.Len(t, bars, 2)

	assert.Equal(t, int64(1700000000), bars[0].Time.Unix())
	assert.Equal(t, "100.5", bars[0].Open.String())
	assert.Equal(t, "101.25", bars[0].High.String())
	assert.Equal(t, "99.75", bars[0].Low.String())
	assert.Equal(t, "100", bars[0].Close.String())
	assert.Equal(t, "1234.5", bars[0].Volume.String())
	assert.False(t, bars[0].VolumeDegraded)

	assert.Equal(t, int64(1700000060), bars[1].Time.Unix())
	assert.Equal(t, "101.5", bars[1].Close.String())
	assert.Equal(t, "99", bars[1].Volume.String())
	assert.True(t, bars[0].Time.Before(bars[1].Time))
}

func TestParseBarsVolumeDegradesOnce(t *testing.T) {
	buf := seriesChunk(
		"1700000000.0,1,2,0.5,1.5,10",
		"1700000060.0,1,2,0.5,1.5,20",
		"1700000120.0,1,2,0.5,1.5,null",
		"1700000180.0,1,2,0.5,1.5,40",
		"1700000240.0,1,2,0.5,1.5,50",
	)

	bars, err := ParseBars(buf)
	require.NoError(t, err)
	require.Len(t, bars, 5)

	assert.Equal(t, "10", bars[0].Volume.String())
	assert.Equal(t, "20", bars[1].Volume.String())
	assert.False(t, bars[0].VolumeDegraded)
	assert.False(t, bars[1].VolumeDegraded)
	for _, b := range bars[2:] {
		assert.True(t, b.Volume.IsZero())
		assert.True(t, b.VolumeDegraded)
		assert.Equal(t, "1.5", b.Close.String())
	}
}

func TestParseBarsMissingVolume(t *testing.T) {
	bars, err := ParseBars(seriesChunk("1700000000,1,2,0.5,1.5", "1700000060,1,2,0.5,1.6"))
	require.NoError(t, err)
	require.Len(t, bars, 2)
	assert.True(t, bars[0].VolumeDegraded)
	assert.True(t, bars[1].VolumeDegraded)
}

func TestParseBarsErrors(t *testing.T) {
	_, err := ParseBars(`~m~20~m~{"m":"quote_completed"}`)
	assert.ErrorIs(t, err, model.ErrNoSeries)

	_, err = ParseBars("")
	assert.ErrorIs(t, err, model.ErrNoSeries)

	_, err = ParseBars(seriesChunk("1700000000,1,2,0.5,1.5,10", "1700000060,1,abc,0.5,1.5,10"))
	assert.ErrorIs(t, err, model.ErrParse)

	_, err = ParseBars(seriesChunk("notatime,1,2,0.5,1.5,10"))
	assert.ErrorIs(t, err, model.ErrParse)
}

type scriptedReceiver struct {
	chunks []string
	err    error
	pos    int
}

func (r *scriptedReceiver) Receive(context.Context) (string, error) {
	if r.pos >= len(r.chunks) {
		if r.err != nil {
			return "", r.err
		}
		return "", errors.New("connection closed")
	}
	c := r.chunks[r.pos]
	r.pos++
	return c, nil
}

func TestStreamReaderCompletes(t *testing.T) {
	rx := &scriptedReceiver{chunks: []string{
		`~m~30~m~{"m":"quote_completed","p":[]}`,
		seriesChunk("1700000000,1,2,0.5,1.5,10"),
		`~m~37~m~{"m":"series_completed","p":["cs_x"]}`,
		"never read",
	}}
	r := NewStreamReader(zaptest.NewLogger(t), nil)
	assert.Equal(t, StateOpen, r.State())

	res := r.Read(context.Background(), rx)
	assert.Equal(t, StateCompleted, res.State)
	assert.Equal(t, StateCompleted, r.State())
	assert.NoError(t, res.Err)
	assert.Equal(t, 3, res.Chunks)
	assert.Equal(t, 3, strings.Count(res.Buffer, "\n"))

	bars, err := ParseBars(res.Buffer)
	require.NoError(t, err)
	assert.Len(t, bars, 1)
}

func TestStreamReaderPartialOnFailure(t *testing.T) {
	rx := &scriptedReceiver{
		chunks: []string{seriesChunk("1700000000,1,2,0.5,1.5,10", "1700000060,1,2,0.5,1.5,11")},
		err:    errors.New("read tcp: i/o timeout"),
	}
	r := NewStreamReader(zaptest.NewLogger(t), nil)

	res := r.Read(context.Background(), rx)
	assert.Equal(t, StateFailed, res.State)
	require.ErrorIs(t, res.Err, model.ErrStream)
	assert.NotContains(t, res.Buffer, CompletionSentinel)

	bars, err := ParseBars(res.Buffer)
	require.NoError(t, err)
	assert.Len(t, bars, 2)
}

func TestStreamReaderVendorError(t *testing.T) {
	rx := &scriptedReceiver{chunks: []string{`~m~45~m~{"m":"symbol_error","p":["cs_x","symbol_1"]}`}}
	res := NewStreamReader(zaptest.NewLogger(t), nil).Read(context.Background(), rx)
	assert.Equal(t, StateFailed, res.State)
	assert.ErrorIs(t, res.Err, model.ErrVendor)
}

func TestStreamReaderCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res := NewStreamReader(zaptest.NewLogger(t), nil).Read(ctx, &scriptedReceiver{chunks: []string{"x"}})
	assert.Equal(t, StateFailed, res.State)
	assert.ErrorIs(t, res.Err, context.Canceled)
}

func TestStreamReaderEchoesHeartbeat(t *testing.T) {
	rx := &scriptedReceiver{chunks: []string{
		"~m~4~m~~h~7",
		`~m~37~m~{"m":"series_completed","p":["cs_x"]}`,
	}}
	hb := &recordingSender{}
	res := NewStreamReader(zaptest.NewLogger(t), hb).Read(context.Background(), rx)
	assert.Equal(t, StateCompleted, res.State)
	assert.Equal(t, []string{"~m~4~m~~h~7"}, hb.frames)
	assert.NotContains(t, res.Buffer, "~h~")
}
