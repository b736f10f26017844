package protocol

import (
	"context"
	"fmt"
	"strings"

	"chart-ingestor/internal/model"

	"go.uber.org/zap"
)

// CompletionSentinel 表示请求的K线已全部送达
const CompletionSentinel = "series_completed"

// 收到后不会再有K线数据的服务端消息
var terminalMessages = []string{"symbol_error", "critical_error", "protocol_error"}

// Receiver 返回下一个收到的文本块
type Receiver interface {
	Receive(ctx context.Context) (string, error)
}

// ReaderState StreamReader 的生命周期状态
type ReaderState string

const (
	StateOpen      ReaderState = "OPEN"
	StateReading   ReaderState = "READING"
	StateCompleted ReaderState = "COMPLETED"
	StateFailed    ReaderState = "FAILED"
)

func (s ReaderState) String() string {
	return string(s)
}

// ReadResult 是 StreamReader 交给解析器的结果
// State 为 StateFailed 时同样返回 Buffer
type ReadResult struct {
	State  ReaderState
	Buffer string
	Chunks int
	Err    error // 读取失败原因，完成时为 nil
}

// StreamReader 累积一次请求收到的数据块，直到出现完成标记
type StreamReader struct {
	logger    *zap.Logger
	heartbeat Sender // 非空时回传 ~h~ 心跳
	state     ReaderState
	buf       strings.Builder
}

// NewStreamReader 创建处于 Open 状态的读取器，heartbeat 可以为 nil
func NewStreamReader(logger *zap.Logger, heartbeat Sender) *StreamReader {
	return &StreamReader{
		logger:    logger,
		heartbeat: heartbeat,
		state:     StateOpen,
	}
}

// State 返回当前状态
func (r *StreamReader) State() ReaderState {
	return r.state
}

// Read 持续接收，直到出现完成标记或接收失败。
// 接收错误以 StateFailed 结束并带回已缓存的数据，
// 不会作为 error 返回
func (r *StreamReader) Read(ctx context.Context, rx Receiver) ReadResult {
	r.state = StateReading
	chunks := 0
	for {
		if err := ctx.Err(); err != nil {
			return r.fail(chunks, fmt.Errorf("%w: %w", model.ErrStream, err))
		}

		chunk, err := rx.Receive(ctx)
		if err != nil {
			return r.fail(chunks, fmt.Errorf("%w: %w", model.ErrStream, err))
		}
		chunks++

		if r.echoHeartbeats(ctx, chunk) {
			continue
		}

		r.buf.WriteString(chunk)
		r.buf.WriteString("\n")

		if r.completed(len(chunk) + 1) {
			r.state = StateCompleted
			r.logger.Debug("series completed", zap.Int("Chunks", chunks), zap.Int("Bytes", r.buf.Len()))
			return ReadResult{State: r.state, Buffer: r.buf.String(), Chunks: chunks}
		}

		if msg, ok := terminalMessage(chunk); ok {
			return r.fail(chunks, fmt.Errorf("%w: %s", model.ErrVendor, msg))
		}
	}
}

// completed 只扫描最后一块可能影响到的尾部
func (r *StreamReader) completed(appended int) bool {
	s := r.buf.String()
	from := len(s) - appended - len(CompletionSentinel)
	if from < 0 {
		from = 0
	}
	return strings.Contains(s[from:], CompletionSentinel)
}

func (r *StreamReader) fail(chunks int, err error) ReadResult {
	r.state = StateFailed
	r.logger.Warn("stream read failed, keeping partial buffer",
		zap.Int("Chunks", chunks), zap.Int("Bytes", r.buf.Len()), zap.Error(err))
	return ReadResult{State: r.state, Buffer: r.buf.String(), Chunks: chunks, Err: err}
}

// echoHeartbeats 回应心跳，数据块只含心跳时返回 true
func (r *StreamReader) echoHeartbeats(ctx context.Context, chunk string) bool {
	if !strings.Contains(chunk, heartbeatPrefix) {
		return false
	}
	payloads, err := SplitFrames(chunk)
	if err != nil {
		return false
	}
	onlyHeartbeats := true
	for _, p := range payloads {
		if !IsHeartbeat(p) {
			onlyHeartbeats = false
			continue
		}
		if r.heartbeat == nil {
			continue
		}
		if err := r.heartbeat.Send(ctx, HeartbeatReply(p)); err != nil {
			r.logger.Debug("heartbeat echo failed", zap.Error(err))
		}
	}
	return onlyHeartbeats
}

func terminalMessage(chunk string) (string, bool) {
	for _, m := range terminalMessages {
		if strings.Contains(chunk, `"m":"`+m+`"`) {
			return m, true
		}
	}
	return "", false
}
