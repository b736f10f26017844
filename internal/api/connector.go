package api

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"chart-ingestor/internal/model"
	"chart-ingestor/internal/protocol"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	DefaultWSURL  = "wss://data.tradingview.com/socket.io/websocket"
	DefaultOrigin = "https://data.tradingview.com"
)

// ConnectorConfig 图表 socket 配置
type ConnectorConfig struct {
	WSURL            string
	Origin           string
	HandshakeTimeout time.Duration // websocket 握手超时
	CloseTimeout     time.Duration // 等待 close 帧发出的时长
}

// Connector 每次请求单独建连: 拨号、握手、读取直到 series_completed
type Connector struct {
	cfg       ConnectorConfig
	authToken string
	dialer    *websocket.Dialer
	logger    *zap.Logger
}

// NewConnector 创建连接器，所有会话使用 authToken
func NewConnector(cfg ConnectorConfig, authToken string, logger *zap.Logger) *Connector {
	if cfg.WSURL == "" {
		cfg.WSURL = DefaultWSURL
	}
	if cfg.Origin == "" {
		cfg.Origin = DefaultOrigin
	}
	if cfg.CloseTimeout <= 0 {
		cfg.CloseTimeout = 5 * time.Second
	}
	if authToken == "" {
		authToken = model.UnauthorizedToken
	}

	logger.Info("Connector initialized", zap.String("URL", cfg.WSURL), zap.Bool("Authorized", authToken != model.UnauthorizedToken))

	return &Connector{
		cfg:       cfg,
		authToken: authToken,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.HandshakeTimeout,
		},
		logger: logger.With(zap.String("Component", "connector")),
	}
}

// Fetch 在新连接上完成一次K线请求。
// 拨号和握手失败以 error 返回。在 series_completed 之前中断的读取
// 不算 error: 部分缓冲随 StateFailed 一起返回
func (c *Connector) Fetch(ctx context.Context, req model.FetchRequest) (protocol.ReadResult, error) {
	symbol := req.Symbol.Wire()
	logger := c.logger.With(zap.String("Symbol", symbol))

	header := http.Header{}
	header.Set("Origin", c.cfg.Origin)
	conn, resp, err := c.dialer.DialContext(ctx, c.cfg.WSURL, header)
	if err != nil {
		if resp != nil {
			return protocol.ReadResult{}, fmt.Errorf("dial %s: %s: %w", c.cfg.WSURL, resp.Status, err)
		}
		return protocol.ReadResult{}, fmt.Errorf("dial %s: %w", c.cfg.WSURL, err)
	}
	ws := newSocket(conn, c.cfg.CloseTimeout)
	defer ws.close()

	// 请求超时或运行被取消时解除 ReadMessage 阻塞
	stop := context.AfterFunc(ctx, ws.abort)
	defer stop()
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetReadDeadline(deadline)
	}

	session := protocol.NewSession(c.authToken)
	if err := protocol.Handshake(ctx, ws, session, req); err != nil {
		return protocol.ReadResult{}, err
	}
	logger.Debug("getting data", zap.String("ChartSession", session.ChartSessionID), zap.String("Interval", req.Interval.Token()), zap.Int("Bars", req.Bars))

	reader := protocol.NewStreamReader(logger, ws)
	return reader.Read(ctx, ws), nil
}

// socket 把 websocket 连接适配为 protocol.Sender 和 protocol.Receiver
type socket struct {
	conn         *websocket.Conn
	closeTimeout time.Duration
	writeMu      sync.Mutex
	closeOnce    sync.Once
}

func newSocket(conn *websocket.Conn, closeTimeout time.Duration) *socket {
	return &socket{conn: conn, closeTimeout: closeTimeout}
}

func (s *socket) Send(ctx context.Context, frame string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if deadline, ok := ctx.Deadline(); ok {
		_ = s.conn.SetWriteDeadline(deadline)
	}
	return s.conn.WriteMessage(websocket.TextMessage, []byte(frame))
}

func (s *socket) Receive(context.Context) (string, error) {
	_, message, err := s.conn.ReadMessage()
	if err != nil {
		return "", err
	}
	return string(message), nil
}

func (s *socket) abort() {
	s.closeOnce.Do(func() { _ = s.conn.Close() })
}

func (s *socket) close() {
	s.closeOnce.Do(func() {
		s.writeMu.Lock()
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(s.closeTimeout))
		s.writeMu.Unlock()
		_ = s.conn.Close()
	})
}
