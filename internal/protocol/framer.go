package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"chart-ingestor/internal/model"
)

const (
	frameMarker     = "~m~"
	heartbeatPrefix = "~h~"
)

type message struct {
	M string `json:"m"`
	P []any  `json:"p"`
}

// Frame 把一条发送消息编码为 ~m~<len>~m~{"m":name,"p":params}
// 长度是 JSON 负载的字节数
func Frame(name string, params []any) (string, error) {
	if params == nil {
		params = []any{}
	}
	payload, err := compactJSON(message{M: name, P: params})
	if err != nil {
		return "", fmt.Errorf("encode %s: %w", name, err)
	}
	return wrap(payload), nil
}

func wrap(payload string) string {
	return frameMarker + strconv.Itoa(len(payload)) + frameMarker + payload
}

// compactJSON 等同于不做 HTML 转义的 json.Marshal，服务端按原始字节计数
func compactJSON(v any) (string, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return "", err
	}
	return strings.TrimSuffix(buf.String(), "\n"), nil
}

// SplitFrames 把包含一个或多个帧的数据块拆成负载
func SplitFrames(raw string) ([]string, error) {
	var payloads []string
	rest := raw
	for len(rest) > 0 {
		if !strings.HasPrefix(rest, frameMarker) {
			return payloads, fmt.Errorf("%w: missing header at %q", model.ErrMalformedFrame, head(rest))
		}
		rest = rest[len(frameMarker):]
		end := strings.Index(rest, frameMarker)
		if end < 0 {
			return payloads, fmt.Errorf("%w: unterminated length", model.ErrMalformedFrame)
		}
		n, err := strconv.Atoi(rest[:end])
		if err != nil || n < 0 {
			return payloads, fmt.Errorf("%w: bad length %q", model.ErrMalformedFrame, rest[:end])
		}
		rest = rest[end+len(frameMarker):]
		if n > len(rest) {
			return payloads, fmt.Errorf("%w: length %d exceeds %d remaining bytes", model.ErrMalformedFrame, n, len(rest))
		}
		payloads = append(payloads, rest[:n])
		rest = rest[n:]
	}
	return payloads, nil
}

// IsHeartbeat 判断负载是否为 ~h~N 心跳
func IsHeartbeat(payload string) bool {
	return strings.HasPrefix(payload, heartbeatPrefix)
}

// HeartbeatReply 把心跳原样封帧回传
func HeartbeatReply(payload string) string {
	return wrap(payload)
}

func head(s string) string {
	if len(s) > 16 {
		return s[:16]
	}
	return s
}
