// Package protocol 实现图表 socket 协议: 会话 ID、
// 帧编码、订阅握手、数据流读取和K线解析
package protocol

import (
	"math/rand/v2"

	"chart-ingestor/internal/model"
)

const (
	sessionIDLength    = 12
	quoteSessionPrefix = "qs_"
	chartSessionPrefix = "cs_"
	letters            = "abcdefghijklmnopqrstuvwxyz"
)

// NewSession 为单个连接生成 quote/chart 会话 ID
func NewSession(authToken string) model.Session {
	return model.Session{
		AuthToken:      authToken,
		QuoteSessionID: quoteSessionPrefix + randomLetters(sessionIDLength),
		ChartSessionID: chartSessionPrefix + randomLetters(sessionIDLength),
	}
}

func randomLetters(n int) string {
	b := make([]byte, n)
	for i := range b {
		b[i] = letters[rand.IntN(len(letters))]
	}
	return string(b)
}
