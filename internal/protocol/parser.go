package protocol

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"chart-ingestor/internal/model"

	"github.com/shopspring/decimal"
)

var (
	seriesPattern = regexp.MustCompile(`"s":\[(.+?)\}\]`)
	fieldSplitter = regexp.MustCompile(`[\[:,\]]`)
)

const (
	recordDelimiter = `,{"`

	// 按 [ : , ] 拆分后单条记录内的 token 位置
	idxTime   = 4
	idxOpen   = 5
	idxHigh   = 6
	idxLow    = 7
	idxClose  = 8
	idxVolume = 9
)

// ParseBars 从累积的数据流缓冲中提取K线。
//
// 成交量采用一次降级策略: 第一条成交量无法解析的记录
// 会关闭后续全部记录的成交量，该记录及之后的记录
// 成交量都为零并标记 VolumeDegraded，即使后面的成交量
// 可以解析。其他字段无法解析时整个缓冲以 ErrParse 失败。
func ParseBars(buffer string) ([]model.Bar, error) {
	m := seriesPattern.FindStringSubmatch(buffer)
	if m == nil {
		return nil, model.ErrNoSeries
	}

	records := strings.Split(m[1], recordDelimiter)
	bars := make([]model.Bar, 0, len(records))
	volumeAvailable := true

	for n, record := range records {
		tokens := fieldSplitter.Split(record, -1)

		ts, err := parseTimestamp(token(tokens, idxTime))
		if err != nil {
			return nil, fmt.Errorf("%w: record %d time: %v", model.ErrParse, n, err)
		}
		bar := model.Bar{Time: ts}

		prices := []*decimal.Decimal{&bar.Open, &bar.High, &bar.Low, &bar.Close}
		for i, dst := range prices {
			v, err := decimal.NewFromString(token(tokens, idxOpen+i))
			if err != nil {
				return nil, fmt.Errorf("%w: record %d field %d: %v", model.ErrParse, n, idxOpen+i, err)
			}
			*dst = v
		}

		if volumeAvailable {
			v, err := decimal.NewFromString(token(tokens, idxVolume))
			if err != nil {
				volumeAvailable = false
			} else {
				bar.Volume = v
			}
		}
		if !volumeAvailable {
			bar.Volume = decimal.Zero
			bar.VolumeDegraded = true
		}

		bars = append(bars, bar)
	}
	return bars, nil
}

func token(tokens []string, i int) string {
	if i >= len(tokens) {
		return ""
	}
	return strings.TrimSpace(tokens[i])
}

func parseTimestamp(s string) (time.Time, error) {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return time.Time{}, err
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return time.Time{}, fmt.Errorf("timestamp %q out of range", s)
	}
	sec, frac := math.Modf(f)
	return time.Unix(int64(sec), int64(math.Round(frac*1e9))).UTC(), nil
}
