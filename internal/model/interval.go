package model

import (
	"fmt"
	"time"
)

// Interval K线周期，取值即 create_series 中发送的 token
type Interval string

const (
	In1Minute  Interval = "1"
	In3Minute  Interval = "3"
	In5Minute  Interval = "5"
	In15Minute Interval = "15"
	In30Minute Interval = "30"
	In45Minute Interval = "45"
	In1Hour    Interval = "1H"
	In2Hour    Interval = "2H"
	In3Hour    Interval = "3H"
	In4Hour    Interval = "4H"
	InDaily    Interval = "1D"
	InWeekly   Interval = "1W"
	InMonthly  Interval = "1M"
)

// 由细到粗
var intervals = []Interval{
	In1Minute, In3Minute, In5Minute, In15Minute, In30Minute, In45Minute,
	In1Hour, In2Hour, In3Hour, In4Hour,
	InDaily, InWeekly, InMonthly,
}

// Intervals 返回所有支持的周期，由细到粗
func Intervals() []Interval {
	out := make([]Interval, len(intervals))
	copy(out, intervals)
	return out
}

func (i Interval) String() string {
	return string(i)
}

// Token 返回周期的协议 token
func (i Interval) Token() string {
	return string(i)
}

// Duration 返回单根K线的名义时长，月按 30 天计
func (i Interval) Duration() time.Duration {
	switch i {
	case In1Minute:
		return time.Minute
	case In3Minute:
		return 3 * time.Minute
	case In5Minute:
		return 5 * time.Minute
	case In15Minute:
		return 15 * time.Minute
	case In30Minute:
		return 30 * time.Minute
	case In45Minute:
		return 45 * time.Minute
	case In1Hour:
		return time.Hour
	case In2Hour:
		return 2 * time.Hour
	case In3Hour:
		return 3 * time.Hour
	case In4Hour:
		return 4 * time.Hour
	case InDaily:
		return 24 * time.Hour
	case InWeekly:
		return 7 * 24 * time.Hour
	case InMonthly:
		return 30 * 24 * time.Hour
	}
	return 0
}

// ParseInterval 把 token ("1", "1H", "1D", ...) 转成 Interval
func ParseInterval(token string) (Interval, error) {
	for _, i := range intervals {
		if string(i) == token {
			return i, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidInterval, token)
}
