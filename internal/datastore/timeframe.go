package datastore

import (
	"fmt"
	"strings"
	"time"
)

// Timeframe 描述回放使用的周期：内部 duration 与数据源 interval 的映射。
// 多数周期两者同名，周线在 Binance 侧写作 1w。
type Timeframe struct {
	Key            string
	Duration       time.Duration
	SourceInterval string
}

// 按周期从小到大声明，SupportedTimeframes 按此顺序返回。
var timeframeTable = []Timeframe{
	{Key: "1m", Duration: time.Minute, SourceInterval: "1m"},
	{Key: "5m", Duration: 5 * time.Minute, SourceInterval: "5m"},
	{Key: "15m", Duration: 15 * time.Minute, SourceInterval: "15m"},
	{Key: "30m", Duration: 30 * time.Minute, SourceInterval: "30m"},
	{Key: "1h", Duration: time.Hour, SourceInterval: "1h"},
	{Key: "4h", Duration: 4 * time.Hour, SourceInterval: "4h"},
	{Key: "1d", Duration: 24 * time.Hour, SourceInterval: "1d"},
	{Key: "3d", Duration: 72 * time.Hour, SourceInterval: "3d"},
	{Key: "7d", Duration: 7 * 24 * time.Hour, SourceInterval: "1w"},
}

var timeframesByKey = func() map[string]Timeframe {
	m := make(map[string]Timeframe, len(timeframeTable))
	for _, tf := range timeframeTable {
		m[tf.Key] = tf
	}
	return m
}()

// ParseTimeframe 返回标准化周期定义。
func ParseTimeframe(input string) (Timeframe, error) {
	tf, ok := timeframesByKey[strings.ToLower(strings.TrimSpace(input))]
	if !ok {
		return Timeframe{}, fmt.Errorf("不支持的周期: %s", input)
	}
	return tf, nil
}

// SupportedTimeframes 返回所有支持的 key，周期从小到大。
func SupportedTimeframes() []string {
	keys := make([]string, len(timeframeTable))
	for i, tf := range timeframeTable {
		keys[i] = tf.Key
	}
	return keys
}

func (tf Timeframe) durationMillis() int64 {
	return tf.Duration.Milliseconds()
}

// alignDown 把毫秒时间戳对齐到网格下沿，负数时间戳同样落到下沿。
func alignDown(ts, step int64) int64 {
	if step <= 0 {
		return ts
	}
	if rem := ts % step; rem > 0 {
		return ts - rem
	} else if rem < 0 {
		return ts - rem - step
	}
	return ts
}

// AlignRange 将输入对齐到周期网格，并保证 start<=end。
func (tf Timeframe) AlignRange(start, end int64) (int64, int64) {
	if end < start {
		start, end = end, start
	}
	step := tf.durationMillis()
	start = alignDown(start, step)
	if end = alignDown(end, step); end < start {
		end = start
	}
	return start, end
}

// ExpectedBars 计算 start~end（含两端）区间应存在的 K 线数量。
func (tf Timeframe) ExpectedBars(start, end int64) int64 {
	step := tf.durationMillis()
	if end < start || step == 0 {
		return 0
	}
	return (end-start)/step + 1
}
