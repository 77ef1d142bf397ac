package units

import (
	"iter"
	"sort"
	"sync"

	"orrery/internal/kernel"
)

// SeriesUnit 存储命名的稀疏数值序列（自定义指标、运行记录等）。
// 每个 series_key 内按时间升序，同一时间戳后写覆盖先写。
type SeriesUnit struct {
	kernel.Base

	mu     sync.RWMutex
	series map[string][]SeriesPoint
}

type SeriesPoint struct {
	Timestamp int64   `json:"timestamp"`
	Value     float64 `json:"value"`
}

func NewSeriesUnit() *SeriesUnit {
	return &SeriesUnit{
		Base:   kernel.NewBase("series"),
		series: make(map[string][]SeriesPoint),
	}
}

func (u *SeriesUnit) Set(key string, timestamp int64, value float64) {
	u.mu.Lock()
	defer u.mu.Unlock()
	points := u.series[key]
	// common path: appending at the tail
	if n := len(points); n == 0 || timestamp > points[n-1].Timestamp {
		u.series[key] = append(points, SeriesPoint{Timestamp: timestamp, Value: value})
		return
	}
	idx := sort.Search(len(points), func(i int) bool { return points[i].Timestamp >= timestamp })
	if idx < len(points) && points[idx].Timestamp == timestamp {
		points[idx].Value = value
		return
	}
	points = append(points, SeriesPoint{})
	copy(points[idx+1:], points[idx:])
	points[idx] = SeriesPoint{Timestamp: timestamp, Value: value}
	u.series[key] = points
}

// Get 返回某序列的惰性、可重复遍历的有序点序列。遍历的是调用时刻的
// 快照，遍历期间的写入不可见。
func (u *SeriesUnit) Get(key string) iter.Seq2[int64, float64] {
	u.mu.RLock()
	snapshot := make([]SeriesPoint, len(u.series[key]))
	copy(snapshot, u.series[key])
	u.mu.RUnlock()
	return func(yield func(int64, float64) bool) {
		for _, p := range snapshot {
			if !yield(p.Timestamp, p.Value) {
				return
			}
		}
	}
}

// Points 返回某序列的快照切片，供持久化使用。
func (u *SeriesUnit) Points(key string) []SeriesPoint {
	u.mu.RLock()
	defer u.mu.RUnlock()
	out := make([]SeriesPoint, len(u.series[key]))
	copy(out, u.series[key])
	return out
}

// Keys 返回所有已写入的序列名。
func (u *SeriesUnit) Keys() []string {
	u.mu.RLock()
	defer u.mu.RUnlock()
	keys := make([]string, 0, len(u.series))
	for k := range u.series {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
