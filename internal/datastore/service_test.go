package datastore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"orrery/internal/model"
)

// gridSource 按周期网格合成 K 线，可以挖空指定槽位模拟上游缺数据。
type gridSource struct {
	step  int64
	holes map[int64]bool
	calls int
}

func (g *gridSource) Name() string { return "grid" }

func (g *gridSource) Fetch(ctx context.Context, req FetchRequest) ([]model.Bar, error) {
	g.calls++
	var out []model.Bar
	for ts := alignDown(req.Start, g.step); ts < req.End; ts += g.step {
		if ts < req.Start {
			continue
		}
		if g.holes[ts/g.step] {
			continue
		}
		out = append(out, model.Bar{
			ProductID: req.ProductID,
			StartTime: ts,
			EndTime:   ts + g.step,
			Open:      1, High: 2, Low: 0.5, Close: 1.5, Volume: 10,
		})
		if len(out) >= req.Limit {
			break
		}
	}
	return out, nil
}

func newTestService(t *testing.T, src BarSource) (*Service, *Store) {
	t.Helper()
	store := newTestStore(t)
	svc, err := NewService(ServiceConfig{
		Store:           store,
		Sources:         map[string]BarSource{src.Name(): src},
		DefaultExchange: src.Name(),
		RateLimitPerMin: 60000,
		MaxBatch:        100,
		MaxConcurrent:   2,
	})
	require.NoError(t, err)
	return svc, store
}

func TestEnsureRangeFillsEmptyStore(t *testing.T) {
	src := &gridSource{step: hourMs}
	svc, store := newTestService(t, src)

	bars, err := svc.EnsureRange(t.Context(), "BTCUSDT", "1h", hourMs, 5*hourMs)
	require.NoError(t, err)
	assert.Len(t, bars, 5)
	assert.Equal(t, hourMs, bars[0].StartTime)
	assert.Equal(t, 5*hourMs, bars[4].StartTime)

	// the range persisted locally, a second call is a pure read
	calls := src.calls
	again, err := svc.EnsureRange(t.Context(), "BTCUSDT", "1h", hourMs, 5*hourMs)
	require.NoError(t, err)
	assert.Len(t, again, 5)
	assert.Equal(t, calls, src.calls)

	report, err := store.CheckIntegrity(t.Context(), "BTCUSDT", "1h", mustTF(t, "1h"), hourMs, 5*hourMs)
	require.NoError(t, err)
	assert.True(t, report.Complete())
}

func TestEnsureRangeFillsOnlyGaps(t *testing.T) {
	src := &gridSource{step: hourMs}
	svc, store := newTestService(t, src)
	ctx := t.Context()

	_, err := store.InsertBars(ctx, "BTCUSDT", "1h", []model.Bar{gridBar(1, 100), gridBar(2, 101), gridBar(5, 104)})
	require.NoError(t, err)

	bars, err := svc.EnsureRange(ctx, "BTCUSDT", "1h", hourMs, 5*hourMs)
	require.NoError(t, err)
	assert.Len(t, bars, 5)
	// pre-existing bars keep their payload, only the gap was fetched
	assert.Equal(t, 100.0, bars[0].Close)
	assert.Equal(t, 1.5, bars[2].Close)
}

func TestSubmitFetchCompletesJob(t *testing.T) {
	src := &gridSource{step: hourMs}
	svc, _ := newTestService(t, src)

	job, err := svc.SubmitFetch(FetchParams{
		ProductID: "BTCUSDT",
		Timeframe: "1h",
		Start:     hourMs,
		End:       4 * hourMs,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(4), job.Total)

	final := waitForJob(t, svc, job.ID)
	assert.Equal(t, JobStatusDone, final.Status)
	assert.Equal(t, int64(4), final.Completed)
	assert.Empty(t, final.Missing)
}

func TestSubmitFetchSkipsCompleteRange(t *testing.T) {
	src := &gridSource{step: hourMs}
	svc, store := newTestService(t, src)

	_, err := store.InsertBars(t.Context(), "BTCUSDT", "1h", []model.Bar{gridBar(1, 100), gridBar(2, 101)})
	require.NoError(t, err)

	job, err := svc.SubmitFetch(FetchParams{ProductID: "BTCUSDT", Timeframe: "1h", Start: hourMs, End: 2 * hourMs})
	require.NoError(t, err)
	assert.Equal(t, JobStatusDone, job.Status)
	assert.Equal(t, 0, src.calls)
}

func TestSubmitFetchReportsPartialWhenSourceHasHoles(t *testing.T) {
	src := &gridSource{step: hourMs, holes: map[int64]bool{3: true}}
	svc, _ := newTestService(t, src)

	job, err := svc.SubmitFetch(FetchParams{ProductID: "BTCUSDT", Timeframe: "1h", Start: hourMs, End: 5 * hourMs})
	require.NoError(t, err)

	final := waitForJob(t, svc, job.ID)
	assert.Equal(t, JobStatusPartial, final.Status)
	require.NotEmpty(t, final.Missing)
	assert.Equal(t, Gap{From: 3 * hourMs, To: 3 * hourMs}, final.Missing[0])
}

func TestSubmitFetchValidatesInput(t *testing.T) {
	src := &gridSource{step: hourMs}
	svc, _ := newTestService(t, src)

	_, err := svc.SubmitFetch(FetchParams{Timeframe: "1h", Start: hourMs, End: 2 * hourMs})
	assert.Error(t, err)

	_, err = svc.SubmitFetch(FetchParams{ProductID: "BTCUSDT", Timeframe: "2h", Start: hourMs, End: 2 * hourMs})
	assert.Error(t, err)

	_, err = svc.SubmitFetch(FetchParams{ProductID: "BTCUSDT", Timeframe: "1h", Exchange: "nope", Start: hourMs, End: 2 * hourMs})
	assert.Error(t, err)
}

func mustTF(t *testing.T, key string) Timeframe {
	t.Helper()
	tf, err := ParseTimeframe(key)
	require.NoError(t, err)
	return tf
}

func waitForJob(t *testing.T, svc *Service, id string) FetchJob {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		job, ok := svc.JobSnapshot(id)
		require.True(t, ok)
		switch job.Status {
		case JobStatusDone, JobStatusPartial, JobStatusFailed:
			return job
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("job did not settle in time")
	return FetchJob{}
}
