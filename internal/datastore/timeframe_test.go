package datastore

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseTimeframe(t *testing.T) {
	tf, err := ParseTimeframe(" 1H ")
	require.NoError(t, err)
	assert.Equal(t, "1h", tf.Key)
	assert.Equal(t, time.Hour, tf.Duration)

	_, err = ParseTimeframe("2h")
	assert.Error(t, err)
}

func TestWeeklyMapsToSourceInterval(t *testing.T) {
	tf, err := ParseTimeframe("7d")
	require.NoError(t, err)
	assert.Equal(t, "1w", tf.SourceInterval)
}

func TestAlignRangeSnapsToGrid(t *testing.T) {
	tf, _ := ParseTimeframe("1h")
	hour := int64(3600_000)

	start, end := tf.AlignRange(hour+5, 3*hour+100)
	assert.Equal(t, hour, start)
	assert.Equal(t, 3*hour, end)

	// swapped input is normalized
	start, end = tf.AlignRange(3*hour, hour)
	assert.Equal(t, hour, start)
	assert.Equal(t, 3*hour, end)
}

func TestExpectedBarsIsInclusive(t *testing.T) {
	tf, _ := ParseTimeframe("1h")
	hour := int64(3600_000)

	assert.Equal(t, int64(1), tf.ExpectedBars(0, 0))
	assert.Equal(t, int64(4), tf.ExpectedBars(0, 3*hour))
	assert.Equal(t, int64(0), tf.ExpectedBars(hour, 0))
}

func TestSupportedTimeframesSorted(t *testing.T) {
	keys := SupportedTimeframes()
	assert.Contains(t, keys, "1m")
	assert.Contains(t, keys, "1d")
	assert.Len(t, keys, 9)
}
