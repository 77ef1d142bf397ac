package backtest

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

func TestResolveParamsPrefersJSON(t *testing.T) {
	req := RunRequest{
		Params:     json.RawMessage(`{"fast":5}`),
		ParamsYAML: "fast: 9",
	}
	raw, err := req.ResolveParams()
	require.NoError(t, err)
	assert.Equal(t, int64(5), gjson.GetBytes(raw, "fast").Int())
}

func TestResolveParamsFromYAML(t *testing.T) {
	req := RunRequest{ParamsYAML: "fast: 5\nslow: 20\nohlc: BTCUSDT/4h\n"}
	raw, err := req.ResolveParams()
	require.NoError(t, err)
	assert.Equal(t, int64(20), gjson.GetBytes(raw, "slow").Int())
	assert.Equal(t, "BTCUSDT/4h", gjson.GetBytes(raw, "ohlc").String())
}

func TestResolveParamsEmpty(t *testing.T) {
	raw, err := (RunRequest{}).ResolveParams()
	require.NoError(t, err)
	assert.Nil(t, raw)
}

func TestResolveParamsBadYAML(t *testing.T) {
	_, err := (RunRequest{ParamsYAML: ":\n  - ]["}).ResolveParams()
	assert.Error(t, err)
}
