package measurement_test

import (
	"strings"
	"testing"

	"github.com/goccy/go-json"

	"github.com/relabs-tech/devicehub/iot/measurement"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassifyKeepsIntFloatDistinction(t *testing.T) {
	var decoded map[string]interface{}
	decoder := json.NewDecoder(
		strings.NewReader(`{"temperature": 22.5, "humidity": 60, "ok": true, "mode": "eco"}`))
	decoder.UseNumber()
	require.NoError(t, decoder.Decode(&decoded))

	v := measurement.Classify(decoded["temperature"])
	require.NotNil(t, v.Num)
	assert.Equal(t, 22.5, *v.Num)

	v = measurement.Classify(decoded["humidity"])
	require.NotNil(t, v.Int)
	assert.Equal(t, int64(60), *v.Int)

	v = measurement.Classify(decoded["ok"])
	require.NotNil(t, v.Bool)
	assert.True(t, *v.Bool)

	v = measurement.Classify(decoded["mode"])
	require.NotNil(t, v.Text)
	assert.Equal(t, "eco", *v.Text)
}

func TestClassifyNestedValueBecomesText(t *testing.T) {
	v := measurement.Classify(map[string]interface{}{"r": 255})
	require.NotNil(t, v.Text)
	assert.JSONEq(t, `{"r": 255}`, *v.Text)
}
