package offers_test

import (
	"testing"

	"github.com/goccy/go-json"

	"github.com/relabs-tech/devicehub/iot"
	"github.com/relabs-tech/devicehub/iot/offers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const rgbLightOffers = `[
  {
    "MQTT": [
      {
        "topic": "brightness",
        "endpoints": ["set", "state"],
        "keys": [
          { "key_name": "brightness", "value_type": "float", "min_value": 0, "max_value": 1 }
        ]
      },
      {
        "topic": "rgb",
        "keys": [
          { "key_name": "r", "value_type": "int", "min_value": 0, "max_value": 255 },
          { "key_name": "g", "value_type": "int", "min_value": 0, "max_value": 255 },
          { "key_name": "b", "value_type": "int", "min_value": 0, "max_value": 255 }
        ]
      },
      {
        "topic": "effects",
        "endpoints": ["set"],
        "keys": [
          { "key_name": "effect", "value_type": "enum", "enum_values": ["WAVES", "RAINBOW", "PULSE"] }
        ]
      }
    ]
  }
]`

func TestParseSplitsKinds(t *testing.T) {
	p := offers.NewParser()
	parsed, err := p.Parse([]byte(rgbLightOffers))
	require.NoError(t, err)
	require.Len(t, parsed, 1)
	assert.Equal(t, offers.KindMQTT, parsed[0].Kind)
}

func TestParseEmptyDocument(t *testing.T) {
	p := offers.NewParser()
	parsed, err := p.Parse(nil)
	require.NoError(t, err)
	assert.Empty(t, parsed)

	parsed, err = p.Parse([]byte(`[]`))
	require.NoError(t, err)
	assert.Empty(t, parsed)
}

func TestParseRejectsNonArray(t *testing.T) {
	p := offers.NewParser()
	_, err := p.Parse([]byte(`{"MQTT": []}`))
	require.Error(t, err)
	assert.True(t, iot.IsValidation(err))
}

func TestParseMQTTEndpointDefault(t *testing.T) {
	p := offers.NewParser()
	parsed, err := p.Parse([]byte(rgbLightOffers))
	require.NoError(t, err)

	topics, err := offers.ParseMQTT(parsed[0].Raw)
	require.NoError(t, err)
	require.Len(t, topics, 3)

	// "rgb" has no endpoints declared, defaults to both directions
	assert.True(t, topics[1].HasSet())
	assert.True(t, topics[1].HasState())

	// "effects" declares set only
	assert.True(t, topics[2].HasSet())
	assert.False(t, topics[2].HasState())
}

func TestParseMQTTRejectsTopicWithSlash(t *testing.T) {
	raw := json.RawMessage(`[{"topic": "a/b", "keys": [{"key_name": "x", "value_type": "int"}]}]`)
	_, err := offers.ParseMQTT(raw)
	require.Error(t, err)
	assert.True(t, iot.IsValidation(err))
	assert.Contains(t, err.Error(), "must not contain '/'")
}

func TestParseMQTTRejectsMissingPieces(t *testing.T) {
	cases := []struct {
		name string
		raw  string
	}{
		{"missing topic name", `[{"keys": [{"key_name": "x", "value_type": "int"}]}]`},
		{"missing keys", `[{"topic": "a"}]`},
		{"missing key_name", `[{"topic": "a", "keys": [{"value_type": "int"}]}]`},
		{"missing value_type", `[{"topic": "a", "keys": [{"key_name": "x"}]}]`},
		{"unknown value_type", `[{"topic": "a", "keys": [{"key_name": "x", "value_type": "blob"}]}]`},
		{"unknown endpoint", `[{"topic": "a", "endpoints": ["poll"], "keys": [{"key_name": "x", "value_type": "int"}]}]`},
		{"enum without values", `[{"topic": "a", "keys": [{"key_name": "x", "value_type": "enum"}]}]`},
		{"enum values on int", `[{"topic": "a", "keys": [{"key_name": "x", "value_type": "int", "enum_values": ["A"]}]}]`},
		{"min on string", `[{"topic": "a", "keys": [{"key_name": "x", "value_type": "string", "min_value": 1}]}]`},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			_, err := offers.ParseMQTT(json.RawMessage(c.raw))
			require.Error(t, err)
			assert.True(t, iot.IsValidation(err))
		})
	}
}

type recordingApplier struct {
	applied []string
}

func (r *recordingApplier) Apply(deviceID string, raw json.RawMessage) error {
	r.applied = append(r.applied, deviceID)
	return nil
}

func TestRegistrySkipsUnknownKinds(t *testing.T) {
	p := offers.NewParser()
	parsed, err := p.Parse([]byte(`[{"MQTT": []}, {"BLE": [{"service": "batt"}]}]`))
	require.NoError(t, err)
	require.Len(t, parsed, 2)

	applier := &recordingApplier{}
	registry := offers.NewRegistry()
	registry.Register(offers.KindMQTT, applier)

	err = registry.Apply("d1", parsed)
	require.NoError(t, err)
	assert.Equal(t, []string{"d1"}, applier.applied)
}
