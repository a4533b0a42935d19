/*Package offers parses and validates device capability offers

An offer document is submitted at registration time and declares what a
device can do. Offers are a sequence of blocks, each tagged with its kind.
Only the "MQTT" kind is implemented, it declares topics with a typed key
schema. Unknown kinds are ignored so firmware can start announcing new
capabilities before the hub learns to apply them.
*/
package offers

import (
	"strings"

	"github.com/goccy/go-json"

	"github.com/relabs-tech/devicehub/core/schema"
	"github.com/relabs-tech/devicehub/iot"
)

// KindMQTT is the only offer kind the hub currently applies.
const KindMQTT = "MQTT"

// Value types a topic key can declare.
const (
	TypeInt    = "int"
	TypeFloat  = "float"
	TypeString = "string"
	TypeBool   = "bool"
	TypeEnum   = "enum"
)

// Endpoint directions of a topic.
const (
	EndpointSet   = "set"   // device subscribes, the hub publishes commands
	EndpointState = "state" // device publishes, the hub persists and relays
)

// Key is one declared key within a topic schema. The schema is advisory
// metadata for operators; min/max apply to numeric types, enum values are
// required for and exclusive to the enum type.
type Key struct {
	KeyName    string   `json:"key_name"`
	ValueType  string   `json:"value_type"`
	MinValue   *float64 `json:"min_value,omitempty"`
	MaxValue   *float64 `json:"max_value,omitempty"`
	EnumValues []string `json:"enum_values,omitempty"`
}

// Topic is one declared MQTT topic. The name must not contain '/', it is
// a single segment of the wire topic {device_id}/{topic}/{endpoint}.
type Topic struct {
	Topic     string   `json:"topic"`
	Endpoints []string `json:"endpoints,omitempty"`
	Keys      []Key    `json:"keys"`
}

// HasSet returns true if the topic declares the set endpoint.
func (t Topic) HasSet() bool {
	for _, e := range t.Endpoints {
		if e == EndpointSet {
			return true
		}
	}
	return false
}

// HasState returns true if the topic declares the state endpoint.
func (t Topic) HasState() bool {
	for _, e := range t.Endpoints {
		if e == EndpointState {
			return true
		}
	}
	return false
}

// Offer is one tagged block of an offer document.
type Offer struct {
	Kind string
	Raw  json.RawMessage
}

const offersSchemaID = "https://devicehub.relabs.tech/schemas/offers.json"

// The JSON schema gates the document shape before structural validation,
// so the per-topic checks below can assume well-formed JSON types.
const offersSchemaJSON = `{
	"$id": "https://devicehub.relabs.tech/schemas/offers.json",
	"type": "array",
	"items": {
		"type": "object",
		"additionalProperties": { "type": "array" }
	}
}`

// Parser validates and parses offer documents.
type Parser struct {
	validator *schema.Validator
}

// NewParser creates a parser. It panics if the built-in schema does not
// compile.
func NewParser() *Parser {
	v, err := schema.NewValidator([]string{offersSchemaJSON}, nil)
	if err != nil {
		panic(err)
	}
	return &Parser{validator: v}
}

// Parse validates raw against the offer document schema and splits it
// into tagged blocks. An empty document parses to no offers.
func (p *Parser) Parse(raw []byte) ([]Offer, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	if err := p.validator.ValidateBytes(raw, offersSchemaID); err != nil {
		return nil, iot.Validationf("failed to parse offers: %s", err.Error())
	}
	var blocks []map[string]json.RawMessage
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return nil, iot.Validationf("failed to parse offers: %s", err.Error())
	}
	var result []Offer
	for _, block := range blocks {
		for kind, value := range block {
			result = append(result, Offer{Kind: kind, Raw: value})
		}
	}
	return result, nil
}

// ParseMQTT decodes and validates one MQTT offer block. Endpoints default
// to both set and state when absent; the returned topics always carry the
// explicit endpoint list.
func ParseMQTT(raw json.RawMessage) ([]Topic, error) {
	var topics []Topic
	if err := json.Unmarshal(raw, &topics); err != nil {
		return nil, iot.Validationf("invalid MQTT offer format: %s", err.Error())
	}
	for i := range topics {
		if err := normalize(&topics[i]); err != nil {
			return nil, err
		}
	}
	return topics, nil
}

// normalize validates one topic declaration fail-fast and applies the
// endpoint default.
func normalize(t *Topic) error {
	if t.Topic == "" {
		return iot.Validationf("invalid MQTT offer format: missing topic name")
	}
	if strings.Contains(t.Topic, "/") {
		return iot.Validationf("invalid MQTT offer format: topic '%s' must not contain '/'", t.Topic)
	}
	if len(t.Endpoints) == 0 {
		// absent endpoints mean a topic offers both directions
		t.Endpoints = []string{EndpointSet, EndpointState}
	}
	for _, e := range t.Endpoints {
		if e != EndpointSet && e != EndpointState {
			return iot.Validationf("invalid MQTT offer format: unknown endpoint '%s' in topic '%s'", e, t.Topic)
		}
	}
	if len(t.Keys) == 0 {
		return iot.Validationf("invalid MQTT offer format: missing keys in topic '%s'", t.Topic)
	}
	for _, k := range t.Keys {
		if k.KeyName == "" || k.ValueType == "" {
			return iot.Validationf("invalid MQTT offer format: missing key_name or value_type in topic '%s'", t.Topic)
		}
		switch k.ValueType {
		case TypeInt, TypeFloat:
		case TypeString, TypeBool:
			if k.MinValue != nil || k.MaxValue != nil {
				return iot.Validationf("invalid MQTT offer format: min/max not allowed for %s key '%s'", k.ValueType, k.KeyName)
			}
		case TypeEnum:
			if len(k.EnumValues) == 0 {
				return iot.Validationf("invalid MQTT offer format: enum key '%s' requires enum_values", k.KeyName)
			}
		default:
			return iot.Validationf("invalid MQTT offer format: unknown value_type '%s' of key '%s'", k.ValueType, k.KeyName)
		}
		if k.ValueType != TypeEnum && len(k.EnumValues) > 0 {
			return iot.Validationf("invalid MQTT offer format: enum_values not allowed for %s key '%s'", k.ValueType, k.KeyName)
		}
	}
	return nil
}

// Applier applies one offer block of its kind for a device.
type Applier interface {
	Apply(deviceID string, raw json.RawMessage) error
}

// Registry maps offer kinds to their appliers. Future offer kinds are
// additive: register an applier and the kind becomes active.
type Registry struct {
	appliers map[string]Applier
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{appliers: make(map[string]Applier)}
}

// Register adds an applier for kind.
func (r *Registry) Register(kind string, a Applier) {
	r.appliers[kind] = a
}

// Apply applies all offer blocks. Blocks of unknown kinds are skipped.
func (r *Registry) Apply(deviceID string, offerList []Offer) error {
	for _, offer := range offerList {
		applier, ok := r.appliers[offer.Kind]
		if !ok {
			continue
		}
		if err := applier.Apply(deviceID, offer.Raw); err != nil {
			return err
		}
	}
	return nil
}
