package relay

import (
	"github.com/goccy/go-json"

	"github.com/relabs-tech/devicehub/iot"
	"github.com/relabs-tech/devicehub/iot/offers"
)

// validateKeyValues checks an outbound command against the declared
// topic schema: every key must be declared and every value must match
// its declared type, bounds and enum vocabulary.
func validateKeyValues(keys []offers.Key, values map[string]interface{}) error {
	if len(values) == 0 {
		return iot.Validationf("no values")
	}
	declared := make(map[string]offers.Key, len(keys))
	for _, key := range keys {
		declared[key.KeyName] = key
	}
	for name, value := range values {
		key, ok := declared[name]
		if !ok {
			return iot.Validationf("key '%s' is not declared in the topic schema", name)
		}
		if err := validateValue(key, value); err != nil {
			return err
		}
	}
	return nil
}

func validateValue(key offers.Key, value interface{}) error {
	switch key.ValueType {
	case offers.TypeInt:
		number, ok := toFloat(value)
		if !ok || number != float64(int64(number)) {
			return iot.Validationf("key '%s' requires an integer value", key.KeyName)
		}
		return checkBounds(key, number)
	case offers.TypeFloat:
		number, ok := toFloat(value)
		if !ok {
			return iot.Validationf("key '%s' requires a numeric value", key.KeyName)
		}
		return checkBounds(key, number)
	case offers.TypeString:
		if _, ok := value.(string); !ok {
			return iot.Validationf("key '%s' requires a string value", key.KeyName)
		}
	case offers.TypeBool:
		if _, ok := value.(bool); !ok {
			return iot.Validationf("key '%s' requires a boolean value", key.KeyName)
		}
	case offers.TypeEnum:
		s, ok := value.(string)
		if !ok {
			return iot.Validationf("key '%s' requires one of its enum values", key.KeyName)
		}
		for _, allowed := range key.EnumValues {
			if s == allowed {
				return nil
			}
		}
		return iot.Validationf("'%s' is not an enum value of key '%s'", s, key.KeyName)
	}
	return nil
}

func checkBounds(key offers.Key, number float64) error {
	if key.MinValue != nil && number < *key.MinValue {
		return iot.Validationf("key '%s' is below its minimum", key.KeyName)
	}
	if key.MaxValue != nil && number > *key.MaxValue {
		return iot.Validationf("key '%s' is above its maximum", key.KeyName)
	}
	return nil
}

func toFloat(value interface{}) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}
