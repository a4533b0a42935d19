package schema_test

import (
	"testing"

	"github.com/relabs-tech/devicehub/core/schema"
)

const (
	refTopicName = `{ "$id" : "https://devicehub.relabs.tech/schemas/topic-name.json",
		"type" : "string",
		"pattern" : "^[^/]+$" }`

	topicSchema = `
	{ "$id" : "https://devicehub.relabs.tech/schemas/topic.json",
	  "type" : "object",
	  "required" : ["topic"],
	  "properties" : {
		"topic" : { "$ref" : "https://devicehub.relabs.tech/schemas/topic-name.json" }
	  }
	}`
)

func TestValidateString(t *testing.T) {
	v, err := schema.NewValidator([]string{topicSchema}, []string{refTopicName})
	if err != nil {
		t.Fatalf("No error expected when creating validator, got %v", err)
	}

	schemaID := "https://devicehub.relabs.tech/schemas/topic.json"
	valid := `{"topic": "rgbLight"}`
	invalid := `{"notopic": true}`

	if err := v.ValidateString(valid, schemaID); err != nil {
		t.Fatalf("%s is expected to be valid with schema %s. Reported error was: %v", valid, schemaID, err)
	}
	if err := v.ValidateString(invalid, schemaID); err == nil {
		t.Fatalf("%s is expected to be invalid with schema %s", invalid, schemaID)
	}
	if err := v.ValidateBytes([]byte(valid), schemaID); err != nil {
		t.Fatalf("%s is expected to be valid with schema %s. Reported error was: %v", valid, schemaID, err)
	}
}

func TestValidateStruct(t *testing.T) {
	schemaJSON := `{
		"$id": "https://devicehub.relabs.tech/schemas/registration.json",
		"type": "object",
		"required": [
			"device_id"
		],
		"properties": {
			"device_id": {
				"type": "string"
			}
		}
	}`
	type registration struct {
		DeviceID string `json:"device_id"`
	}

	v, err := schema.NewValidator([]string{schemaJSON}, []string{})
	if err != nil {
		t.Fatalf("No error expected when creating validator, got %v", err)
	}

	if err := v.ValidateStruct(registration{"4711"}, "https://devicehub.relabs.tech/schemas/registration.json"); err != nil {
		t.Fatal(err)
	}

	type registrationIncorrect struct {
		DeviceID string `json:"id"`
	}
	if err := v.ValidateStruct(registrationIncorrect{"4711"}, "https://devicehub.relabs.tech/schemas/registration.json"); err == nil {
		t.Fatal("expected validation error")
	}
}

func TestHasSchema(t *testing.T) {
	v, err := schema.NewValidator([]string{topicSchema}, []string{refTopicName})
	if err != nil {
		t.Fatalf("No error expected when creating validator, got %v", err)
	}

	if !v.HasSchema("https://devicehub.relabs.tech/schemas/topic.json") {
		t.Fatal("topic schema is expected to be available")
	}
	if v.HasSchema("https://devicehub.relabs.tech/schemas/unknown.json") {
		t.Fatal("unknown schema is not expected to be available")
	}
}
