package config

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

const durationPattern = `^([0-9]+(\\.[0-9]+)?(ns|us|µs|ms|s|m|h))+$`

// configSchema rejects unknown keys and wrong types before the document is
// decoded; semantic checks live in Validate.
var configSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "additionalProperties": false,
  "properties": {
    "max_resident_dimension": {"type": "integer", "minimum": 0},
    "platform_encoding_profile": {"type": "string", "enum": ["mobile", "high-end-mobile", "desktop"]},
    "generate_mip_chain": {"type": "boolean"},
    "detail_level_expansion_factor": {"type": "number", "minimum": 1},
    "compress": {"type": "boolean"},
    "max_memory": {"type": "string", "minLength": 1},
    "idle_eviction_interval": {"type": "string", "pattern": "` + durationPattern + `"},
    "idle_timeout": {"type": "string", "pattern": "` + durationPattern + `"},
    "async_loaders": {"type": "integer", "minimum": 1},
    "streaming_batch_size": {"type": "integer", "minimum": 1},
    "streaming_distance_threshold": {"type": "number", "exclusiveMinimum": 0},
    "scheduler_tick_interval": {"type": "string", "pattern": "` + durationPattern + `"},
    "memory_pressure_threshold": {"type": "number", "exclusiveMinimum": 0, "exclusiveMaximum": 1},
    "detail_level_weight": {"type": "number", "minimum": 0},
    "pressure_dampening": {"type": "number", "exclusiveMinimum": 0, "maximum": 1},
    "logging": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "level": {"type": "string", "enum": ["debug", "info", "warn", "warning", "error"]},
        "enable_console": {"type": "boolean"},
        "enable_file": {"type": "boolean"},
        "log_file": {"type": "string"},
        "buffer_size": {"type": "integer", "minimum": 0},
        "log_dir": {"type": "string"}
      }
    }
  }
}`

var (
	schemaOnce     sync.Once
	compiledSchema *jsonschema.Schema
	schemaErr      error
)

func schema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		compiledSchema, schemaErr = jsonschema.CompileString("texstream-config.schema.json", configSchema)
	})
	return compiledSchema, schemaErr
}

// validateSchema checks a decoded YAML document. The document goes through
// a JSON round trip so the validator sees JSON types.
func validateSchema(raw map[string]interface{}) error {
	s, err := schema()
	if err != nil {
		return fmt.Errorf("failed to compile config schema: %w", err)
	}

	data, err := json.Marshal(raw)
	if err != nil {
		return fmt.Errorf("config is not representable as JSON: %w", err)
	}
	var doc interface{}
	if err := json.Unmarshal(data, &doc); err != nil {
		return err
	}
	return s.Validate(doc)
}
