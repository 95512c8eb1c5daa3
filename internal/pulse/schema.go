package pulse

import (
	"bytes"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

const schemaBaseURL = "https://schemas.pulse.local/"

var payloadSchemas = map[Kind]string{
	KindStatus: `{
		"type": "object",
		"required": ["statusType", "triggerType"],
		"properties": {
			"statusType": {"enum": ["arrived", "leaving", "on_the_way", "pulse"]},
			"triggerType": {"enum": ["manual", "bluetooth", "geofence", "hourly"]},
			"locationName": {"type": "string"},
			"latitude": {"type": "number", "minimum": -90, "maximum": 90},
			"longitude": {"type": "number", "minimum": -180, "maximum": 180}
		}
	}`,
	KindTask: `{
		"type": "object",
		"required": ["title"],
		"properties": {
			"title": {"type": "string", "minLength": 1},
			"assignedTo": {"type": "string"},
			"completed": {"type": "boolean"},
			"completedAt": {"type": "string"},
			"completedBy": {"type": "string"},
			"dueDate": {"type": "string"}
		}
	}`,
	KindNote: `{
		"type": "object",
		"required": ["content"],
		"properties": {
			"content": {"type": "string"},
			"noteType": {"enum": ["text", "drawing"]},
			"drawingUrl": {"type": "string"}
		}
	}`,
	KindVoice: `{
		"type": "object",
		"required": ["durationSeconds", "uploadState"],
		"properties": {
			"recipientIds": {"type": "array", "items": {"type": "string"}},
			"audioUrl": {"type": "string"},
			"durationSeconds": {"type": "number", "minimum": 0},
			"transcript": {"type": "string"},
			"transcriptLanguage": {"type": "string"},
			"played": {"type": "boolean"},
			"playedAt": {"type": "string"},
			"uploadState": {"enum": ["pending", "uploading", "completed", "failed"]}
		}
	}`,
}

var compiledSchemas = struct {
	once    sync.Once
	err     error
	schemas map[Kind]*jsonschema.Schema
}{}

func loadSchemas() (map[Kind]*jsonschema.Schema, error) {
	compiledSchemas.once.Do(func() {
		c := jsonschema.NewCompiler()
		out := make(map[Kind]*jsonschema.Schema, len(payloadSchemas))
		for kind, raw := range payloadSchemas {
			doc, err := jsonschema.UnmarshalJSON(strings.NewReader(raw))
			if err != nil {
				compiledSchemas.err = fmt.Errorf("parse %s schema: %w", kind, err)
				return
			}
			url := schemaBaseURL + string(kind) + ".json"
			if err := c.AddResource(url, doc); err != nil {
				compiledSchemas.err = fmt.Errorf("add %s schema: %w", kind, err)
				return
			}
			sch, err := c.Compile(url)
			if err != nil {
				compiledSchemas.err = fmt.Errorf("compile %s schema: %w", kind, err)
				return
			}
			out[kind] = sch
		}
		compiledSchemas.schemas = out
	})
	return compiledSchemas.schemas, compiledSchemas.err
}

// ValidatePayload checks a fetched payload against the kind's JSON Schema.
func ValidatePayload(kind Kind, payload []byte) error {
	schemas, err := loadSchemas()
	if err != nil {
		return err
	}
	sch, ok := schemas[kind]
	if !ok {
		return fmt.Errorf("%w: no schema for kind %q", ErrInvalidInput, kind)
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("%w: %s payload is not json: %v", ErrInvalidInput, kind, err)
	}
	if err := sch.Validate(inst); err != nil {
		return fmt.Errorf("%w: %s payload: %v", ErrInvalidInput, kind, err)
	}
	return nil
}
