// Package ingest decodes and validates security event envelopes arriving
// over the wire, from HTTP and from the message bus alike.
package ingest

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"

	"github.com/SPRIME01/homelab-infra/internal/model"
)

// envelopeSchema is the JSON schema every inbound event envelope must
// satisfy before it reaches the orchestrator. Kind membership is checked
// separately because the recognized set is extensible through config.
const envelopeSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "title": "SecurityEventEnvelope",
  "type": "object",
  "required": ["kind", "source", "severity"],
  "properties": {
    "kind":     {"type": "string", "minLength": 1},
    "source":   {"type": "string", "minLength": 1},
    "severity": {"type": "integer", "minimum": 0, "maximum": 100},
    "details":  {"type": "object"}
  },
  "additionalProperties": false
}`

// Envelope is the wire form of a security event submission.
type Envelope struct {
	Kind     model.EventKind `json:"kind"`
	Source   string          `json:"source"`
	Severity int             `json:"severity"`
	Details  map[string]any  `json:"details,omitempty"`
}

// Decoder validates raw event payloads against the envelope schema.
type Decoder struct {
	schema *gojsonschema.Schema
}

// NewDecoder compiles the envelope schema once for reuse across requests.
func NewDecoder() (*Decoder, error) {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(envelopeSchema))
	if err != nil {
		return nil, fmt.Errorf("compile envelope schema: %w", err)
	}
	return &Decoder{schema: schema}, nil
}

// Decode validates data against the envelope schema and unmarshals it.
func (d *Decoder) Decode(data []byte) (*Envelope, error) {
	result, err := d.schema.Validate(gojsonschema.NewBytesLoader(data))
	if err != nil {
		return nil, fmt.Errorf("validate envelope: %w", err)
	}
	if !result.Valid() {
		var problems []string
		for _, desc := range result.Errors() {
			problems = append(problems, desc.String())
		}
		return nil, fmt.Errorf("invalid event envelope: %s", strings.Join(problems, "; "))
	}

	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	return &env, nil
}
