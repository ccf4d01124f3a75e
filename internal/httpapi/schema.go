package httpapi

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// webhookChangeSchema describes the change-event delivery shape. The
// url_verification handshake is handled before validation and is not
// covered here.
const webhookChangeSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["type", "event"],
  "properties": {
    "type": {
      "type": "string",
      "const": "doc.change"
    },
    "event": {
      "type": "object",
      "required": ["documentId", "editorId", "modifiedAt"],
      "properties": {
        "documentId": {"type": "string", "minLength": 1},
        "docType": {"type": "string"},
        "changeType": {"type": "string"},
        "editorId": {"type": "string", "minLength": 1},
        "modifiedAt": {"type": "integer", "minimum": 1},
        "revision": {"type": "integer", "minimum": 0},
        "title": {"type": "string"}
      }
    }
  }
}`

type webhookSchema struct {
	schema *jsonschema.Schema
}

// compileWebhookSchema panics on failure. The schema text is a build-time
// constant, so a compile error is a programming bug, not a runtime
// condition.
func compileWebhookSchema() *webhookSchema {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(webhookChangeSchema))
	if err != nil {
		panic(fmt.Sprintf("httpapi: parse webhook schema: %v", err))
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("webhook-change.json", doc); err != nil {
		panic(fmt.Sprintf("httpapi: add webhook schema resource: %v", err))
	}
	schema, err := compiler.Compile("webhook-change.json")
	if err != nil {
		panic(fmt.Sprintf("httpapi: compile webhook schema: %v", err))
	}
	return &webhookSchema{schema: schema}
}

func (s *webhookSchema) validate(body []byte) error {
	instance, err := jsonschema.UnmarshalJSON(bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("parse payload: %w", err)
	}
	return s.schema.Validate(instance)
}
