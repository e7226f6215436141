package httpapi

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/inwire/msggate/internal/msggate"
	"github.com/santhosh-tekuri/jsonschema/v6"
)

const webhookSchemaJSON = `{
	"type": "object",
	"required": ["message_id", "from", "to", "ts"],
	"properties": {
		"message_id": {"type": "string", "minLength": 1},
		"from": {"type": "string", "pattern": "^\\+[0-9]+$"},
		"to": {"type": "string", "pattern": "^\\+[0-9]+$"},
		"ts": {"type": "string"},
		"text": {"type": ["string", "null"], "maxLength": 4096}
	}
}`

var webhookSchema = mustCompileWebhookSchema()

func mustCompileWebhookSchema() *jsonschema.Schema {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(webhookSchemaJSON))
	if err != nil {
		panic(err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("webhook.schema.json", doc); err != nil {
		panic(err)
	}
	schema, err := compiler.Compile("webhook.schema.json")
	if err != nil {
		panic(err)
	}
	return schema
}

type webhookPayload struct {
	MessageID string  `json:"message_id"`
	From      string  `json:"from"`
	To        string  `json:"to"`
	TS        string  `json:"ts"`
	Text      *string `json:"text"`
}

// parseWebhookPayload validates the raw body against the webhook schema and
// produces a well-typed event. The timestamp must carry an explicit UTC
// offset; local or non-UTC instants are rejected.
func parseWebhookPayload(body []byte) (msggate.Message, error) {
	instance, err := jsonschema.UnmarshalJSON(bytes.NewReader(body))
	if err != nil {
		return msggate.Message{}, errors.New("body is not valid JSON")
	}
	if err := webhookSchema.Validate(instance); err != nil {
		return msggate.Message{}, err
	}

	var payload webhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return msggate.Message{}, errors.New("body is not valid JSON")
	}
	ts, err := time.Parse(time.RFC3339, payload.TS)
	if err != nil {
		return msggate.Message{}, fmt.Errorf("ts must be an RFC 3339 timestamp: %v", err)
	}
	if _, offset := ts.Zone(); offset != 0 {
		return msggate.Message{}, errors.New("ts must be an explicit UTC instant")
	}

	return msggate.Message{
		MessageID: payload.MessageID,
		From:      payload.From,
		To:        payload.To,
		Timestamp: ts.UTC(),
		Text:      payload.Text,
	}, nil
}
