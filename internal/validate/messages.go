package validate

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/snehjoshi/batchq/internal/types"
)

// Message types understood by the messaging endpoint.
const (
	MessageEmail = "email"
	MessageApp   = "app"
	MessageSMS   = "sms"
)

// ErrUnknownMessageType is returned by ForMessage for unsupported types.
var ErrUnknownMessageType = errors.New("validate: unknown message type")

// Payload shapes accepted by the messaging endpoint.
var (
	SMSSchema = Object(map[string]Schema{
		"content": String,
	})
	EmailSchema = Object(map[string]Schema{
		"subject": String,
		"body":    Object(map[string]Schema{"html": String}),
		"from":    String,
		"to":      String,
	})
	AppPushSchema = Object(map[string]Schema{
		"title": String,
	})
	AppInboxSchema = Object(map[string]Schema{
		"title":    String,
		"message":  Object(map[string]Schema{"content": String}),
		"category": Object(map[string]Schema{"text": String}),
	})
	TemplateSchema = Object(map[string]Schema{
		"parameters": Any,
	})
)

// ForMessage returns the payload validator for a message type. A non-empty
// template replaces the per-type shape with a check for "parameters".
func ForMessage(messageType, template string) (Validator, error) {
	switch messageType {
	case MessageEmail, MessageApp, MessageSMS:
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownMessageType, messageType)
	}
	if template != "" {
		return TemplateSchema, nil
	}
	switch messageType {
	case MessageSMS:
		return SMSSchema, nil
	case MessageEmail:
		return EmailSchema, nil
	default:
		return Func(validateApp), nil
	}
}

// validateApp accepts a body with a "push" part, an "inbox" part, or both.
func validateApp(_ types.Destination, payload []byte) error {
	var body map[string]any
	if err := json.Unmarshal(payload, &body); err != nil {
		return fmt.Errorf("payload must be a JSON object: %w", err)
	}
	push, hasPush := body["push"]
	inbox, hasInbox := body["inbox"]
	if !hasPush && !hasInbox {
		return errors.New(`app payload must have a "push" or "inbox" key`)
	}
	if hasPush {
		if err := AppPushSchema.check("$.push", push); err != nil {
			return err
		}
	}
	if hasInbox {
		if err := AppInboxSchema.check("$.inbox", inbox); err != nil {
			return err
		}
	}
	return nil
}

// FileParams are the destination parameters every file upload must carry.
var FileParams = []string{"recipient", "process", "folder", "name", "batch"}

// ForFile returns the validator for file uploads: a non-empty body and the
// full set of FileParams.
func ForFile() Validator {
	return All(NonEmpty, RequireParams(FileParams...))
}
