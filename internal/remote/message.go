package remote

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/snehjoshi/batchq/internal/types"
	"github.com/snehjoshi/batchq/internal/validate"
)

// Recipient types accepted for sms and app messages.
const (
	RecipientPassenger = "passenger"
	RecipientDriver    = "driver"
)

// MessageSender posts JSON message payloads.
type MessageSender struct {
	c *client
}

// NewMessageSender returns a sender rooted at baseURL.
func NewMessageSender(baseURL string, opts ...Option) (*MessageSender, error) {
	c, err := newClient(baseURL, opts)
	if err != nil {
		return nil, err
	}
	return &MessageSender{c: c}, nil
}

// Send posts payload as application/json to dest.
func (s *MessageSender) Send(ctx context.Context, dest types.Destination, payload []byte) (Response, error) {
	return s.c.post(ctx, dest, "application/json", payload)
}

// RecipientPath returns the path segment pair "recipientType/recipientID".
// Each part is checked on its own and must be a valid URL part.
func RecipientPath(recipientType, recipientID string) (string, error) {
	if !validate.URLPart(recipientType) {
		return "", fmt.Errorf("%w: recipient type %q is not a valid URL part", ErrInvalidDestination, recipientType)
	}
	if !validate.URLPart(recipientID) {
		return "", fmt.Errorf("%w: recipient id %q is not a valid URL part", ErrInvalidDestination, recipientID)
	}
	return recipientType + "/" + recipientID, nil
}

// MessageDestination builds the destination of one message:
//
//	message/{type}/{recipientType}/{recipientID}
//	message/template/{type}/{template}/{recipientType}/{recipientID}
//
// For sms and app messages the recipient type must be passenger or driver;
// for email it is a free label.
func MessageDestination(messageType, template, recipientType, recipientID string) (types.Destination, error) {
	switch messageType {
	case validate.MessageSMS, validate.MessageApp:
		if recipientType != RecipientPassenger && recipientType != RecipientDriver {
			return types.Destination{}, fmt.Errorf("%w: recipient type must be %q or %q for %s messages, got %q",
				ErrInvalidDestination, RecipientPassenger, RecipientDriver, messageType, recipientType)
		}
	case validate.MessageEmail:
	default:
		return types.Destination{}, fmt.Errorf("%w: unknown message type %q", ErrInvalidDestination, messageType)
	}

	rp, err := RecipientPath(recipientType, recipientID)
	if err != nil {
		return types.Destination{}, err
	}
	if template == "" {
		return types.Destination{Path: "message/" + messageType + "/" + rp}, nil
	}
	if !validate.URLPart(template) {
		return types.Destination{}, fmt.Errorf("%w: template %q is not a valid URL part", ErrInvalidDestination, template)
	}
	return types.Destination{Path: "message/template/" + messageType + "/" + template + "/" + rp}, nil
}

// MessageValidator checks an explicit destination path against messageType
// and template. The path must be one MessageDestination would build, so the
// recipient rules apply to every message however it was appended.
func MessageValidator(messageType, template string) validate.Validator {
	return validate.Func(func(dest types.Destination, _ []byte) error {
		rtype, rid, err := splitMessagePath(dest.Path, messageType, template)
		if err != nil {
			return err
		}
		_, err = MessageDestination(messageType, template, rtype, rid)
		return err
	})
}

// splitMessagePath returns the recipient parts of a message path.
func splitMessagePath(p, messageType, template string) (recipientType, recipientID string, err error) {
	prefix := []string{"message", messageType}
	layout := "message/{type}/{recipient_type}/{recipient_id}"
	if template != "" {
		prefix = []string{"message", "template", messageType, template}
		layout = "message/template/{type}/{template}/{recipient_type}/{recipient_id}"
	}
	parts := strings.Split(strings.Trim(p, "/"), "/")
	if len(parts) != len(prefix)+2 || !slices.Equal(parts[:len(prefix)], prefix) {
		return "", "", fmt.Errorf("%w: path %q does not match %s with type %q", ErrInvalidDestination, p, layout, messageType)
	}
	return parts[len(prefix)], parts[len(prefix)+1], nil
}
