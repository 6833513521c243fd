package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/snehjoshi/batchq/internal/validate"
)

// templatePageSize is how many templates one listing page asks for.
const templatePageSize = 50

// ErrTemplateExists is returned by Publish when a template with the same name
// exists and override is false.
var ErrTemplateExists = errors.New("remote: template already exists")

// Template is one stored message template.
type Template struct {
	Name string
	// Doc is the template exactly as the endpoint returned it.
	Doc json.RawMessage
}

// TemplateStore manages the message templates of one message type under
// template/message/{type}.
type TemplateStore struct {
	c           *client
	messageType string
}

// NewTemplateStore returns a store for messageType's templates.
func NewTemplateStore(baseURL, messageType string, opts ...Option) (*TemplateStore, error) {
	switch messageType {
	case validate.MessageSMS, validate.MessageApp, validate.MessageEmail:
	default:
		return nil, fmt.Errorf("%w: unknown message type %q", ErrInvalidDestination, messageType)
	}
	c, err := newClient(baseURL, opts)
	if err != nil {
		return nil, err
	}
	return &TemplateStore{c: c, messageType: messageType}, nil
}

// List returns the templates matching name, or all of them when name is
// empty, following the endpoint's pagination.
func (s *TemplateStore) List(ctx context.Context, name string) ([]Template, error) {
	var out []Template
	page := 1
	for {
		q := url.Values{
			"page":     {strconv.Itoa(page)},
			"pagesize": {strconv.Itoa(templatePageSize)},
		}
		if name != "" {
			q.Set("name", name)
		}
		resp, err := s.c.do(ctx, http.MethodGet, s.c.url(q, "template", "message", s.messageType), "", nil)
		if err != nil {
			return nil, err
		}
		if err := checkStatus(resp); err != nil {
			return nil, err
		}

		var doc struct {
			Data      []json.RawMessage `json:"data"`
			Page      int               `json:"page"`
			MorePages bool              `json:"morePages"`
		}
		if err := json.Unmarshal(resp.Body, &doc); err != nil {
			return nil, fmt.Errorf("remote: decode template page %d: %w", page, err)
		}
		for _, raw := range doc.Data {
			var head struct {
				Name string `json:"name"`
			}
			_ = json.Unmarshal(raw, &head)
			out = append(out, Template{Name: head.Name, Doc: raw})
		}
		if !doc.MorePages {
			return out, nil
		}
		if doc.Page >= page {
			page = doc.Page + 1
		} else {
			page++
		}
	}
}

// Publish stores tpl under name. Unless override is set, an existing
// template with exactly that name makes it fail with ErrTemplateExists.
func (s *TemplateStore) Publish(ctx context.Context, name string, tpl []byte, override bool) error {
	if !validate.URLPart(name) {
		return fmt.Errorf("%w: template %q is not a valid URL part", ErrInvalidDestination, name)
	}
	if !json.Valid(tpl) {
		return errors.New("remote: template is not valid JSON")
	}
	if !override {
		existing, err := s.List(ctx, name)
		if err != nil {
			return err
		}
		for _, t := range existing {
			if t.Name == name {
				return fmt.Errorf("%w: %q", ErrTemplateExists, name)
			}
		}
	}
	resp, err := s.c.do(ctx, http.MethodPut, s.c.url(nil, "template", "message", s.messageType, name), "application/json", tpl)
	if err != nil {
		return err
	}
	return checkStatus(resp)
}

// Delete permanently removes the template called name.
func (s *TemplateStore) Delete(ctx context.Context, name string) error {
	if !validate.URLPart(name) {
		return fmt.Errorf("%w: template %q is not a valid URL part", ErrInvalidDestination, name)
	}
	resp, err := s.c.do(ctx, http.MethodDelete, s.c.url(nil, "template", "message", s.messageType, name), "", nil)
	if err != nil {
		return err
	}
	return checkStatus(resp)
}
