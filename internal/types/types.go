// Package types contains the core domain types shared across all BatchQ
// internal packages. It has zero imports of other BatchQ packages so that the
// queue, storage, transport and reporting layers can all depend on it without
// creating import cycles.
package types

import (
	"maps"
	"slices"
	"strconv"
	"strings"
	"time"
)

// Status is the delivery state of a queued item.
type Status uint8

const (
	// StatusPending means the item has not been sent yet.
	StatusPending Status = iota
	// StatusInFlight means a send attempt is currently outstanding.
	StatusInFlight
	// StatusSuccess means the endpoint answered 200 or 204.
	StatusSuccess
	// StatusInvalid means the endpoint rejected the request (400).
	StatusInvalid
	// StatusUnauthorized means the credentials were rejected (401).
	StatusUnauthorized
	// StatusForbidden means the caller may not send to this destination (403).
	StatusForbidden
	// StatusNotFound means the destination or template does not exist (404).
	StatusNotFound
	// StatusRateLimited means the endpoint throttled the request (429).
	StatusRateLimited
	// StatusServerError covers 500 responses and connection failures.
	StatusServerError
	// StatusTimeout means the per-request deadline elapsed.
	StatusTimeout
	// StatusUnknown covers every response code without a mapping.
	StatusUnknown
)

// AllStatuses lists every status in declaration order.
var AllStatuses = []Status{
	StatusPending,
	StatusInFlight,
	StatusSuccess,
	StatusInvalid,
	StatusUnauthorized,
	StatusForbidden,
	StatusNotFound,
	StatusRateLimited,
	StatusServerError,
	StatusTimeout,
	StatusUnknown,
}

// RetryableStatuses are the statuses a default send round picks up.
var RetryableStatuses = []Status{
	StatusPending,
	StatusServerError,
	StatusTimeout,
	StatusRateLimited,
}

var statusNames = map[Status]string{
	StatusPending:      "pending",
	StatusInFlight:     "in_flight",
	StatusSuccess:      "success",
	StatusInvalid:      "invalid",
	StatusUnauthorized: "unauthorized",
	StatusForbidden:    "forbidden",
	StatusNotFound:     "not_found",
	StatusRateLimited:  "rate_limited",
	StatusServerError:  "server_error",
	StatusTimeout:      "timeout",
	StatusUnknown:      "unknown",
}

// String returns the snake_case name of the status.
func (s Status) String() string {
	if n, ok := statusNames[s]; ok {
		return n
	}
	return "unknown"
}

// ParseStatus is the inverse of String. The second result is false when name
// is not a known status.
func ParseStatus(name string) (Status, bool) {
	name = strings.ToLower(strings.TrimSpace(name))
	for s, n := range statusNames {
		if n == name {
			return s, true
		}
	}
	return 0, false
}

// MarshalText implements encoding.TextMarshaler so statuses render by name in
// JSON bodies and map keys.
func (s Status) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Status) UnmarshalText(b []byte) error {
	v, ok := ParseStatus(string(b))
	if !ok {
		return &UnknownStatusError{Name: string(b)}
	}
	*s = v
	return nil
}

// UnknownStatusError is returned when a status name cannot be parsed.
type UnknownStatusError struct{ Name string }

func (e *UnknownStatusError) Error() string { return "types: unknown status " + strconv.Quote(e.Name) }

// IsTerminal reports whether no send is pending or outstanding for the item.
func (s Status) IsTerminal() bool {
	return s != StatusPending && s != StatusInFlight
}

// IsRetryable reports whether a default send round resends the item.
func (s Status) IsRetryable() bool {
	return slices.Contains(RetryableStatuses, s)
}

// StatusSet is a small membership set over statuses.
type StatusSet uint16

// NewStatusSet builds a set from the given statuses.
func NewStatusSet(statuses ...Status) StatusSet {
	var set StatusSet
	for _, s := range statuses {
		set |= 1 << s
	}
	return set
}

// Has reports whether s is a member of the set.
func (set StatusSet) Has(s Status) bool { return set&(1<<s) != 0 }

// Empty reports whether the set has no members.
func (set StatusSet) Empty() bool { return set == 0 }

// Statuses returns the members in declaration order.
func (set StatusSet) Statuses() []Status {
	var out []Status
	for _, s := range AllStatuses {
		if set.Has(s) {
			out = append(out, s)
		}
	}
	return out
}

// Destination is the opaque addressing information of an item: a path
// relative to the endpoint base address plus optional query parameters.
type Destination struct {
	Path   string            `json:"path,omitempty"`
	Params map[string]string `json:"params,omitempty"`
}

// String renders the destination as "path?k=v&..." with parameters sorted by
// key. Used by the reporting view.
func (d Destination) String() string {
	if len(d.Params) == 0 {
		return d.Path
	}
	var b strings.Builder
	b.WriteString(d.Path)
	b.WriteByte('?')
	for i, k := range slices.Sorted(maps.Keys(d.Params)) {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(d.Params[k])
	}
	return b.String()
}

// Clone returns a copy of d that shares no map with it.
func (d Destination) Clone() Destination {
	return Destination{Path: d.Path, Params: maps.Clone(d.Params)}
}

// Item is one queued unit of work and its delivery state.
//
// Destination and Payload never change after the item is appended. Only the
// queue mutates Status and the response fields.
type Item struct {
	// Seq is assigned at append time: 1, 2, 3, … within one queue.
	Seq uint64 `json:"seq"`

	Destination Destination `json:"destination"`
	Payload     []byte      `json:"payload"`

	Status Status `json:"status"`

	// HasResponse is true once the endpoint answered; ResponseCode is only
	// meaningful when it is set.
	HasResponse  bool   `json:"has_response"`
	ResponseCode int    `json:"response_code,omitempty"`
	ResponseBody []byte `json:"response_body,omitempty"`

	// Attempts counts the send attempts started for this item.
	Attempts int `json:"attempts"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Clone returns a deep copy of the item.
func (it *Item) Clone() Item {
	c := *it
	c.Payload = slices.Clone(it.Payload)
	c.ResponseBody = slices.Clone(it.ResponseBody)
	c.Destination = it.Destination.Clone()
	return c
}

// Result is the classified outcome of one send attempt.
type Result struct {
	Status       Status
	HasResponse  bool
	ResponseCode int
	ResponseBody []byte
}
