package dispatcher

import (
	"time"

	"github.com/snehjoshi/batchq/internal/types"
)

// EventType identifies what an Event reports.
type EventType string

const (
	EventRoundStarted  EventType = "round_started"
	EventItemSending   EventType = "item_sending"
	EventItemResolved  EventType = "item_resolved"
	EventRoundFinished EventType = "round_finished"
)

// Event is one progress notification.
type Event struct {
	Type         EventType    `json:"type"`
	Round        string       `json:"round"`
	Kind         string       `json:"kind"`
	Seq          uint64       `json:"seq,omitempty"`
	Status       types.Status `json:"status"`
	ResponseCode int          `json:"response_code,omitempty"`
	Items        int          `json:"items,omitempty"`
	Summary      *Summary     `json:"summary,omitempty"`
	Time         time.Time    `json:"time"`
}

// Observer receives progress events. Observe is called from send goroutines
// and must not block.
type Observer interface {
	Observe(Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(Event)

// Observe calls f.
func (f ObserverFunc) Observe(ev Event) { f(ev) }
