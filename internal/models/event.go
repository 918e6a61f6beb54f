package models

// EventStatus is the lifecycle state of a row in keyboard_events.
type EventStatus string

const (
	StatusPending   EventStatus = "pending"
	StatusClaimed   EventStatus = "claimed"
	StatusDone      EventStatus = "done"
	StatusDiscarded EventStatus = "discarded"
	StatusFailed    EventStatus = "failed"
)

// IsTerminal reports whether the worker is finished with an event in this status.
func (s EventStatus) IsTerminal() bool {
	switch s {
	case StatusDone, StatusDiscarded, StatusFailed:
		return true
	}
	return false
}

// QueueEvent represents a row of the 'keyboard_events' table.
type QueueEvent struct {
	ID     string      `db:"id" json:"id"`
	Text   string      `db:"text" json:"text"`
	Status EventStatus `db:"status" json:"status,omitempty"`
	Error  *string     `db:"error" json:"error,omitempty"` // Truncated failure reason
}
