package model

// AggregateRoot is the capability the repository relies on to persist any aggregate:
// an identity, an optimistic concurrency version and the events recorded since the last save.
type AggregateRoot interface {
	ID() string
	Version() int
	PendingEvents() []DomainEvent
	ClearEvents()
	MarkCommitted()
}

// changeLog is embedded by aggregates to track version and pending events.
type changeLog struct {
	version int
	events  []DomainEvent
}

func (c *changeLog) Version() int { return c.version }

// PendingEvents returns a copy of the events recorded since the last commit, oldest first.
func (c *changeLog) PendingEvents() []DomainEvent {
	out := make([]DomainEvent, len(c.events))
	copy(out, c.events)
	return out
}

func (c *changeLog) ClearEvents() {
	c.events = nil
}

// MarkCommitted is called after a successful write: version moves forward by one and
// pending events are dropped.
func (c *changeLog) MarkCommitted() {
	c.version++
	c.ClearEvents()
}

func (c *changeLog) record(e DomainEvent) {
	c.events = append(c.events, e)
}
