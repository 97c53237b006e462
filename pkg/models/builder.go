package models

import "time"

type EventBuilder struct {
	event *Event
}

func NewEventBuilder() *EventBuilder {
	return &EventBuilder{
		event: &Event{
			EventProps: make(map[string]interface{}),
		},
	}
}

func (b *EventBuilder) WithSessionID(id string) *EventBuilder {
	b.event.SessionID = id
	return b
}

func (b *EventBuilder) WithAnonID(id string) *EventBuilder {
	b.event.AnonID = id
	return b
}

func (b *EventBuilder) WithUserID(id string) *EventBuilder {
	if id != "" {
		b.event.UserID = &id
	}
	return b
}

func (b *EventBuilder) WithName(name string) *EventBuilder {
	b.event.EventName = name
	return b
}

func (b *EventBuilder) WithProp(key string, value interface{}) *EventBuilder {
	b.event.EventProps[key] = value
	return b
}

func (b *EventBuilder) WithProps(props map[string]interface{}) *EventBuilder {
	for key, value := range props {
		b.event.EventProps[key] = value
	}
	return b
}

func (b *EventBuilder) At(occurredAt time.Time) *EventBuilder {
	b.event.OccurredAt = occurredAt
	return b
}

func (b *EventBuilder) Build() Event {
	if b.event.OccurredAt.IsZero() {
		b.event.OccurredAt = time.Now()
	}
	return *b.event
}
