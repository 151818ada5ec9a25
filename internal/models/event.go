package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

type EventType string

const (
	EventChatMessage      EventType = "chat_message"
	EventAuthenticate     EventType = "authenticate"
	EventMessageReceived  EventType = "message_received"
	EventMarkRead         EventType = "mark_message_read"
	EventMessageSent      EventType = "message_sent"
	EventMessageDelivered EventType = "message_delivered"
	EventMessageRead      EventType = "message_read"
	EventMessageFailed    EventType = "message_failed"
	EventPendingMessages  EventType = "pending_messages"
	EventHeartbeat        EventType = "heartbeat"
)

var ErrMalformedEvent = errors.New("malformed event")

// Event is the wire record exchanged with the chat server in both directions.
type Event struct {
	Type        EventType `json:"type"`
	MessageID   string    `json:"messageId,omitempty"`
	ThreadID    string    `json:"threadId,omitempty"`
	RecipientID string    `json:"recipientId,omitempty"`
	SenderID    string    `json:"senderId,omitempty"`
	Content     string    `json:"content,omitempty"`
	Token       string    `json:"token,omitempty"`
	Timestamp   int64     `json:"timestamp,omitempty"`
	Success     *bool     `json:"success,omitempty"`
	Error       string    `json:"error,omitempty"`
	Messages    []Event   `json:"messages,omitempty"`
}

func DecodeEvent(data []byte) (Event, error) {
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	return ev, nil
}

func (e Event) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// Validate checks the fields each event type needs to be acted on.
func (e Event) Validate() error {
	switch e.Type {
	case EventMessageSent, EventMessageDelivered, EventMessageRead, EventMessageFailed,
		EventMessageReceived, EventMarkRead:
		if e.MessageID == "" {
			return fmt.Errorf("%w: %s without messageId", ErrMalformedEvent, e.Type)
		}
	case EventChatMessage:
		if e.MessageID == "" || e.ThreadID == "" {
			return fmt.Errorf("%w: chat_message without messageId or threadId", ErrMalformedEvent)
		}
	case EventAuthenticate, EventHeartbeat, EventPendingMessages:
	case "":
		return fmt.Errorf("%w: missing type", ErrMalformedEvent)
	default:
		return fmt.Errorf("%w: unknown type %q", ErrMalformedEvent, e.Type)
	}
	return nil
}

// Succeeded treats an absent success flag as success.
func (e Event) Succeeded() bool {
	return e.Success == nil || *e.Success
}

// Time returns the event timestamp, or fallback when the event carries none.
func (e Event) Time(fallback time.Time) time.Time {
	if e.Timestamp == 0 {
		return fallback
	}
	return time.UnixMilli(e.Timestamp).UTC()
}

// Status maps acknowledgment events onto the delivery status they report.
func (e Event) Status() (DeliveryStatus, bool) {
	switch e.Type {
	case EventMessageSent:
		if !e.Succeeded() {
			return StatusFailed, true
		}
		return StatusSent, true
	case EventMessageDelivered:
		return StatusDelivered, true
	case EventMessageRead:
		return StatusRead, true
	case EventMessageFailed:
		return StatusFailed, true
	}
	return StatusUnknown, false
}

func Bool(v bool) *bool { return &v }

func ChatEvent(msg *Message) Event {
	return Event{
		Type:        EventChatMessage,
		MessageID:   msg.ID,
		ThreadID:    msg.ThreadID,
		RecipientID: msg.RecipientID,
		SenderID:    msg.SenderID,
		Content:     msg.Content,
		Timestamp:   msg.CreatedAt.UnixMilli(),
	}
}

func (e Event) Message() *Message {
	return &Message{
		ID:          e.MessageID,
		ThreadID:    e.ThreadID,
		SenderID:    e.SenderID,
		RecipientID: e.RecipientID,
		Content:     e.Content,
		CreatedAt:   e.Time(time.Now().UTC()),
	}
}
