package models

import "time"

// Message is immutable once created. A resend is a new attempt for the same ID.
type Message struct {
	ID          string    `json:"id"`
	ThreadID    string    `json:"thread_id"`
	SenderID    string    `json:"sender_id"`
	RecipientID string    `json:"recipient_id,omitempty"`
	Content     string    `json:"content"`
	CreatedAt   time.Time `json:"created_at"`
}

func NewMessage(threadID, senderID, recipientID, content string, now time.Time) *Message {
	return &Message{
		ID:          NewID("msg"),
		ThreadID:    threadID,
		SenderID:    senderID,
		RecipientID: recipientID,
		Content:     content,
		CreatedAt:   now.UTC(),
	}
}
