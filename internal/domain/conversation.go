package domain

import "time"

// Role identifies the speaker of a conversation turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is a single conversation turn. Immutable once appended.
type Message struct {
	Role      Role
	Text      string
	CreatedAt time.Time
}

// Conversation is the per-session state consulted by the dispatch chain.
// Messages are append-only and chronological. LastBooks and LastQuery are
// set together whenever a fresh recommendation lands; a criteria refinement
// replaces LastBooks only. An empty LastQuery means no recommendation has
// happened yet.
type Conversation struct {
	Messages  []Message
	LastBooks []Book
	LastQuery string
}

// Append records one turn at the end of the history.
func (c *Conversation) Append(role Role, text string) {
	c.Messages = append(c.Messages, Message{
		Role:      role,
		Text:      text,
		CreatedAt: time.Now().UTC(),
	})
}

// Recent returns up to n of the most recent messages, oldest first.
func (c *Conversation) Recent(n int) []Message {
	if n <= 0 || len(c.Messages) == 0 {
		return nil
	}
	if len(c.Messages) <= n {
		return c.Messages
	}
	return c.Messages[len(c.Messages)-n:]
}
