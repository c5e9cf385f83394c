package domain

import (
	"encoding/json"
	"strings"
	"time"
)

// Sender identifies who produced a message.
type Sender string

const (
	SenderUser      Sender = "user"
	SenderAssistant Sender = "assistant"
)

// Message is a single turn in the local transcript.
type Message struct {
	ID           string    `json:"id"`
	Text         string    `json:"text"`
	Sender       Sender    `json:"sender"`
	Timestamp    time.Time `json:"timestamp"`
	IsAIResponse bool      `json:"isAIResponse"`
}

// StoredTurn is a message as persisted by the remote chat service.
type StoredTurn struct {
	ID           string    `json:"_id,omitempty"`
	Content      string    `json:"content"`
	IsAIResponse bool      `json:"isAIResponse"`
	CreatedAt    time.Time `json:"createdAt"`
}

// storedTimeLayouts are tried in order for createdAt strings.
var storedTimeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.000",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	time.RFC1123Z,
	time.RFC1123,
	"2006-01-02",
}

// UnmarshalJSON decodes a turn leniently: a missing, empty or unparseable
// createdAt leaves CreatedAt zero instead of failing the whole history.
func (t *StoredTurn) UnmarshalJSON(data []byte) error {
	type plain StoredTurn
	var raw struct {
		plain
		CreatedAt json.RawMessage `json:"createdAt"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*t = StoredTurn(raw.plain)
	t.CreatedAt = parseStoredTime(raw.CreatedAt)
	return nil
}

// parseStoredTime accepts the date strings and epoch milliseconds the chat
// service has been seen to emit. Anything else is the zero time.
func parseStoredTime(raw json.RawMessage) time.Time {
	if len(raw) == 0 || string(raw) == "null" {
		return time.Time{}
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		s = strings.TrimSpace(s)
		if s == "" {
			return time.Time{}
		}
		for _, layout := range storedTimeLayouts {
			if ts, err := time.Parse(layout, s); err == nil {
				return ts
			}
		}
		return time.Time{}
	}

	var ms float64
	if err := json.Unmarshal(raw, &ms); err == nil && ms > 0 {
		return time.UnixMilli(int64(ms)).UTC()
	}
	return time.Time{}
}

// ChatThread is one server-side conversation for a persona.
type ChatThread struct {
	ID       string       `json:"_id,omitempty"`
	Messages []StoredTurn `json:"messages"`
}

// Quota mirrors the server's message allowance for a verified user.
type Quota struct {
	ChatCount int `json:"chatCount"`
	MaxChats  int `json:"maxChats"`
}

// DefaultMaxChats is the anonymous allowance shown before the server reports one.
const DefaultMaxChats = 5
