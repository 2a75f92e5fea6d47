// Package reply bridges accepted inbound messages to the agent gateway that
// produces replies, and defines the payloads it hands back for delivery.
package reply

import (
	"context"
	"strings"
	"time"
	"unicode"
)

// NoReply is the sentinel text an agent returns when it chooses not to answer.
const NoReply = "NO_REPLY"

// Context is the normalized inbound context sent to the agent gateway.
type Context struct {
	AccountID    string    `json:"account_id"`
	Channel      string    `json:"channel"`
	ChatID       string    `json:"chat_id"`
	ChatType     string    `json:"chat_type"`
	IsGroup      bool      `json:"is_group"`
	ThreadID     string    `json:"thread_id,omitempty"`
	SenderID     string    `json:"sender_id"`
	SenderName   string    `json:"sender_name,omitempty"`
	MessageID    string    `json:"message_id"`
	Text         string    `json:"text"`
	WasMentioned bool      `json:"was_mentioned"`
	ReplyToID    string    `json:"reply_to_id,omitempty"`
	SessionKey   string    `json:"session_key"`
	MediaRefs    []string  `json:"media_refs,omitempty"`
	ReceivedAt   time.Time `json:"received_at"`
}

// Payload is one reply produced by the agent.
type Payload struct {
	Text      string   `json:"text,omitempty"`
	MediaURL  string   `json:"media_url,omitempty"`
	MediaURLs []string `json:"media_urls,omitempty"`
}

// Media returns the non-empty media URLs, MediaURL first.
func (p Payload) Media() []string {
	urls := make([]string, 0, len(p.MediaURLs)+1)
	if v := strings.TrimSpace(p.MediaURL); v != "" {
		urls = append(urls, v)
	}
	for _, u := range p.MediaURLs {
		if v := strings.TrimSpace(u); v != "" {
			urls = append(urls, v)
		}
	}
	return urls
}

// IsSilent reports whether the payload carries nothing to deliver: no media and
// either empty text or text led or trailed by the NoReply token.
func (p Payload) IsSilent() bool {
	if len(p.Media()) > 0 {
		return false
	}
	text := strings.TrimSpace(p.Text)
	return text == "" || IsSilentText(text)
}

// IsSilentText reports whether text starts or ends with the NoReply token as a whole word.
func IsSilentText(text string) bool {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return false
	}
	token := []rune(NoReply)
	value := []rune(trimmed)
	if len(value) < len(token) {
		return false
	}
	return hasTokenPrefix(value, token) || hasTokenSuffix(value, token)
}

func hasTokenPrefix(value []rune, token []rune) bool {
	if len(value) < len(token) {
		return false
	}
	for i := range token {
		if value[i] != token[i] {
			return false
		}
	}
	if len(value) == len(token) {
		return true
	}
	return !isWordChar(value[len(token)])
}

func hasTokenSuffix(value []rune, token []rune) bool {
	if len(value) < len(token) {
		return false
	}
	start := len(value) - len(token)
	for i := range token {
		if value[start+i] != token[i] {
			return false
		}
	}
	if start == 0 {
		return true
	}
	return !isWordChar(value[start-1])
}

func isWordChar(value rune) bool {
	return value == '_' || unicode.IsLetter(value) || unicode.IsDigit(value)
}

// Deliver hands one payload back to the channel.
type Deliver func(ctx context.Context, payload Payload) error

// Dispatcher produces replies for an inbound context and delivers each through deliver.
type Dispatcher interface {
	Dispatch(ctx context.Context, rc Context, deliver Deliver) error
}

// DispatcherFunc adapts a function to Dispatcher.
type DispatcherFunc func(ctx context.Context, rc Context, deliver Deliver) error

func (f DispatcherFunc) Dispatch(ctx context.Context, rc Context, deliver Deliver) error {
	return f(ctx, rc, deliver)
}
