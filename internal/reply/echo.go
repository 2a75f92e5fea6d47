package reply

import (
	"context"
	"strings"
)

// EchoDispatcher replies with the inbound text. Useful for wiring checks without an agent.
type EchoDispatcher struct{}

func (EchoDispatcher) Dispatch(ctx context.Context, rc Context, deliver Deliver) error {
	text := strings.TrimSpace(rc.Text)
	if text == "" {
		return deliver(ctx, Payload{Text: NoReply})
	}
	return deliver(ctx, Payload{Text: text})
}
