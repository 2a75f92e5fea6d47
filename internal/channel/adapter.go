package channel

import (
	"context"
	"errors"
	"sync/atomic"
)

// ErrStopNotSupported is returned when a connection does not support graceful shutdown.
var ErrStopNotSupported = errors.New("channel connection stop not supported")

// InboundHandler is a callback invoked when a message arrives from a channel.
type InboundHandler func(ctx context.Context, cfg ChannelConfig, msg InboundMessage) error

// Middleware wraps an InboundHandler to add cross-cutting behavior.
type Middleware func(next InboundHandler) InboundHandler

// ReplySender sends, edits and deletes replies within a single inbound-processing scope.
type ReplySender interface {
	// Send delivers msg and returns the platform id of the last message sent.
	Send(ctx context.Context, msg OutboundMessage) (string, error)
	// Update replaces the content of an already-sent message.
	Update(ctx context.Context, target, messageID string, msg Message) error
	// Unsend deletes an already-sent message.
	Unsend(ctx context.Context, target, messageID string) error
}

// InboundProcessor turns an accepted inbound message into replies.
type InboundProcessor interface {
	HandleInbound(ctx context.Context, cfg ChannelConfig, msg InboundMessage, sender ReplySender) error
}

// Adapter is the base interface every channel adapter must implement.
type Adapter interface {
	Type() ChannelType
	Descriptor() Descriptor
}

// Descriptor holds read-only metadata for a registered channel type.
type Descriptor struct {
	Type           ChannelType         `json:"type"`
	DisplayName    string              `json:"display_name"`
	Capabilities   ChannelCapabilities `json:"capabilities"`
	OutboundPolicy OutboundPolicy      `json:"outbound_policy"`
}

// ChannelCapabilities lists what an adapter can deliver.
type ChannelCapabilities struct {
	Text        bool `json:"text"`
	RichText    bool `json:"rich_text"`
	Attachments bool `json:"attachments"`
	Reply       bool `json:"reply"`
	Edit        bool `json:"edit"`
	Unsend      bool `json:"unsend"`
}

// Sender is an adapter capable of sending outbound messages.
// It returns the platform message id of the delivered message.
type Sender interface {
	Send(ctx context.Context, cfg ChannelConfig, msg OutboundMessage) (string, error)
}

// MessageEditor updates and deletes already-sent messages when supported.
type MessageEditor interface {
	Update(ctx context.Context, cfg ChannelConfig, target string, messageID string, msg Message) error
	Unsend(ctx context.Context, cfg ChannelConfig, target string, messageID string) error
}

// SelfDiscoverer retrieves the adapter bot's own identity from the platform.
type SelfDiscoverer interface {
	DiscoverSelf(ctx context.Context, credentials map[string]any) (identity map[string]any, externalID string, err error)
}

// InboundEnricher fills in inbound details that need platform API calls, such
// as sender display names. The manager runs it on an inbound worker after the
// middleware chain has accepted the message.
type InboundEnricher interface {
	EnrichInbound(ctx context.Context, cfg ChannelConfig, msg *InboundMessage)
}

// Receiver is an adapter capable of establishing a long-lived connection to receive messages.
type Receiver interface {
	Connect(ctx context.Context, cfg ChannelConfig, handler InboundHandler) (Connection, error)
}

// Connection represents an active, long-lived link to a channel platform.
type Connection interface {
	ConfigID() string
	ChannelType() ChannelType
	Stop(ctx context.Context) error
	Running() bool
}

// BaseConnection is a default Connection implementation backed by a stop function.
type BaseConnection struct {
	configID    string
	channelType ChannelType
	stop        func(ctx context.Context) error
	running     atomic.Bool
}

// NewConnection creates a BaseConnection for the given config and stop function.
func NewConnection(cfg ChannelConfig, stop func(ctx context.Context) error) *BaseConnection {
	conn := &BaseConnection{
		configID:    cfg.ID,
		channelType: cfg.ChannelType,
		stop:        stop,
	}
	conn.running.Store(true)
	return conn
}

// ConfigID returns the account identifier.
func (c *BaseConnection) ConfigID() string {
	return c.configID
}

// ChannelType returns the type of channel this connection serves.
func (c *BaseConnection) ChannelType() ChannelType {
	return c.channelType
}

// Stop gracefully shuts down the connection.
func (c *BaseConnection) Stop(ctx context.Context) error {
	if c.stop == nil {
		return ErrStopNotSupported
	}
	c.running.Store(false)
	return c.stop(ctx)
}

// Running reports whether the connection is still active.
func (c *BaseConnection) Running() bool {
	return c.running.Load()
}
