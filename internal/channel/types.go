// Package channel provides the messaging-channel abstraction used by the gateway.
// It defines the inbound/outbound message types, adapter interfaces, the adapter
// registry, and the Manager that owns connections and the inbound pipeline.
package channel

import (
	"strings"
	"time"
)

// ChannelType identifies a messaging platform (e.g., "feishu").
type ChannelType string

// String returns the channel type as a plain string.
func (c ChannelType) String() string {
	return string(c)
}

// Conversation types shared by adapters.
const (
	ConversationDirect = "p2p"
	ConversationGroup  = "group"
)

// Identity represents a sender's identity on a channel.
type Identity struct {
	SubjectID   string
	DisplayName string
	Attributes  map[string]string
}

// Attribute returns the trimmed value for the given key, or empty string if absent.
func (i Identity) Attribute(key string) string {
	if i.Attributes == nil {
		return ""
	}
	return strings.TrimSpace(i.Attributes[key])
}

// Conversation holds metadata about the chat or group context.
type Conversation struct {
	ID       string
	Type     string
	ThreadID string
}

// IsDirect reports whether the conversation is a one-to-one chat.
func (c Conversation) IsDirect() bool {
	ct := strings.ToLower(strings.TrimSpace(c.Type))
	return ct == "" || ct == ConversationDirect || ct == "private" || ct == "direct"
}

// InboundMessage is a message received from an external channel.
// Message.ID is the platform message id and the deduplication key.
type InboundMessage struct {
	Channel      ChannelType
	Message      Message
	AccountID    string
	ReplyTarget  string
	Sender       Identity
	Conversation Conversation
	ReceivedAt   time.Time
	Source       string
	Raw          []byte
	Metadata     map[string]any
}

// SessionKey returns a stable identifier for the conversation a reply belongs to.
// Format: platform:account_id:conversation_id[:sender_id]. Group chats append
// the sender to keep per-user context.
func (m InboundMessage) SessionKey() string {
	parts := []string{m.Channel.String(), m.AccountID, strings.TrimSpace(m.Conversation.ID)}
	if !m.Conversation.IsDirect() {
		if sender := strings.TrimSpace(m.Sender.SubjectID); sender != "" {
			parts = append(parts, sender)
		}
	}
	return strings.Join(parts, ":")
}

// Mentioned reports whether the adapter flagged the bot as mentioned.
func (m InboundMessage) Mentioned() bool {
	return MetadataBool(m.Metadata, "is_mentioned")
}

// OutboundMessage pairs a delivery target with the message content.
type OutboundMessage struct {
	Target  string  `json:"target"`
	Message Message `json:"message"`
}

// MessageFormat indicates how the message text should be rendered.
type MessageFormat string

const (
	MessageFormatPlain    MessageFormat = "plain"
	MessageFormatMarkdown MessageFormat = "markdown"
	MessageFormatRich     MessageFormat = "rich"
)

// MessagePartType identifies the kind of a rich-text message part.
type MessagePartType string

const (
	MessagePartText      MessagePartType = "text"
	MessagePartLink      MessagePartType = "link"
	MessagePartCodeBlock MessagePartType = "code_block"
	MessagePartMention   MessagePartType = "mention"
)

// MessagePart is a single element within a rich-text message.
type MessagePart struct {
	Type     MessagePartType `json:"type"`
	Text     string          `json:"text,omitempty"`
	URL      string          `json:"url,omitempty"`
	Language string          `json:"language,omitempty"`
	UserID   string          `json:"user_id,omitempty"`
}

// AttachmentType classifies the kind of binary attachment.
type AttachmentType string

const (
	AttachmentImage AttachmentType = "image"
	AttachmentAudio AttachmentType = "audio"
	AttachmentVideo AttachmentType = "video"
	AttachmentFile  AttachmentType = "file"
)

// Attachment represents a binary file attached to a message.
type Attachment struct {
	Type           AttachmentType `json:"type"`
	URL            string         `json:"url,omitempty"`
	PlatformKey    string         `json:"platform_key,omitempty"`
	SourcePlatform string         `json:"source_platform,omitempty"`
	Name           string         `json:"name,omitempty"`
	Mime           string         `json:"mime,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// Reference returns the strongest available attachment reference.
func (a Attachment) Reference() string {
	if strings.TrimSpace(a.URL) != "" {
		return strings.TrimSpace(a.URL)
	}
	return strings.TrimSpace(a.PlatformKey)
}

// ReplyRef points to a message being replied to.
type ReplyRef struct {
	MessageID string `json:"message_id,omitempty"`
}

// Message is the unified message structure used across channels.
type Message struct {
	ID          string        `json:"id,omitempty"`
	Format      MessageFormat `json:"format,omitempty"`
	Text        string        `json:"text,omitempty"`
	Parts       []MessagePart `json:"parts,omitempty"`
	Attachments []Attachment  `json:"attachments,omitempty"`
	Reply       *ReplyRef     `json:"reply,omitempty"`
}

// IsEmpty reports whether the message carries no content.
func (m Message) IsEmpty() bool {
	return strings.TrimSpace(m.Text) == "" &&
		len(m.Parts) == 0 &&
		len(m.Attachments) == 0
}

// PlainText extracts the plain text representation of the message.
func (m Message) PlainText() string {
	if strings.TrimSpace(m.Text) != "" {
		return strings.TrimSpace(m.Text)
	}
	lines := make([]string, 0, len(m.Parts))
	for _, part := range m.Parts {
		value := strings.TrimSpace(part.Text)
		if value == "" && part.Type == MessagePartLink {
			value = strings.TrimSpace(part.URL)
		}
		if value == "" {
			continue
		}
		lines = append(lines, value)
	}
	return strings.Join(lines, "\n")
}

// GroupConfig overrides inbound policy for one group chat.
// Nil fields fall back to the account-level setting.
type GroupConfig struct {
	Enabled        *bool `json:"enabled,omitempty"`
	RequireMention *bool `json:"require_mention,omitempty"`
}

// WildcardGroup is the Groups key applied to chats without their own entry.
const WildcardGroup = "*"

// ChannelConfig is a resolved account: one platform app the gateway serves.
// Disabled: true means the account is stopped (not connected).
type ChannelConfig struct {
	ID               string                 `json:"id"`
	ChannelType      ChannelType            `json:"channel_type"`
	Credentials      map[string]any         `json:"credentials"`
	ExternalIdentity string                 `json:"external_identity"`
	SelfIdentity     map[string]any         `json:"self_identity"`
	RequireMention   bool                   `json:"require_mention"`
	Groups           map[string]GroupConfig `json:"groups"`
	Disabled         bool                   `json:"disabled"`
	UpdatedAt        time.Time              `json:"updated_at"`
}

// Group returns the override for chatID, falling back to the wildcard entry.
func (c ChannelConfig) Group(chatID string) (GroupConfig, bool) {
	if c.Groups == nil {
		return GroupConfig{}, false
	}
	if group, ok := c.Groups[strings.TrimSpace(chatID)]; ok {
		return group, true
	}
	group, ok := c.Groups[WildcardGroup]
	return group, ok
}
