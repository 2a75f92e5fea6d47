package channel

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
)

// ChunkerMode selects the text chunking strategy.
type ChunkerMode string

const (
	ChunkerModeText     ChunkerMode = "text"
	ChunkerModeMarkdown ChunkerMode = "markdown"
)

// DefaultTextChunkLimit is the rune limit applied when an adapter declares none.
const DefaultTextChunkLimit = 4000

// Chunker splits text into pieces that respect a character limit.
type Chunker func(text string, limit int) []string

// OutboundPolicy configures how outbound text is chunked. Attachments are
// always delivered after the text.
type OutboundPolicy struct {
	TextChunkLimit int         `json:"text_chunk_limit,omitempty"`
	ChunkerMode    ChunkerMode `json:"chunker_mode,omitempty"`
	Chunker        Chunker     `json:"-"`
}

// NormalizeOutboundPolicy fills zero-value fields with defaults.
func NormalizeOutboundPolicy(policy OutboundPolicy) OutboundPolicy {
	if policy.TextChunkLimit <= 0 {
		policy.TextChunkLimit = DefaultTextChunkLimit
	}
	if policy.ChunkerMode == "" {
		policy.ChunkerMode = ChunkerModeText
	}
	if policy.Chunker == nil {
		policy.Chunker = DefaultChunker(policy.ChunkerMode)
	}
	return policy
}

// DefaultChunker returns the built-in Chunker for the given mode.
func DefaultChunker(mode ChunkerMode) Chunker {
	switch mode {
	case ChunkerModeMarkdown:
		return ChunkMarkdownText
	default:
		return ChunkText
	}
}

// ChunkText splits text at newline boundaries, respecting the rune limit.
func ChunkText(text string, limit int) []string {
	return chunkBySeparator(text, limit, "\n")
}

// ChunkMarkdownText splits text at paragraph boundaries, respecting the rune limit.
// Oversized paragraphs fall back to line chunking.
func ChunkMarkdownText(text string, limit int) []string {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return nil
	}
	if limit <= 0 || runeLen(trimmed) <= limit {
		return []string{trimmed}
	}
	chunks := make([]string, 0)
	for _, paragraph := range chunkBySeparator(trimmed, limit, "\n\n") {
		if runeLen(paragraph) <= limit {
			chunks = append(chunks, paragraph)
			continue
		}
		chunks = append(chunks, ChunkText(paragraph, limit)...)
	}
	return chunks
}

func chunkBySeparator(text string, limit int, sep string) []string {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return nil
	}
	if limit <= 0 || runeLen(trimmed) <= limit {
		return []string{trimmed}
	}
	sepLen := runeLen(sep)
	pieces := strings.Split(trimmed, sep)
	chunks := make([]string, 0)
	buf := make([]string, 0, len(pieces))
	bufLen := 0
	for _, piece := range pieces {
		pieceLen := runeLen(piece)
		joinLen := 0
		if len(buf) > 0 {
			joinLen = sepLen
		}
		if bufLen+joinLen+pieceLen <= limit {
			buf = append(buf, piece)
			bufLen += joinLen + pieceLen
			continue
		}
		if len(buf) > 0 {
			chunks = append(chunks, strings.Join(buf, sep))
			buf = buf[:0]
			bufLen = 0
		}
		if pieceLen <= limit {
			buf = append(buf, piece)
			bufLen = pieceLen
			continue
		}
		if sep == "\n" {
			chunks = append(chunks, splitLongLine(piece, limit)...)
		} else {
			chunks = append(chunks, piece)
		}
	}
	if len(buf) > 0 {
		chunks = append(chunks, strings.Join(buf, sep))
	}
	return chunks
}

func runeLen(value string) int {
	return len([]rune(value))
}

func splitLongLine(line string, limit int) []string {
	if limit <= 0 {
		return []string{line}
	}
	runes := []rune(line)
	chunks := make([]string, 0)
	for start := 0; start < len(runes); start += limit {
		end := start + limit
		if end > len(runes) {
			end = len(runes)
		}
		segment := strings.TrimSpace(string(runes[start:end]))
		if segment == "" {
			continue
		}
		chunks = append(chunks, segment)
	}
	return chunks
}

func (m *Manager) resolveOutboundPolicy(channelType ChannelType) OutboundPolicy {
	policy, ok := m.registry.GetOutboundPolicy(channelType)
	if !ok {
		policy = OutboundPolicy{}
	}
	return NormalizeOutboundPolicy(policy)
}

// buildOutboundMessages splits an outbound message into text chunks and one media message.
func buildOutboundMessages(msg OutboundMessage, policy OutboundPolicy) ([]OutboundMessage, error) {
	if msg.Message.IsEmpty() {
		return nil, fmt.Errorf("message is required")
	}
	base := msg.Message
	base.Attachments = nil
	chunker := policy.Chunker
	if base.Format == MessageFormatMarkdown {
		chunker = ChunkMarkdownText
	}

	textMessages := make([]OutboundMessage, 0)
	if policy.TextChunkLimit > 0 && strings.TrimSpace(base.Text) != "" && len(base.Parts) == 0 {
		for _, chunk := range chunker(base.Text, policy.TextChunkLimit) {
			chunk = strings.TrimSpace(chunk)
			if chunk == "" {
				continue
			}
			item := base
			item.Text = chunk
			textMessages = append(textMessages, OutboundMessage{Target: msg.Target, Message: item})
		}
	} else if !base.IsEmpty() {
		textMessages = append(textMessages, OutboundMessage{Target: msg.Target, Message: base})
	}

	mediaMessages := make([]OutboundMessage, 0, 1)
	if len(msg.Message.Attachments) > 0 {
		media := Message{
			Attachments: msg.Message.Attachments,
			Reply:       msg.Message.Reply,
		}
		mediaMessages = append(mediaMessages, OutboundMessage{Target: msg.Target, Message: media})
	}

	if len(textMessages) == 0 && len(mediaMessages) == 0 {
		return nil, fmt.Errorf("message is required")
	}
	return append(textMessages, mediaMessages...), nil
}

func (m *Manager) newReplySender(cfg ChannelConfig) ReplySender {
	sender, _ := m.registry.GetSender(cfg.ChannelType)
	editor, _ := m.registry.GetMessageEditor(cfg.ChannelType)
	return &managerReplySender{
		manager: m,
		sender:  sender,
		editor:  editor,
		config:  cfg,
	}
}

type managerReplySender struct {
	manager *Manager
	sender  Sender
	editor  MessageEditor
	config  ChannelConfig
}

func (s *managerReplySender) Send(ctx context.Context, msg OutboundMessage) (string, error) {
	if s.sender == nil {
		return "", fmt.Errorf("unsupported channel type: %s", s.config.ChannelType)
	}
	target := strings.TrimSpace(msg.Target)
	if target == "" {
		return "", fmt.Errorf("target is required")
	}
	msg.Target = target
	policy := s.manager.resolveOutboundPolicy(s.config.ChannelType)
	outbound, err := buildOutboundMessages(msg, policy)
	if err != nil {
		return "", err
	}
	lastID := ""
	for _, item := range outbound {
		id, err := s.sender.Send(ctx, s.config, item)
		if err != nil {
			s.manager.logger.Error("send outbound failed",
				slog.String("channel", s.config.ChannelType.String()),
				slog.String("config_id", s.config.ID),
				slog.Any("error", err),
			)
			return lastID, err
		}
		lastID = id
	}
	return lastID, nil
}

// Update edits messageID with the first text chunk; remaining chunks are sent as new messages.
func (s *managerReplySender) Update(ctx context.Context, target, messageID string, msg Message) error {
	if s.editor == nil {
		return fmt.Errorf("channel %s does not support edit", s.config.ChannelType)
	}
	messageID = strings.TrimSpace(messageID)
	if messageID == "" {
		return fmt.Errorf("message id is required")
	}
	policy := s.manager.resolveOutboundPolicy(s.config.ChannelType)
	chunks := policy.Chunker(msg.PlainText(), policy.TextChunkLimit)
	if len(chunks) == 0 {
		return fmt.Errorf("message is required")
	}
	first := msg
	first.Text = chunks[0]
	first.Parts = nil
	first.Attachments = nil
	if err := s.editor.Update(ctx, s.config, target, messageID, first); err != nil {
		return err
	}
	for _, chunk := range chunks[1:] {
		rest := Message{Format: msg.Format, Text: chunk}
		if _, err := s.sender.Send(ctx, s.config, OutboundMessage{Target: target, Message: rest}); err != nil {
			return err
		}
	}
	return nil
}

func (s *managerReplySender) Unsend(ctx context.Context, target, messageID string) error {
	if s.editor == nil {
		return fmt.Errorf("channel %s does not support unsend", s.config.ChannelType)
	}
	messageID = strings.TrimSpace(messageID)
	if messageID == "" {
		return nil
	}
	return s.editor.Unsend(ctx, s.config, target, messageID)
}
