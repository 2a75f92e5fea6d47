package feishu

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	larkim "github.com/larksuite/oapi-sdk-go/v3/service/im/v1"

	"github.com/memohai/feishu-gateway/internal/channel"
)

var (
	mentionPlaceholderPattern = regexp.MustCompile(`@_user_\d+ ?`)
)

// parseMessageEvent converts an im.message.receive_v1 event into a channel.InboundMessage.
// botOpenID filters mentions; when empty any mention counts as a bot mention.
// Undecodable content is reported as an error alongside the partially filled message.
func parseMessageEvent(event *larkim.P2MessageReceiveV1, botOpenID string) (channel.InboundMessage, error) {
	if event == nil || event.Event == nil || event.Event.Message == nil {
		return channel.InboundMessage{Channel: Type}, nil
	}
	message := event.Event.Message

	var msg channel.Message
	msg.ID = strings.TrimSpace(ptrStr(message.MessageId))

	var raw []byte
	var contentMap map[string]any
	var contentErr error
	if message.Content != nil {
		raw = []byte(*message.Content)
		if err := json.Unmarshal(raw, &contentMap); err != nil {
			contentErr = fmt.Errorf("decode %s content: %w", ptrStr(message.MessageType), err)
		}
	}
	isMentioned := isBotMentioned(contentMap, message.Mentions, botOpenID)

	switch ptrStr(message.MessageType) {
	case larkim.MsgTypeText:
		if txt, ok := contentMap["text"].(string); ok {
			msg.Text = normalizeMentions(txt, message.Mentions, botOpenID)
		}
	case larkim.MsgTypePost:
		msg.Text = normalizeMentions(extractPostText(contentMap), message.Mentions, botOpenID)
		msg.Attachments = append(msg.Attachments, extractPostAttachments(contentMap, msg.ID)...)
	case larkim.MsgTypeImage:
		if key, ok := contentMap["image_key"].(string); ok && strings.TrimSpace(key) != "" {
			msg.Attachments = append(msg.Attachments, inboundAttachment(channel.AttachmentImage, key, "", msg.ID))
		}
	case larkim.MsgTypeFile, larkim.MsgTypeAudio, larkim.MsgTypeMedia:
		if key, ok := contentMap["file_key"].(string); ok && strings.TrimSpace(key) != "" {
			name, _ := contentMap["file_name"].(string)
			attType := channel.AttachmentFile
			switch ptrStr(message.MessageType) {
			case larkim.MsgTypeAudio:
				attType = channel.AttachmentAudio
			case larkim.MsgTypeMedia:
				attType = channel.AttachmentVideo
			}
			msg.Attachments = append(msg.Attachments, inboundAttachment(attType, key, name, msg.ID))
		}
	}

	if parentID := strings.TrimSpace(ptrStr(message.ParentId)); parentID != "" {
		msg.Reply = &channel.ReplyRef{MessageID: parentID}
	}

	userID, openID := "", ""
	if event.Event.Sender != nil && event.Event.Sender.SenderId != nil {
		userID = strings.TrimSpace(ptrStr(event.Event.Sender.SenderId.UserId))
		openID = strings.TrimSpace(ptrStr(event.Event.Sender.SenderId.OpenId))
	}
	chatID := strings.TrimSpace(ptrStr(message.ChatId))
	chatType := strings.TrimSpace(ptrStr(message.ChatType))

	replyTo := openID
	if replyTo != "" {
		replyTo = "open_id:" + replyTo
	} else if userID != "" {
		replyTo = "user_id:" + userID
	}
	if chatID != "" && (chatType != channel.ConversationDirect || replyTo == "") {
		replyTo = "chat_id:" + chatID
	}
	attrs := map[string]string{}
	if userID != "" {
		attrs["user_id"] = userID
	}
	if openID != "" {
		attrs["open_id"] = openID
	}
	subjectID := openID
	if subjectID == "" {
		subjectID = userID
	}

	return channel.InboundMessage{
		Channel:     Type,
		Message:     msg,
		ReplyTarget: replyTo,
		Sender: channel.Identity{
			SubjectID:  subjectID,
			Attributes: attrs,
		},
		Conversation: channel.Conversation{
			ID:       chatID,
			Type:     chatType,
			ThreadID: strings.TrimSpace(ptrStr(message.RootId)),
		},
		ReceivedAt: time.Now().UTC(),
		Source:     Type.String(),
		Raw:        raw,
		Metadata: map[string]any{
			"is_mentioned": isMentioned,
			"message_type": ptrStr(message.MessageType),
		},
	}, contentErr
}

func inboundAttachment(attType channel.AttachmentType, key, name, messageID string) channel.Attachment {
	return channel.Attachment{
		Type:           attType,
		PlatformKey:    strings.TrimSpace(key),
		SourcePlatform: Type.String(),
		Name:           strings.TrimSpace(name),
		Metadata:       map[string]any{"message_id": messageID},
	}
}

// normalizeMentions rewrites @_user_N placeholders: the bot's own mention is
// removed and other users become "@Name". Unresolved placeholders are dropped.
func normalizeMentions(text string, mentions []*larkim.MentionEvent, botOpenID string) string {
	if text == "" {
		return ""
	}
	replacements := make(map[string]string, len(mentions))
	for _, m := range mentions {
		if m == nil {
			continue
		}
		key := strings.TrimSpace(ptrStr(m.Key))
		if key == "" {
			continue
		}
		replacement := ""
		if !isBotMention(m, botOpenID) {
			if name := strings.TrimSpace(ptrStr(m.Name)); name != "" {
				replacement = "@" + name
			}
		}
		replacements[key] = replacement
	}
	// Whole placeholders are matched so @_user_1 never rewrites a prefix of @_user_10.
	text = mentionPlaceholderPattern.ReplaceAllStringFunc(text, func(match string) string {
		key := strings.TrimSuffix(match, " ")
		replacement := replacements[key]
		if replacement == "" {
			return ""
		}
		return replacement + match[len(key):]
	})
	return strings.TrimSpace(text)
}

func isBotMention(m *larkim.MentionEvent, botOpenID string) bool {
	botOpenID = strings.TrimSpace(botOpenID)
	if botOpenID == "" {
		// Without a known bot id every mention may address the bot.
		return true
	}
	return m.Id != nil && strings.TrimSpace(ptrStr(m.Id.OpenId)) == botOpenID
}

// isBotMentioned checks whether the bot itself is mentioned in the message.
func isBotMentioned(contentMap map[string]any, mentions []*larkim.MentionEvent, botOpenID string) bool {
	botOpenID = strings.TrimSpace(botOpenID)
	if botOpenID == "" {
		return hasAnyMention(contentMap, mentions)
	}
	for _, m := range mentions {
		if m != nil && isBotMention(m, botOpenID) {
			return true
		}
	}
	return matchContentMention(contentMap, botOpenID)
}

// hasAnyMention is the fallback when the bot's open_id is unknown.
func hasAnyMention(contentMap map[string]any, mentions []*larkim.MentionEvent) bool {
	if len(mentions) > 0 {
		return true
	}
	if len(contentMap) == 0 {
		return false
	}
	if text, ok := contentMap["text"].(string); ok {
		normalized := strings.ToLower(text)
		if strings.Contains(normalized, "@_user_") || strings.Contains(normalized, "<at ") {
			return true
		}
	}
	return hasAtTag(contentMap)
}

// matchContentMention checks rich-text at tags for the bot's open_id.
func matchContentMention(raw any, botOpenID string) bool {
	switch value := raw.(type) {
	case map[string]any:
		if tag, ok := value["tag"].(string); ok && strings.EqualFold(strings.TrimSpace(tag), "at") {
			for _, key := range []string{"user_id", "open_id"} {
				if uid, ok := value[key].(string); ok && strings.TrimSpace(uid) == botOpenID {
					return true
				}
			}
		}
		for _, child := range value {
			if matchContentMention(child, botOpenID) {
				return true
			}
		}
	case []any:
		for _, child := range value {
			if matchContentMention(child, botOpenID) {
				return true
			}
		}
	}
	return false
}

func hasAtTag(raw any) bool {
	switch value := raw.(type) {
	case map[string]any:
		if tag, ok := value["tag"].(string); ok && strings.EqualFold(strings.TrimSpace(tag), "at") {
			return true
		}
		for _, child := range value {
			if hasAtTag(child) {
				return true
			}
		}
	case []any:
		for _, child := range value {
			if hasAtTag(child) {
				return true
			}
		}
	}
	return false
}

// postLines returns the content lines of a post payload: {"title":"","content":[[...],[...]]}.
func postLines(contentMap map[string]any) [][]map[string]any {
	linesRaw, ok := contentMap["content"].([]any)
	if !ok {
		return nil
	}
	lines := make([][]map[string]any, 0, len(linesRaw))
	for _, rawLine := range linesRaw {
		items, ok := rawLine.([]any)
		if !ok {
			continue
		}
		line := make([]map[string]any, 0, len(items))
		for _, rawPart := range items {
			if part, ok := rawPart.(map[string]any); ok {
				line = append(line, part)
			}
		}
		lines = append(lines, line)
	}
	return lines
}

func extractPostAttachments(contentMap map[string]any, messageID string) []channel.Attachment {
	var result []channel.Attachment
	for _, line := range postLines(contentMap) {
		for _, part := range line {
			switch strings.ToLower(strings.TrimSpace(stringValue(part["tag"]))) {
			case "img":
				if key := strings.TrimSpace(stringValue(part["image_key"])); key != "" {
					result = append(result, inboundAttachment(channel.AttachmentImage, key, "", messageID))
				}
			case "file":
				if key := strings.TrimSpace(stringValue(part["file_key"])); key != "" {
					result = append(result, inboundAttachment(channel.AttachmentFile, key, stringValue(part["file_name"]), messageID))
				}
			case "media":
				if key := strings.TrimSpace(stringValue(part["file_key"])); key != "" {
					result = append(result, inboundAttachment(channel.AttachmentVideo, key, stringValue(part["file_name"]), messageID))
				}
			}
		}
	}
	return result
}

// extractPostText flattens a post into text, one output line per post line.
// Title is prepended when present.
func extractPostText(contentMap map[string]any) string {
	out := make([]string, 0, 4)
	if title := strings.TrimSpace(stringValue(contentMap["title"])); title != "" {
		out = append(out, title)
	}
	for _, line := range postLines(contentMap) {
		parts := make([]string, 0, len(line))
		for _, part := range line {
			switch strings.ToLower(strings.TrimSpace(stringValue(part["tag"]))) {
			case "text", "a":
				if text := strings.TrimSpace(stringValue(part["text"])); text != "" {
					parts = append(parts, text)
				}
			case "at":
				key := strings.TrimSpace(stringValue(part["user_id"]))
				if strings.HasPrefix(key, "@_user_") {
					parts = append(parts, key)
					continue
				}
				name := strings.TrimSpace(stringValue(part["user_name"]))
				if name != "" {
					parts = append(parts, "@"+strings.TrimPrefix(name, "@"))
				}
			case "code_block":
				if text := strings.TrimSpace(stringValue(part["text"])); text != "" {
					parts = append(parts, "```"+strings.TrimSpace(stringValue(part["language"]))+"\n"+text+"\n```")
				}
			}
		}
		if len(parts) > 0 {
			out = append(out, strings.Join(parts, " "))
		}
	}
	return strings.Join(out, "\n")
}

func stringValue(raw any) string {
	if raw == nil {
		return ""
	}
	if value, ok := raw.(string); ok {
		return value
	}
	return fmt.Sprint(raw)
}

func ptrStr(value *string) string {
	if value == nil {
		return ""
	}
	return *value
}
