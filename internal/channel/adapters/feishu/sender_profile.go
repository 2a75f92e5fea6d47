package feishu

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	larkcontact "github.com/larksuite/oapi-sdk-go/v3/service/contact/v3"

	"github.com/memohai/feishu-gateway/internal/channel"
)

const (
	defaultProfileCacheSize = 1024
	defaultProfileTTL       = 30 * time.Minute
	profileLookupTimeout    = 5 * time.Second
)

type senderProfile struct {
	displayName string
	username    string
}

func (p senderProfile) empty() bool {
	return strings.TrimSpace(p.displayName) == "" && strings.TrimSpace(p.username) == ""
}

// profileCache remembers resolved sender names per account so repeated
// messages from the same user skip the contact lookups.
type profileCache struct {
	lru *expirable.LRU[string, senderProfile]
}

func newProfileCache(size int, ttl time.Duration) *profileCache {
	return &profileCache{lru: expirable.NewLRU[string, senderProfile](size, nil, ttl)}
}

func (c *profileCache) get(key string) (senderProfile, bool) {
	if c == nil {
		return senderProfile{}, false
	}
	return c.lru.Get(key)
}

func (c *profileCache) add(key string, profile senderProfile) {
	if c == nil {
		return
	}
	c.lru.Add(key, profile)
}

// EnrichInbound resolves the sender profile for msg. It runs on the inbound
// worker so platform lookups never delay the event acknowledgement.
func (a *FeishuAdapter) EnrichInbound(ctx context.Context, cfg channel.ChannelConfig, msg *channel.InboundMessage) {
	feishuCfg, err := parseConfig(cfg.Credentials)
	if err != nil {
		a.logger.Warn("enrich inbound skipped: decode config failed", slog.String("config_id", cfg.ID), slog.Any("error", err))
		return
	}
	a.enrichSenderProfile(ctx, cfg, feishuCfg, msg)
}

// enrichSenderProfile fills the sender display name and username. Group member
// lookup is tried first since it works with fewer permissions, then the contact API.
func (a *FeishuAdapter) enrichSenderProfile(ctx context.Context, cfg channel.ChannelConfig, feishuCfg Config, msg *channel.InboundMessage) {
	if msg == nil || strings.TrimSpace(msg.Sender.DisplayName) != "" {
		return
	}
	openID := msg.Sender.Attribute("open_id")
	userID := msg.Sender.Attribute("user_id")
	if openID == "" && userID == "" {
		return
	}
	cacheKey := cfg.ID + ":" + openID + ":" + userID
	if profile, ok := a.profiles.get(cacheKey); ok {
		applySenderProfile(msg, profile)
		return
	}

	lookupCtx, cancel := context.WithTimeout(ctx, profileLookupTimeout)
	defer cancel()
	profile, err := lookupSenderProfile(lookupCtx, a.messengerFor(feishuCfg), openID, userID, msg.Conversation.ID, msg.Conversation.IsDirect())
	if err != nil {
		a.logger.Debug("feishu sender profile lookup failed",
			slog.String("config_id", cfg.ID),
			slog.String("open_id", openID),
			slog.String("user_id", userID),
			slog.Any("error", err),
		)
	}
	if profile.empty() {
		applySenderProfile(msg, fallbackSenderProfile(openID, userID))
		return
	}
	a.profiles.add(cacheKey, profile)
	applySenderProfile(msg, profile)
}

func lookupSenderProfile(ctx context.Context, client messenger, openID, userID, chatID string, direct bool) (senderProfile, error) {
	var lastErr error
	if !direct && chatID != "" {
		for _, member := range [][2]string{{"open_id", openID}, {"user_id", userID}} {
			if member[1] == "" {
				continue
			}
			profile, err := client.GetChatMember(ctx, chatID, member[0], member[1])
			if err != nil {
				lastErr = err
				continue
			}
			if !profile.empty() {
				return profile, nil
			}
		}
	}
	idType, id := larkcontact.UserIdTypeOpenId, openID
	if id == "" {
		idType, id = larkcontact.UserIdTypeUserId, userID
	}
	profile, err := client.GetUser(ctx, idType, id)
	if err != nil {
		return senderProfile{}, err
	}
	if profile.empty() {
		return senderProfile{}, lastErr
	}
	return profile, nil
}

func fallbackSenderProfile(openID, userID string) senderProfile {
	name := strings.TrimSpace(userID)
	if name == "" {
		name = strings.TrimSpace(openID)
	}
	return senderProfile{displayName: name, username: name}
}

func firstName(name string) string {
	parts := strings.Fields(name)
	if len(parts) == 0 {
		return ""
	}
	return parts[0]
}

func applySenderProfile(msg *channel.InboundMessage, profile senderProfile) {
	displayName := strings.TrimSpace(profile.displayName)
	username := strings.TrimSpace(profile.username)
	if username == "" {
		username = displayName
	}
	if msg.Sender.Attributes == nil {
		msg.Sender.Attributes = map[string]string{}
	}
	if displayName != "" {
		if strings.TrimSpace(msg.Sender.DisplayName) == "" {
			msg.Sender.DisplayName = displayName
		}
		if msg.Sender.Attribute("display_name") == "" {
			msg.Sender.Attributes["display_name"] = displayName
		}
	}
	if username != "" && msg.Sender.Attribute("username") == "" {
		msg.Sender.Attributes["username"] = username
	}
}
