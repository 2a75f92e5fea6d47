package channel

import (
	"context"
)

// StaticStore is a ConfigLister over a fixed set of accounts loaded at startup.
type StaticStore struct {
	configs []ChannelConfig
}

// NewStaticStore creates a StaticStore holding configs.
func NewStaticStore(configs ...ChannelConfig) *StaticStore {
	return &StaticStore{configs: append([]ChannelConfig(nil), configs...)}
}

// ListConfigsByType returns the stored accounts of channelType.
func (s *StaticStore) ListConfigsByType(_ context.Context, channelType ChannelType) ([]ChannelConfig, error) {
	items := make([]ChannelConfig, 0, len(s.configs))
	for _, cfg := range s.configs {
		if normalizeChannelType(cfg.ChannelType.String()) == normalizeChannelType(channelType.String()) {
			items = append(items, cfg)
		}
	}
	return items, nil
}
