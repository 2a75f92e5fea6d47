package handlers

import (
	"net/http"
	"sort"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/memohai/feishu-gateway/internal/channel"
)

// ConnectionObserver reads runtime connection statuses.
type ConnectionObserver interface {
	ConnectionStatuses() []channel.ConnectionStatus
}

type ChannelHandler struct {
	registry *channel.Registry
	observer ConnectionObserver
}

// ChannelInfo is one registered channel type and its account connections.
type ChannelInfo struct {
	channel.Descriptor
	Connections []channel.ConnectionStatus `json:"connections"`
}

func NewChannelHandler(registry *channel.Registry, observer ConnectionObserver) *ChannelHandler {
	return &ChannelHandler{registry: registry, observer: observer}
}

func NewChannelServerHandler(registry *channel.Registry, manager *channel.Manager) *ChannelHandler {
	return NewChannelHandler(registry, manager)
}

func (h *ChannelHandler) Register(e *echo.Echo) {
	group := e.Group("/channels")
	group.GET("", h.ListChannels)
	group.GET("/:platform", h.GetChannel)
}

// ListChannels returns every registered channel type.
func (h *ChannelHandler) ListChannels(c echo.Context) error {
	if h.registry == nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "channel registry not configured")
	}
	statuses := h.statusesByType()
	types := h.registry.Types()
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	items := make([]ChannelInfo, 0, len(types))
	for _, channelType := range types {
		desc, ok := h.registry.GetDescriptor(channelType)
		if !ok {
			continue
		}
		items = append(items, newChannelInfo(desc, statuses[channelType]))
	}
	return c.JSON(http.StatusOK, items)
}

// GetChannel returns one channel type with its connections.
func (h *ChannelHandler) GetChannel(c echo.Context) error {
	if h.registry == nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "channel registry not configured")
	}
	platform := strings.ToLower(strings.TrimSpace(c.Param("platform")))
	if platform == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "platform is required")
	}
	channelType := channel.ChannelType(platform)
	desc, ok := h.registry.GetDescriptor(channelType)
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "unsupported channel type: "+platform)
	}
	return c.JSON(http.StatusOK, newChannelInfo(desc, h.statusesByType()[channelType]))
}

func (h *ChannelHandler) statusesByType() map[channel.ChannelType][]channel.ConnectionStatus {
	out := map[channel.ChannelType][]channel.ConnectionStatus{}
	if h.observer == nil {
		return out
	}
	for _, status := range h.observer.ConnectionStatuses() {
		out[status.ChannelType] = append(out[status.ChannelType], status)
	}
	return out
}

func newChannelInfo(desc channel.Descriptor, statuses []channel.ConnectionStatus) ChannelInfo {
	if statuses == nil {
		statuses = []channel.ConnectionStatus{}
	}
	return ChannelInfo{Descriptor: desc, Connections: statuses}
}
