package reply

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

const maxGatewayResponseBytes = 4 << 20

type gatewayResponse struct {
	Payloads []Payload `json:"payloads"`
}

// HTTPDispatcher posts inbound contexts to the agent gateway and delivers the
// returned payloads in order.
type HTTPDispatcher struct {
	url        string
	token      string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewHTTPDispatcher creates a dispatcher for the gateway reply endpoint at url.
func NewHTTPDispatcher(log *slog.Logger, url, token string, timeout time.Duration) *HTTPDispatcher {
	if log == nil {
		log = slog.Default()
	}
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &HTTPDispatcher{
		url:        strings.TrimRight(strings.TrimSpace(url), "/"),
		token:      strings.TrimSpace(token),
		httpClient: &http.Client{Timeout: timeout},
		logger:     log.With(slog.String("component", "reply_dispatcher")),
	}
}

func (d *HTTPDispatcher) Dispatch(ctx context.Context, rc Context, deliver Deliver) error {
	if deliver == nil {
		return fmt.Errorf("deliver callback is required")
	}
	resp, err := d.post(ctx, rc)
	if err != nil {
		return err
	}
	for i, payload := range resp.Payloads {
		if err := deliver(ctx, payload); err != nil {
			return fmt.Errorf("deliver payload %d: %w", i, err)
		}
	}
	return nil
}

func (d *HTTPDispatcher) post(ctx context.Context, rc Context) (gatewayResponse, error) {
	body, err := json.Marshal(rc)
	if err != nil {
		return gatewayResponse{}, err
	}
	d.logger.Debug("gateway request",
		slog.String("url", d.url),
		slog.String("config_id", rc.AccountID),
		slog.String("message_id", rc.MessageID),
	)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, d.url, bytes.NewReader(body))
	if err != nil {
		return gatewayResponse{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if d.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+d.token)
	}

	resp, err := d.httpClient.Do(httpReq)
	if err != nil {
		return gatewayResponse{}, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxGatewayResponseBytes))
	if err != nil {
		return gatewayResponse{}, err
	}
	if resp.StatusCode == http.StatusNoContent {
		return gatewayResponse{}, nil
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		d.logger.Error("gateway error",
			slog.String("url", d.url),
			slog.Int("status", resp.StatusCode),
			slog.String("body_prefix", truncate(string(respBody), 300)),
		)
		return gatewayResponse{}, fmt.Errorf("agent gateway error: %s", strings.TrimSpace(string(respBody)))
	}
	if len(bytes.TrimSpace(respBody)) == 0 {
		return gatewayResponse{}, nil
	}

	var parsed gatewayResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return gatewayResponse{}, fmt.Errorf("failed to parse gateway response: %w", err)
	}
	return parsed, nil
}

func truncate(value string, limit int) string {
	runes := []rune(value)
	if len(runes) <= limit {
		return value
	}
	return string(runes[:limit]) + "..."
}
