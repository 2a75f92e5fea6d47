// Package media fetches reply attachments referenced by URL so channel
// adapters can upload them to the platform.
package media

import (
	"context"
	"fmt"
	"mime"
	"net/http"
	"strings"
	"time"
)

const defaultFetchTimeout = 30 * time.Second

// Asset is a fetched media payload held in memory.
type Asset struct {
	Data []byte
	Mime string
	// Name comes from Content-Disposition when the server sends one.
	Name string
}

// Fetcher downloads attachments over HTTP with a size cap.
type Fetcher struct {
	client   *http.Client
	maxBytes int64
}

// NewFetcher creates a Fetcher. A nil client gets a 30s timeout; maxBytes <= 0
// falls back to MaxAttachmentBytes.
func NewFetcher(client *http.Client, maxBytes int64) *Fetcher {
	if client == nil {
		client = &http.Client{Timeout: defaultFetchTimeout}
	}
	if maxBytes <= 0 {
		maxBytes = MaxAttachmentBytes
	}
	return &Fetcher{client: client, maxBytes: maxBytes}
}

// Fetch downloads url. Bodies over the cap fail with ErrAssetTooLarge and
// non-2xx answers with ErrUnexpectedStatus.
func (f *Fetcher) Fetch(ctx context.Context, url string) (Asset, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Asset{}, fmt.Errorf("build media request: %w", err)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return Asset{}, fmt.Errorf("fetch media: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Asset{}, fmt.Errorf("fetch media: %w %d", ErrUnexpectedStatus, resp.StatusCode)
	}
	if resp.ContentLength > f.maxBytes {
		return Asset{}, fmt.Errorf("fetch media: %w: %d bytes exceeds %d", ErrAssetTooLarge, resp.ContentLength, f.maxBytes)
	}
	data, err := ReadAllWithLimit(resp.Body, f.maxBytes)
	if err != nil {
		return Asset{}, fmt.Errorf("fetch media: %w", err)
	}
	return Asset{
		Data: data,
		Mime: contentType(resp.Header.Get("Content-Type")),
		Name: dispositionName(resp.Header.Get("Content-Disposition")),
	}, nil
}

func contentType(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	mediaType, _, err := mime.ParseMediaType(raw)
	if err != nil {
		return raw
	}
	return mediaType
}

func dispositionName(raw string) string {
	if strings.TrimSpace(raw) == "" {
		return ""
	}
	_, params, err := mime.ParseMediaType(raw)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(params["filename"])
}
