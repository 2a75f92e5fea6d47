package media

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func newMediaServer() *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/cat.png":
			w.Header().Set("Content-Type", "image/png; charset=binary")
			_, _ = w.Write([]byte("png-bytes"))
		case "/report":
			w.Header().Set("Content-Type", "application/pdf")
			w.Header().Set("Content-Disposition", `attachment; filename="q3.pdf"`)
			_, _ = w.Write([]byte("pdf-bytes"))
		case "/big":
			_, _ = w.Write([]byte(strings.Repeat("x", 64)))
		default:
			http.NotFound(w, r)
		}
	}))
}

func TestFetcherFetch(t *testing.T) {
	t.Parallel()

	srv := newMediaServer()
	defer srv.Close()
	f := NewFetcher(srv.Client(), 0)

	asset, err := f.Fetch(context.Background(), srv.URL+"/cat.png")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(asset.Data) != "png-bytes" || asset.Mime != "image/png" || asset.Name != "" {
		t.Fatalf("unexpected asset: %#v", asset)
	}

	asset, err = f.Fetch(context.Background(), srv.URL+"/report")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if asset.Name != "q3.pdf" || asset.Mime != "application/pdf" {
		t.Fatalf("unexpected asset: %#v", asset)
	}
}

func TestFetcherRejectsBadStatus(t *testing.T) {
	t.Parallel()

	srv := newMediaServer()
	defer srv.Close()

	_, err := NewFetcher(srv.Client(), 0).Fetch(context.Background(), srv.URL+"/missing")
	if !errors.Is(err, ErrUnexpectedStatus) {
		t.Fatalf("expected ErrUnexpectedStatus, got %v", err)
	}
	if !strings.Contains(err.Error(), "404") {
		t.Fatalf("expected status code in error, got %v", err)
	}
}

func TestFetcherRejectsOversizedBody(t *testing.T) {
	t.Parallel()

	srv := newMediaServer()
	defer srv.Close()

	_, err := NewFetcher(srv.Client(), 16).Fetch(context.Background(), srv.URL+"/big")
	if !errors.Is(err, ErrAssetTooLarge) {
		t.Fatalf("expected ErrAssetTooLarge, got %v", err)
	}
}

func TestFetcherInvalidURL(t *testing.T) {
	t.Parallel()

	if _, err := NewFetcher(nil, 0).Fetch(context.Background(), "://bad"); err == nil {
		t.Fatal("expected error for invalid url")
	}
}
