package media

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"testing"
)

type zeroReader struct{}

func (zeroReader) Read(p []byte) (int, error) {
	clear(p)
	return len(p), nil
}

type brokenReader struct{}

func (brokenReader) Read([]byte) (int, error) {
	return 0, errors.New("connection reset")
}

func TestReadAllWithLimit(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		reader    io.Reader
		maxBytes  int64
		want      string
		errTooBig bool
		errText   string
	}{
		{name: "within limit", reader: strings.NewReader("hello"), maxBytes: 8, want: "hello"},
		{name: "exact limit", reader: strings.NewReader("12345"), maxBytes: 5, want: "12345"},
		{name: "empty payload", reader: strings.NewReader(""), maxBytes: 1, want: ""},
		{name: "over limit", reader: strings.NewReader("0123456789"), maxBytes: 5, errTooBig: true, errText: "max 5 bytes"},
		{name: "nil reader", maxBytes: 5, errText: "reader is required"},
		{name: "zero limit", reader: strings.NewReader("x"), maxBytes: 0, errText: "max bytes"},
		{name: "read failure", reader: brokenReader{}, maxBytes: 5, errText: "connection reset"},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := ReadAllWithLimit(tt.reader, tt.maxBytes)
			if tt.errText != "" {
				if err == nil || !strings.Contains(err.Error(), tt.errText) {
					t.Fatalf("expected error containing %q, got %v", tt.errText, err)
				}
				if errors.Is(err, ErrAssetTooLarge) != tt.errTooBig {
					t.Fatalf("unexpected ErrAssetTooLarge match for %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if string(got) != tt.want {
				t.Fatalf("unexpected payload: %q", string(got))
			}
		})
	}
}

func TestReadAllWithLimitAttachmentCap(t *testing.T) {
	t.Parallel()

	if MaxAttachmentBytes != 30*1024*1024 {
		t.Fatalf("unexpected attachment cap: %d", MaxAttachmentBytes)
	}

	data, err := ReadAllWithLimit(io.LimitReader(zeroReader{}, MaxAttachmentBytes), MaxAttachmentBytes)
	if err != nil {
		t.Fatalf("payload at cap: %v", err)
	}
	if int64(len(data)) != MaxAttachmentBytes || !bytes.Equal(data[:4], []byte{0, 0, 0, 0}) {
		t.Fatalf("unexpected payload length %d", len(data))
	}

	_, err = ReadAllWithLimit(io.LimitReader(zeroReader{}, MaxAttachmentBytes+1), MaxAttachmentBytes)
	if !errors.Is(err, ErrAssetTooLarge) {
		t.Fatalf("expected ErrAssetTooLarge one byte over cap, got %v", err)
	}
}
