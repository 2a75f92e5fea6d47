package feishu

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path"
	"strings"

	larkim "github.com/larksuite/oapi-sdk-go/v3/service/im/v1"

	"github.com/memohai/feishu-gateway/internal/channel"
)

// uploadAttachment resolves att into an image or file message. Keys that
// already belong to Feishu are reused; URLs are fetched and uploaded.
func (a *FeishuAdapter) uploadAttachment(ctx context.Context, client messenger, att channel.Attachment) (string, string, error) {
	isImage := isImageAttachment(att)
	key := strings.TrimSpace(att.PlatformKey)
	if key == "" || !strings.EqualFold(strings.TrimSpace(att.SourcePlatform), Type.String()) {
		url := strings.TrimSpace(att.URL)
		if url == "" {
			return "", "", fmt.Errorf("feishu attachment requires url or platform key")
		}
		asset, err := a.fetcher.Fetch(ctx, url)
		if err != nil {
			return "", "", err
		}
		if !isImage && att.Type == "" && strings.HasPrefix(asset.Mime, "image/") {
			isImage = true
		}
		if isImage {
			key, err = client.UploadImage(ctx, bytes.NewReader(asset.Data))
		} else {
			name := attachmentName(att, asset.Name)
			mime := asset.Mime
			if mime == "" {
				mime = att.Mime
			}
			key, err = client.UploadFile(ctx, bytes.NewReader(asset.Data), name, resolveFileType(name, mime))
		}
		if err != nil {
			return "", "", err
		}
	}
	if isImage {
		content, err := json.Marshal(map[string]string{"image_key": key})
		return larkim.MsgTypeImage, string(content), err
	}
	content, err := json.Marshal(map[string]string{"file_key": key})
	return larkim.MsgTypeFile, string(content), err
}

func isImageAttachment(att channel.Attachment) bool {
	if att.Type == channel.AttachmentImage {
		return true
	}
	return strings.HasPrefix(strings.ToLower(strings.TrimSpace(att.Mime)), "image/")
}

func attachmentName(att channel.Attachment, served string) string {
	if name := strings.TrimSpace(att.Name); name != "" {
		return name
	}
	if served = strings.TrimSpace(served); served != "" {
		return served
	}
	if base := path.Base(strings.SplitN(strings.TrimSpace(att.URL), "?", 2)[0]); base != "" && base != "." && base != "/" {
		return base
	}
	return "attachment"
}

// resolveFileType maps MIME type and filename to a Feishu file type.
func resolveFileType(name, mime string) string {
	lower := strings.ToLower(mime)
	ext := strings.ToLower(path.Ext(strings.TrimSpace(name)))
	switch {
	case strings.Contains(lower, "mp4") || ext == ".mp4":
		return larkim.FileTypeMp4
	case strings.Contains(lower, "opus") || ext == ".opus":
		return larkim.FileTypeOpus
	case strings.Contains(lower, "pdf") || ext == ".pdf":
		return larkim.FileTypePdf
	case strings.Contains(lower, "word") || ext == ".doc" || ext == ".docx":
		return larkim.FileTypeDoc
	case strings.Contains(lower, "excel") || strings.Contains(lower, "spreadsheet") || ext == ".xls" || ext == ".xlsx":
		return larkim.FileTypeXls
	case strings.Contains(lower, "powerpoint") || strings.Contains(lower, "presentation") || ext == ".ppt" || ext == ".pptx":
		return larkim.FileTypePpt
	default:
		return larkim.FileTypeStream
	}
}
