package feishu

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	lark "github.com/larksuite/oapi-sdk-go/v3"
	larkcore "github.com/larksuite/oapi-sdk-go/v3/core"
	larkcontact "github.com/larksuite/oapi-sdk-go/v3/service/contact/v3"
	larkim "github.com/larksuite/oapi-sdk-go/v3/service/im/v1"
)

// messenger is the subset of the Feishu open API used by the adapter.
type messenger interface {
	CreateMessage(ctx context.Context, receiveIDType, receiveID, msgType, content string) (string, error)
	ReplyMessage(ctx context.Context, replyToID, msgType, content string) (string, error)
	UpdateMessage(ctx context.Context, messageID, msgType, content string) error
	DeleteMessage(ctx context.Context, messageID string) error
	UploadImage(ctx context.Context, image io.Reader) (string, error)
	UploadFile(ctx context.Context, file io.Reader, fileName, fileType string) (string, error)
	GetUser(ctx context.Context, idType, id string) (senderProfile, error)
	GetChatMember(ctx context.Context, chatID, memberIDType, memberID string) (senderProfile, error)
	BotInfo(ctx context.Context) (botInfo, error)
}

type botInfo struct {
	OpenID    string
	AppName   string
	AvatarURL string
}

// sdkMessenger implements messenger with the official SDK client.
type sdkMessenger struct {
	client *lark.Client
}

func newSDKMessenger(cfg Config, logger *slog.Logger) *sdkMessenger {
	return &sdkMessenger{
		client: lark.NewClient(cfg.AppID, cfg.AppSecret,
			lark.WithOpenBaseUrl(cfg.openBaseURL()),
			lark.WithLogger(newLarkSlogLogger(logger)),
			lark.WithLogLevel(larkSDKLogLevel),
		),
	}
}

func apiError(op string, code int, msg string) error {
	return fmt.Errorf("feishu %s failed: %s (code: %d)", op, strings.TrimSpace(msg), code)
}

func (m *sdkMessenger) CreateMessage(ctx context.Context, receiveIDType, receiveID, msgType, content string) (string, error) {
	req := larkim.NewCreateMessageReqBuilder().
		ReceiveIdType(receiveIDType).
		Body(larkim.NewCreateMessageReqBodyBuilder().
			ReceiveId(receiveID).
			MsgType(msgType).
			Content(content).
			Uuid(uuid.NewString()).
			Build()).
		Build()
	resp, err := m.client.Im.V1.Message.Create(ctx, req)
	if err != nil {
		return "", err
	}
	if resp == nil || !resp.Success() {
		code, msg := 0, ""
		if resp != nil {
			code, msg = resp.Code, resp.Msg
		}
		return "", apiError("send", code, msg)
	}
	if resp.Data == nil {
		return "", nil
	}
	return ptrStr(resp.Data.MessageId), nil
}

func (m *sdkMessenger) ReplyMessage(ctx context.Context, replyToID, msgType, content string) (string, error) {
	req := larkim.NewReplyMessageReqBuilder().
		MessageId(replyToID).
		Body(larkim.NewReplyMessageReqBodyBuilder().
			Content(content).
			MsgType(msgType).
			Uuid(uuid.NewString()).
			Build()).
		Build()
	resp, err := m.client.Im.V1.Message.Reply(ctx, req)
	if err != nil {
		return "", err
	}
	if resp == nil || !resp.Success() {
		code, msg := 0, ""
		if resp != nil {
			code, msg = resp.Code, resp.Msg
		}
		return "", apiError("reply", code, msg)
	}
	if resp.Data == nil {
		return "", nil
	}
	return ptrStr(resp.Data.MessageId), nil
}

func (m *sdkMessenger) UpdateMessage(ctx context.Context, messageID, msgType, content string) error {
	req := larkim.NewUpdateMessageReqBuilder().
		MessageId(messageID).
		Body(larkim.NewUpdateMessageReqBodyBuilder().
			MsgType(msgType).
			Content(content).
			Build()).
		Build()
	resp, err := m.client.Im.V1.Message.Update(ctx, req)
	if err != nil {
		return err
	}
	if resp == nil || !resp.Success() {
		code, msg := 0, ""
		if resp != nil {
			code, msg = resp.Code, resp.Msg
		}
		return apiError("update", code, msg)
	}
	return nil
}

func (m *sdkMessenger) DeleteMessage(ctx context.Context, messageID string) error {
	req := larkim.NewDeleteMessageReqBuilder().MessageId(messageID).Build()
	resp, err := m.client.Im.V1.Message.Delete(ctx, req)
	if err != nil {
		return err
	}
	if resp == nil || !resp.Success() {
		code, msg := 0, ""
		if resp != nil {
			code, msg = resp.Code, resp.Msg
		}
		return apiError("delete", code, msg)
	}
	return nil
}

func (m *sdkMessenger) UploadImage(ctx context.Context, image io.Reader) (string, error) {
	req := larkim.NewCreateImageReqBuilder().
		Body(larkim.NewCreateImageReqBodyBuilder().
			ImageType(larkim.ImageTypeMessage).
			Image(image).
			Build()).
		Build()
	resp, err := m.client.Im.V1.Image.Create(ctx, req)
	if err != nil {
		return "", fmt.Errorf("failed to upload image: %w", err)
	}
	if resp == nil || !resp.Success() {
		code, msg := 0, ""
		if resp != nil {
			code, msg = resp.Code, resp.Msg
		}
		return "", apiError("upload image", code, msg)
	}
	if resp.Data == nil || resp.Data.ImageKey == nil {
		return "", fmt.Errorf("feishu upload image returned empty key")
	}
	return *resp.Data.ImageKey, nil
}

func (m *sdkMessenger) UploadFile(ctx context.Context, file io.Reader, fileName, fileType string) (string, error) {
	req := larkim.NewCreateFileReqBuilder().
		Body(larkim.NewCreateFileReqBodyBuilder().
			FileType(fileType).
			FileName(fileName).
			File(file).
			Build()).
		Build()
	resp, err := m.client.Im.V1.File.Create(ctx, req)
	if err != nil {
		return "", fmt.Errorf("failed to upload file: %w", err)
	}
	if resp == nil || !resp.Success() {
		code, msg := 0, ""
		if resp != nil {
			code, msg = resp.Code, resp.Msg
		}
		return "", apiError("upload file", code, msg)
	}
	if resp.Data == nil || resp.Data.FileKey == nil {
		return "", fmt.Errorf("feishu upload file returned empty key")
	}
	return *resp.Data.FileKey, nil
}

func (m *sdkMessenger) GetUser(ctx context.Context, idType, id string) (senderProfile, error) {
	req := larkcontact.NewGetUserReqBuilder().
		UserIdType(idType).
		UserId(id).
		Build()
	resp, err := m.client.Contact.User.Get(ctx, req)
	if err != nil {
		return senderProfile{}, err
	}
	if resp == nil || !resp.Success() {
		code, msg := 0, ""
		if resp != nil {
			code, msg = resp.Code, resp.Msg
		}
		return senderProfile{}, apiError("get user", code, msg)
	}
	if resp.Data == nil || resp.Data.User == nil {
		return senderProfile{}, fmt.Errorf("feishu get user returned empty user")
	}
	displayName := ptrStr(resp.Data.User.Name)
	username := ptrStr(resp.Data.User.Nickname)
	if username == "" {
		username = displayName
	}
	return senderProfile{displayName: displayName, username: username}, nil
}

const chatMembersPageSize = 100

func (m *sdkMessenger) GetChatMember(ctx context.Context, chatID, memberIDType, memberID string) (senderProfile, error) {
	pageToken := ""
	for page := 0; page < 5; page++ {
		builder := larkim.NewGetChatMembersReqBuilder().
			ChatId(chatID).
			MemberIdType(memberIDType).
			PageSize(chatMembersPageSize)
		if pageToken != "" {
			builder = builder.PageToken(pageToken)
		}
		resp, err := m.client.Im.ChatMembers.Get(ctx, builder.Build())
		if err != nil {
			return senderProfile{}, err
		}
		if resp == nil || !resp.Success() {
			code, msg := 0, ""
			if resp != nil {
				code, msg = resp.Code, resp.Msg
			}
			return senderProfile{}, apiError("get chat members", code, msg)
		}
		if resp.Data == nil {
			return senderProfile{}, nil
		}
		for _, item := range resp.Data.Items {
			if item == nil || strings.TrimSpace(ptrStr(item.MemberId)) != memberID {
				continue
			}
			name := ptrStr(item.Name)
			return senderProfile{displayName: name, username: firstName(name)}, nil
		}
		if resp.Data.HasMore == nil || !*resp.Data.HasMore {
			break
		}
		pageToken = strings.TrimSpace(ptrStr(resp.Data.PageToken))
		if pageToken == "" {
			break
		}
	}
	return senderProfile{}, nil
}

func (m *sdkMessenger) BotInfo(ctx context.Context) (botInfo, error) {
	resp, err := m.client.Get(ctx, "/open-apis/bot/v3/info", nil, larkcore.AccessTokenTypeTenant)
	if err != nil {
		return botInfo{}, err
	}
	var body struct {
		Code int    `json:"code"`
		Msg  string `json:"msg"`
		Bot  struct {
			OpenID    string `json:"open_id"`
			AppName   string `json:"app_name"`
			AvatarURL string `json:"avatar_url"`
		} `json:"bot"`
	}
	if err := json.Unmarshal(resp.RawBody, &body); err != nil {
		return botInfo{}, fmt.Errorf("parse response: %w", err)
	}
	if body.Code != 0 {
		return botInfo{}, apiError("bot info", body.Code, body.Msg)
	}
	return botInfo{
		OpenID:    strings.TrimSpace(body.Bot.OpenID),
		AppName:   strings.TrimSpace(body.Bot.AppName),
		AvatarURL: strings.TrimSpace(body.Bot.AvatarURL),
	}, nil
}
