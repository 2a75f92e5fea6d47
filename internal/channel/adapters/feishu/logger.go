package feishu

import (
	"context"
	"fmt"
	"log/slog"

	larkcore "github.com/larksuite/oapi-sdk-go/v3/core"
)

// larkSDKLogLevel keeps SDK debug output, which includes raw event payloads
// and tokens, out of the logs.
const larkSDKLogLevel = larkcore.LogLevelInfo

// larkSlogLogger routes SDK logs into slog.
type larkSlogLogger struct {
	logger *slog.Logger
}

func newLarkSlogLogger(logger *slog.Logger) larkcore.Logger {
	if logger == nil {
		logger = slog.Default()
	}
	return &larkSlogLogger{logger: logger.With(slog.String("component", "lark_sdk"))}
}

func (l *larkSlogLogger) Debug(ctx context.Context, args ...any) {
	l.log(ctx, slog.LevelDebug, args...)
}

func (l *larkSlogLogger) Info(ctx context.Context, args ...any) {
	l.log(ctx, slog.LevelInfo, args...)
}

func (l *larkSlogLogger) Warn(ctx context.Context, args ...any) {
	l.log(ctx, slog.LevelWarn, args...)
}

func (l *larkSlogLogger) Error(ctx context.Context, args ...any) {
	l.log(ctx, slog.LevelError, args...)
}

func (l *larkSlogLogger) log(ctx context.Context, level slog.Level, args ...any) {
	if ctx == nil {
		ctx = context.Background()
	}
	l.logger.Log(ctx, level, "feishu sdk", slog.String("detail", fmt.Sprint(args...)))
}
