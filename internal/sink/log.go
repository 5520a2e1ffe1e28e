package sink

import (
	"context"
	"log/slog"
)

// LogSurface пишет обновления в структурированный лог.
type LogSurface struct {
	logger *slog.Logger
}

// NewLogSurface создаёт LogSurface.
func NewLogSurface(logger *slog.Logger) *LogSurface {
	return &LogSurface{logger: logger.With(slog.String("component", "live"))}
}

func (l *LogSurface) Name() string { return "log" }

func (l *LogSurface) Send(ctx context.Context, u Update) error {
	attrs := []slog.Attr{
		slog.String("file_id", u.FileID),
		slog.String("status", string(u.Status)),
		slog.Int("percent", u.Percent),
	}
	if u.Title != "" {
		attrs = append(attrs, slog.String("title", u.Title))
	}
	if u.ErrorMessage != "" {
		attrs = append(attrs, slog.String("error", u.ErrorMessage))
	}
	level := slog.LevelDebug
	if u.Terminal() {
		level = slog.LevelInfo
	}
	l.logger.LogAttrs(ctx, level, "Обновление статуса файла", attrs...)
	return nil
}
