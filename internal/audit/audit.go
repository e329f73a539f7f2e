package audit

import (
	"context"
	"time"

	"go.uber.org/zap"

	"restorebot/internal/storage"
)

const (
	LevelInfo = "INFO"
	LevelWarn = "WARN"
	LevelCrit = "CRIT"
)

const (
	EventRegister         = "register"
	EventSettingsUpdated  = "settings_updated"
	EventBackupCreated    = "backup_created"
	EventBackupFailed     = "backup_failed"
	EventRestoreConfirmed = "restore_confirmed"
	EventRestoreCancelled = "restore_cancelled"
	EventRestoreFinished  = "restore_finished"
	EventRestoreFailed    = "restore_failed"
	EventKeyRotated       = "key_rotated"
	EventKeyRotateFailed  = "key_rotate_failed"
)

type Sink interface {
	AddAuditLog(ctx context.Context, log storage.AuditLog) error
}

// Logger records audit events in the store and the process log.
type Logger struct {
	sink   Sink
	logger *zap.Logger
	notify func(context.Context, storage.AuditLog)
	now    func() time.Time
}

func NewLogger(sink Sink, logger *zap.Logger) *Logger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Logger{sink: sink, logger: logger, now: time.Now}
}

func (l *Logger) SetNotifier(notify func(context.Context, storage.AuditLog)) {
	l.notify = notify
}

func (l *Logger) Log(ctx context.Context, level, guildID, userID, event, details string) {
	entry := storage.AuditLog{
		GuildID:   guildID,
		UserID:    userID,
		Level:     level,
		Event:     event,
		Details:   details,
		CreatedAt: l.now(),
	}
	if l.sink != nil {
		if err := l.sink.AddAuditLog(ctx, entry); err != nil {
			l.logger.Warn("audit persist failed", zap.String("event", event), zap.Error(err))
		}
	}
	if l.notify != nil {
		l.notify(ctx, entry)
	}
	l.logger.Info("audit",
		zap.String("level", level),
		zap.String("guild_id", guildID),
		zap.String("user_id", userID),
		zap.String("event", event),
		zap.String("details", details),
	)
}
