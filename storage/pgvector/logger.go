package pgvector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// gormLoggerAdapter adapts slog.Logger to gorm's logger interface.
// Queries are logged at debug level, slow queries at warn.
type gormLoggerAdapter struct {
	logger        *slog.Logger
	level         gormlogger.LogLevel
	slowThreshold time.Duration
}

var _ gormlogger.Interface = (*gormLoggerAdapter)(nil)

func (gl *gormLoggerAdapter) LogMode(level gormlogger.LogLevel) gormlogger.Interface {
	clone := *gl
	clone.level = level
	return &clone
}

func (gl *gormLoggerAdapter) Info(ctx context.Context, msg string, args ...any) {
	if gl.level == gormlogger.Silent {
		return
	}
	gl.logger.InfoContext(ctx, fmt.Sprintf(msg, args...))
}

func (gl *gormLoggerAdapter) Warn(ctx context.Context, msg string, args ...any) {
	if gl.level == gormlogger.Silent {
		return
	}
	gl.logger.WarnContext(ctx, fmt.Sprintf(msg, args...))
}

func (gl *gormLoggerAdapter) Error(ctx context.Context, msg string, args ...any) {
	if gl.level == gormlogger.Silent {
		return
	}
	gl.logger.ErrorContext(ctx, fmt.Sprintf(msg, args...))
}

func (gl *gormLoggerAdapter) Trace(ctx context.Context, begin time.Time, fc func() (string, int64), err error) {
	if gl.level == gormlogger.Silent {
		return
	}
	elapsed := time.Since(begin)
	sql, rows := fc()
	switch {
	case err != nil && !errors.Is(err, gorm.ErrRecordNotFound):
		gl.logger.ErrorContext(ctx, "query failed", "sql", sql, "rows", rows, "elapsed", elapsed, "err", err)
	case gl.slowThreshold > 0 && elapsed > gl.slowThreshold:
		gl.logger.WarnContext(ctx, "slow query", "sql", sql, "rows", rows, "elapsed", elapsed)
	default:
		gl.logger.DebugContext(ctx, "query", "sql", sql, "rows", rows, "elapsed", elapsed)
	}
}
