package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	applog "engagement-ledger/pkg/logger"

	"go.uber.org/zap"
	"gorm.io/gorm/logger"
	"gorm.io/gorm/utils"
)

const defaultSlowQuery = 200 * time.Millisecond

// queryLogger routes gorm's logging through zap. Query logs carry the
// trace ids of the request that issued them.
type queryLogger struct {
	level         logger.LogLevel
	slowThreshold time.Duration
	showSQL       bool
}

func newQueryLogger(level logger.LogLevel, showSQL bool) *queryLogger {
	return &queryLogger{level: level, showSQL: showSQL, slowThreshold: defaultSlowQuery}
}

func (l *queryLogger) LogMode(level logger.LogLevel) logger.Interface {
	cp := *l
	cp.level = level
	return &cp
}

func (l *queryLogger) Info(ctx context.Context, msg string, data ...any) {
	if l.level >= logger.Info {
		applog.FromContext(ctx).Info(fmt.Sprintf(msg, data...))
	}
}

func (l *queryLogger) Warn(ctx context.Context, msg string, data ...any) {
	if l.level >= logger.Warn {
		applog.FromContext(ctx).Warn(fmt.Sprintf(msg, data...))
	}
}

func (l *queryLogger) Error(ctx context.Context, msg string, data ...any) {
	if l.level >= logger.Error {
		applog.FromContext(ctx).Error(fmt.Sprintf(msg, data...))
	}
}

func (l *queryLogger) Trace(ctx context.Context, begin time.Time, fc func() (string, int64), err error) {
	if l.level <= logger.Silent {
		return
	}

	elapsed := time.Since(begin)
	sql, rows := fc()
	fields := []zap.Field{
		zap.String("file", utils.FileWithLineNum()),
		zap.String("sql", sql),
		zap.Int64("rows", rows),
		zap.Float64("duration_ms", float64(elapsed.Microseconds())/1000),
	}
	log := applog.FromContext(ctx)

	switch {
	case err != nil && !errors.Is(err, logger.ErrRecordNotFound):
		log.Error("gorm.query", append(fields, zap.Error(err))...)
	case l.slowThreshold > 0 && elapsed > l.slowThreshold:
		log.Warn("gorm.slow_query", append(fields, zap.Duration("threshold", l.slowThreshold))...)
	case l.level >= logger.Info && l.showSQL:
		log.Debug("gorm.query", fields...)
	}
}
