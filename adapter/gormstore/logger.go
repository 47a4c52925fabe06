package gormstore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/trickstertwo/xlog"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

const slowQuery = 200 * time.Millisecond

// gormLogger routes gorm's diagnostics through xlog. Missing records are
// not errors for a key-value store and are not logged.
type gormLogger struct {
	log   *xlog.Logger
	level gormlogger.LogLevel
}

func newGormLogger(l *xlog.Logger) gormlogger.Interface {
	return &gormLogger{log: l.With(xlog.Str("component", "gorm")), level: gormlogger.Warn}
}

func (g *gormLogger) LogMode(level gormlogger.LogLevel) gormlogger.Interface {
	c := *g
	c.level = level
	return &c
}

func (g *gormLogger) Info(_ context.Context, msg string, args ...interface{}) {
	if g.level >= gormlogger.Info {
		g.log.Info().Msg(fmt.Sprintf(msg, args...))
	}
}

func (g *gormLogger) Warn(_ context.Context, msg string, args ...interface{}) {
	if g.level >= gormlogger.Warn {
		g.log.Warn().Msg(fmt.Sprintf(msg, args...))
	}
}

func (g *gormLogger) Error(_ context.Context, msg string, args ...interface{}) {
	if g.level >= gormlogger.Error {
		g.log.Error().Msg(fmt.Sprintf(msg, args...))
	}
}

func (g *gormLogger) Trace(_ context.Context, begin time.Time, fc func() (string, int64), err error) {
	if g.level <= gormlogger.Silent {
		return
	}
	elapsed := time.Since(begin)
	switch {
	case err != nil && g.level >= gormlogger.Error && !errors.Is(err, gorm.ErrRecordNotFound):
		sql, rows := fc()
		g.log.Error().Err(err).Str("sql", sql).Str("rows", strconv.FormatInt(rows, 10)).Dur("elapsed", elapsed).Msg("query failed")
	case elapsed > slowQuery && g.level >= gormlogger.Warn:
		sql, rows := fc()
		g.log.Warn().Str("sql", sql).Str("rows", strconv.FormatInt(rows, 10)).Dur("elapsed", elapsed).Msg("slow query")
	case g.level >= gormlogger.Info:
		sql, rows := fc()
		g.log.Debug().Str("sql", sql).Str("rows", strconv.FormatInt(rows, 10)).Dur("elapsed", elapsed).Msg("query")
	}
}
