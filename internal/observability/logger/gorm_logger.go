package logger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	gormlogger "gorm.io/gorm/logger"
)

const (
	TargetMaster = "master"
	TargetTenant = "tenant"
)

// GormLoggerConfig configures statement logging for one database. Tenant
// pools set StoreID so slow or failing tenant queries name their store.
type GormLoggerConfig struct {
	Target               string
	StoreID              string
	Level                gormlogger.LogLevel
	SlowThreshold        time.Duration
	IgnoreRecordNotFound bool
}

func DefaultGormLoggerConfig() GormLoggerConfig {
	return GormLoggerConfig{
		Target:        TargetMaster,
		Level:         gormlogger.Warn,
		SlowThreshold: 200 * time.Millisecond,
	}
}

// TenantGormLoggerConfig is the default config for a store's pool. Missing
// rows are normal in tenant lookups and are not logged as errors.
func TenantGormLoggerConfig(storeID string) GormLoggerConfig {
	cfg := DefaultGormLoggerConfig()
	cfg.Target = TargetTenant
	cfg.StoreID = strings.TrimSpace(storeID)
	cfg.IgnoreRecordNotFound = true
	return cfg
}

// GormLogger is a gormlogger.Interface writing through the context logger.
// Bound parameters are never logged.
type GormLogger struct {
	cfg    GormLoggerConfig
	fields []zap.Field
}

func NewGormLogger(cfg GormLoggerConfig) *GormLogger {
	if strings.TrimSpace(cfg.Target) == "" {
		cfg.Target = TargetMaster
	}
	fields := []zap.Field{
		zap.String("component", "gorm"),
		zap.String("db_target", cfg.Target),
	}
	if cfg.StoreID != "" {
		fields = append(fields, zap.String("store_id", cfg.StoreID))
	}
	return &GormLogger{cfg: cfg, fields: fields}
}

func (l *GormLogger) LogMode(level gormlogger.LogLevel) gormlogger.Interface {
	next := *l
	next.cfg.Level = level
	return &next
}

func (l *GormLogger) Info(ctx context.Context, msg string, data ...any) {
	l.message(ctx, gormlogger.Info, zapcore.InfoLevel, msg, data)
}

func (l *GormLogger) Warn(ctx context.Context, msg string, data ...any) {
	l.message(ctx, gormlogger.Warn, zapcore.WarnLevel, msg, data)
}

func (l *GormLogger) Error(ctx context.Context, msg string, data ...any) {
	l.message(ctx, gormlogger.Error, zapcore.ErrorLevel, msg, data)
}

func (l *GormLogger) message(ctx context.Context, threshold gormlogger.LogLevel, level zapcore.Level, msg string, data []any) {
	if l.cfg.Level < threshold {
		return
	}
	detail := msg
	if len(data) > 0 {
		detail = fmt.Sprintf(msg, data...)
	}
	fields := append([]zap.Field{}, l.fields...)
	fields = append(fields, zap.String("detail", detail))
	l.write(ctx, level, "gorm.message", fields)
}

// Trace logs failed statements at error, slow ones at warn and the rest at
// debug when the level is Info.
func (l *GormLogger) Trace(ctx context.Context, begin time.Time, fc func() (string, int64), err error) {
	if l.cfg.Level <= gormlogger.Silent {
		return
	}

	elapsed := time.Since(begin)
	var level zapcore.Level
	switch {
	case err != nil && l.cfg.Level >= gormlogger.Error &&
		!(l.cfg.IgnoreRecordNotFound && errors.Is(err, gormlogger.ErrRecordNotFound)):
		level = zapcore.ErrorLevel
	case l.cfg.SlowThreshold > 0 && elapsed > l.cfg.SlowThreshold && l.cfg.Level >= gormlogger.Warn:
		level = zapcore.WarnLevel
		err = nil
	case l.cfg.Level >= gormlogger.Info:
		level = zapcore.DebugLevel
		err = nil
	default:
		return
	}

	sql, rows := fc()
	fields := append([]zap.Field{}, l.fields...)
	fields = append(fields,
		zap.String("sql", strings.TrimSpace(sql)),
		zap.String("operation", operationFromSQL(sql)),
		zap.Int64("duration_ms", elapsed.Milliseconds()),
	)
	if rows >= 0 {
		fields = append(fields, zap.Int64("rows_affected", rows))
	}
	if err != nil {
		fields = append(fields, zap.Error(err))
	}
	l.write(ctx, level, "gorm.query", fields)
}

// ParamsFilter drops bound values; DSNs and customer data never reach the log.
func (l *GormLogger) ParamsFilter(_ context.Context, sql string, _ ...any) (string, []any) {
	return sql, nil
}

func (l *GormLogger) write(ctx context.Context, level zapcore.Level, msg string, fields []zap.Field) {
	if ce := FromContext(ctx).Check(level, msg); ce != nil {
		ce.Write(fields...)
	}
}

func operationFromSQL(sql string) string {
	for _, token := range strings.Fields(strings.ToUpper(sql)) {
		token = strings.Trim(token, "();")
		switch token {
		case "SELECT", "INSERT", "UPDATE", "DELETE", "MERGE":
			return token
		}
	}
	return "UNKNOWN"
}

var _ gormlogger.Interface = (*GormLogger)(nil)
