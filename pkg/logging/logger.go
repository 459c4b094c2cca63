// Package logging 结构化日志
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"time"
)

// Logger 结构化日志器
type Logger struct {
	*slog.Logger
}

// Config 日志配置
type Config struct {
	Level     string `json:"level" yaml:"level"`
	Format    string `json:"format" yaml:"format"` // json or text
	Output    string `json:"output" yaml:"output"` // stdout, stderr, or file path
	Component string `json:"component" yaml:"component"`
}

// ParseLevel 解析日志级别，未知值按 info 处理
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// New 创建新的日志器
func New(cfg Config) *Logger {
	var output io.Writer
	switch cfg.Output {
	case "stdout", "":
		output = os.Stdout
	case "stderr":
		output = os.Stderr
	default:
		f, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			output = os.Stdout
		} else {
			output = f
		}
	}
	return NewWithWriter(cfg, output)
}

// NewWithWriter 使用指定输出创建日志器（测试中写入 buffer）
func NewWithWriter(cfg Config, w io.Writer) *Logger {
	level := ParseLevel(cfg.Level)
	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug,
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}

	return &Logger{Logger: slog.New(handler).With(slog.String("component", cfg.Component))}
}

// Default 创建默认日志器
func Default(component string) *Logger {
	return New(Config{
		Level:     os.Getenv("LOG_LEVEL"),
		Format:    os.Getenv("LOG_FORMAT"),
		Output:    "stdout",
		Component: component,
	})
}

// Discard 丢弃全部输出的日志器
func Discard() *Logger {
	return NewWithWriter(Config{Level: "error"}, io.Discard)
}

func (l *Logger) with(attrs ...any) *Logger {
	return &Logger{Logger: l.Logger.With(attrs...)}
}

// WithDeploymentID 添加部署 ID
func (l *Logger) WithDeploymentID(id string) *Logger {
	return l.with(slog.String("deployment_id", id))
}

// WithStage 添加阶段名
func (l *Logger) WithStage(stage string) *Logger {
	return l.with(slog.String("stage", stage))
}

// WithNodeID 添加 Node ID
func (l *Logger) WithNodeID(nodeID string) *Logger {
	return l.with(slog.String("node_id", nodeID))
}

// WithError 添加错误信息
func (l *Logger) WithError(err error) *Logger {
	if err == nil {
		return l
	}
	return l.with(slog.String("error", err.Error()))
}

// WithDuration 添加持续时间
func (l *Logger) WithDuration(d time.Duration) *Logger {
	return l.with(slog.Float64("duration_ms", float64(d.Milliseconds())))
}

// HTTPRequestLog HTTP 请求日志
func (l *Logger) HTTPRequestLog(method, path string, status int, duration time.Duration, clientIP string) {
	l.Logger.Info("HTTP request",
		slog.String("method", method),
		slog.String("path", path),
		slog.Int("status", status),
		slog.Float64("duration_ms", float64(duration.Milliseconds())),
		slog.String("client_ip", clientIP),
	)
}

// DBQueryLog 数据库查询日志
func (l *Logger) DBQueryLog(operation, table string, duration time.Duration, err error) {
	attrs := []any{
		slog.String("operation", operation),
		slog.String("table", table),
		slog.Float64("duration_ms", float64(duration.Milliseconds())),
	}
	if err != nil {
		attrs = append(attrs, slog.String("error", err.Error()))
		l.Logger.Error("DB query failed", attrs...)
	} else {
		l.Logger.Debug("DB query", attrs...)
	}
}

// StageLog 阶段事件日志（started/completed/failed/degraded）
func (l *Logger) StageLog(action, deploymentID, stage string, extra ...any) {
	attrs := []any{
		slog.String("action", action),
		slog.String("deployment_id", deploymentID),
		slog.String("stage", stage),
	}
	attrs = append(attrs, extra...)
	if action == "failed" {
		l.Logger.Error("Stage event", attrs...)
		return
	}
	if action == "degraded" {
		l.Logger.Warn("Stage event", attrs...)
		return
	}
	l.Logger.Info("Stage event", attrs...)
}

// NodeCallLog 节点代理调用日志
func (l *Logger) NodeCallLog(nodeID, operation string, latency time.Duration, err error) {
	attrs := []any{
		slog.String("node_id", nodeID),
		slog.String("operation", operation),
		slog.Float64("latency_ms", float64(latency.Milliseconds())),
	}
	if err != nil {
		attrs = append(attrs, slog.String("error", err.Error()))
		l.Logger.Warn("Node call failed", attrs...)
	} else {
		l.Logger.Debug("Node call", attrs...)
	}
}

// RegistrationLog 节点注册日志
func (l *Logger) RegistrationLog(nodeID, status string, err error) {
	attrs := []any{
		slog.String("node_id", nodeID),
		slog.String("status", status),
	}
	if err != nil {
		attrs = append(attrs, slog.String("error", err.Error()))
		l.Logger.Warn("Registration failed", attrs...)
	} else {
		l.Logger.Debug("Registration refreshed", attrs...)
	}
}
