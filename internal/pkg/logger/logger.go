// Package logger 封装 zerolog，提供带追踪信息的上下文日志
package logger

import (
	"context"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/trace"
)

// Config 日志配置
type Config struct {
	Level   string `yaml:"level"`
	Console bool   `yaml:"console"`
}

// Init 配置全局 logger，所有服务在启动时调用一次
func Init(serviceName string, cfg Config) zerolog.Logger {
	return InitWithWriter(serviceName, cfg, os.Stdout)
}

// InitWithWriter 同 Init，但允许指定输出，便于测试
func InitWithWriter(serviceName string, cfg Config, w io.Writer) zerolog.Logger {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	zerolog.TimeFieldFormat = time.RFC3339Nano

	out := w
	if cfg.Console {
		out = zerolog.ConsoleWriter{Out: w, TimeFormat: time.DateTime}
	}

	l := zerolog.New(out).Hook(TraceHook{}).With().Timestamp().Str("service", serviceName).Logger()
	zlog.Logger = l
	zerolog.DefaultContextLogger = &zlog.Logger
	return l
}

// Ctx 返回 ctx 中的 logger（没有时使用全局 logger），并把 ctx 绑定到每条事件上，
// 这样 TraceHook 能够写入 trace_id。
func Ctx(ctx context.Context) *zerolog.Logger {
	l := zerolog.Ctx(ctx).With().Ctx(ctx).Logger()
	return &l
}

// TraceHook 在事件带有活跃 span 时写入 trace_id / span_id
type TraceHook struct{}

func (TraceHook) Run(e *zerolog.Event, _ zerolog.Level, _ string) {
	ctx := e.GetCtx()
	if ctx == nil {
		return
	}
	sc := trace.SpanContextFromContext(ctx)
	if !sc.IsValid() {
		return
	}
	e.Str("trace_id", sc.TraceID().String()).Str("span_id", sc.SpanID().String())
}
