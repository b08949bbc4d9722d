package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Logger 统一日志接口，参数以 key/value 成对传入
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
	Err(err error, msg string, args ...any)
	With(args ...any) Logger
}

// Options 日志配置
type Options struct {
	Level   string
	Writers []string // console / file
	File    string
	MaxSize int // MB
	MaxAge  int // 天
}

type zlog struct {
	l zerolog.Logger
}

// New 根据配置创建基于 zerolog 的日志实例
func New(opts Options) (Logger, error) {
	level, err := zerolog.ParseLevel(opts.Level)
	if err != nil || opts.Level == "" {
		level = zerolog.InfoLevel
	}

	var writers []io.Writer
	for _, w := range opts.Writers {
		switch w {
		case "console":
			writers = append(writers, zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.DateTime})
		case "file":
			file := opts.File
			if file == "" {
				file = filepath.Join("logs", "docrelay.log")
			}
			writers = append(writers, &lumberjack.Logger{
				Filename:  file,
				MaxSize:   orDefault(opts.MaxSize, 20),
				MaxAge:    orDefault(opts.MaxAge, 7),
				LocalTime: true,
				Compress:  true,
			})
		default:
			return nil, fmt.Errorf("未知的日志输出: %s", w)
		}
	}
	if len(writers) == 0 {
		writers = append(writers, os.Stderr)
	}

	l := zerolog.New(zerolog.MultiLevelWriter(writers...)).Level(level).With().Timestamp().Logger()
	return &zlog{l: l}, nil
}

// NewWriter 输出到指定 writer，主要用于测试
func NewWriter(w io.Writer, level string) Logger {
	lv, err := zerolog.ParseLevel(level)
	if err != nil {
		lv = zerolog.DebugLevel
	}
	return &zlog{l: zerolog.New(w).Level(lv).With().Timestamp().Logger()}
}

// NewNop 创建丢弃所有输出的日志
func NewNop() Logger {
	return &zlog{l: zerolog.Nop()}
}

func (z *zlog) Debug(msg string, args ...any) { z.l.Debug().Fields(args).Msg(msg) }
func (z *zlog) Info(msg string, args ...any)  { z.l.Info().Fields(args).Msg(msg) }
func (z *zlog) Warn(msg string, args ...any)  { z.l.Warn().Fields(args).Msg(msg) }
func (z *zlog) Error(msg string, args ...any) { z.l.Error().Fields(args).Msg(msg) }

func (z *zlog) Err(err error, msg string, args ...any) {
	z.l.Error().Err(err).Fields(args).Msg(msg)
}

func (z *zlog) With(args ...any) Logger {
	return &zlog{l: z.l.With().Fields(args).Logger()}
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
