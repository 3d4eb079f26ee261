package actionlog

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

const (
	StdErrOutput = "stderr"
	StdOutOutput = "stdout"

	rotateScheme = "rotate"

	// DefaultRotationConfig keeps ten compressed 100MB files.
	DefaultRotationConfig = `{"maxsize": 100, "maxage": 0, "maxbackups": 10, "localtime": false, "compress": true}`
)

var ErrRotationInvalidOutput = errors.New("--action-log-outputs requires a single file path when rotation is enabled")

type rotatingSink struct {
	*lumberjack.Logger
}

// Sync implements zap.Sink
func (rotatingSink) Sync() error { return nil }

// rotationSettings mirrors the JSON keys of lumberjack.Logger.
type rotationSettings struct {
	MaxSize    int  `json:"maxsize"`
	MaxAge     int  `json:"maxage"`
	MaxBackups int  `json:"maxbackups"`
	LocalTime  bool `json:"localtime"`
	Compress   bool `json:"compress"`
}

var (
	registerOnce sync.Once
	registerErr  error
	// rotation is read by the rotate:// sink factory.
	rotation   rotationSettings
	rotationMu sync.Mutex
)

// SinkOptions selects where structured action records go.
type SinkOptions struct {
	Outputs            []string
	EnableRotation     bool
	RotationConfigJSON string
}

// NewZapLogger builds the JSON logger action records are mirrored to. It returns nil
// without error when no output is configured.
func NewZapLogger(opts SinkOptions) (*zap.Logger, error) {
	if len(opts.Outputs) == 0 {
		return nil, nil
	}
	if opts.EnableRotation {
		if err := setupRotation(opts.Outputs, opts.RotationConfigJSON); err != nil {
			return nil, err
		}
	}

	paths := make([]string, 0, len(opts.Outputs))
	for _, output := range opts.Outputs {
		switch output {
		case StdErrOutput, StdOutOutput:
			paths = append(paths, output)
		default:
			if opts.EnableRotation {
				paths = append(paths, fmt.Sprintf("%s:%s", rotateScheme, output))
			} else {
				paths = append(paths, output)
			}
		}
	}

	logConfig := zap.Config{
		Level:    zap.NewAtomicLevelAt(zapcore.InfoLevel),
		Encoding: "json",
		EncoderConfig: zapcore.EncoderConfig{
			TimeKey:       "ts",
			LevelKey:      "level",
			NameKey:       "logger",
			MessageKey:    "msg",
			StacktraceKey: "stacktrace",
			LineEnding:    zapcore.DefaultLineEnding,
			EncodeLevel:   zapcore.LowercaseLevelEncoder,
			EncodeTime: zapcore.TimeEncoder(func(t time.Time, enc zapcore.PrimitiveArrayEncoder) {
				enc.AppendString(t.UTC().Format("2006-01-02T15:04:05.000Z"))
			}),
			EncodeDuration: zapcore.StringDurationEncoder,
		},
		OutputPaths:      paths,
		ErrorOutputPaths: []string{StdErrOutput},
	}
	return logConfig.Build()
}

func setupRotation(outputs []string, configJSON string) error {
	files := 0
	for _, output := range outputs {
		switch output {
		case StdErrOutput, StdOutOutput:
		default:
			files++
		}
	}
	// rotation needs exactly one file target
	if files != 1 {
		return ErrRotationInvalidOutput
	}
	if configJSON == "" {
		configJSON = DefaultRotationConfig
	}

	var cfg rotationSettings
	if err := json.Unmarshal([]byte(configJSON), &cfg); err != nil {
		var typeErr *json.UnmarshalTypeError
		var syntaxErr *json.SyntaxError
		switch {
		case errors.As(err, &syntaxErr):
			return fmt.Errorf("improperly formatted action log rotation config: %w", err)
		case errors.As(err, &typeErr):
			return fmt.Errorf("invalid action log rotation config: %w", err)
		default:
			return err
		}
	}
	rotationMu.Lock()
	rotation = cfg
	rotationMu.Unlock()

	registerOnce.Do(func() {
		registerErr = zap.RegisterSink(rotateScheme, func(u *url.URL) (zap.Sink, error) {
			rotationMu.Lock()
			defer rotationMu.Unlock()
			return &rotatingSink{Logger: &lumberjack.Logger{
				Filename:   u.Path,
				MaxSize:    rotation.MaxSize,
				MaxAge:     rotation.MaxAge,
				MaxBackups: rotation.MaxBackups,
				LocalTime:  rotation.LocalTime,
				Compress:   rotation.Compress,
			}}, nil
		})
	})
	return registerErr
}
