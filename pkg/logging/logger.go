package logging

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/steemit/feedsync/pkg/config"
)

// Logger is the application logger
var Logger *zap.Logger

// level backs every logger built by InitLogger so SetLevel can change
// verbosity at runtime.
var level = zap.NewAtomicLevelAt(zapcore.InfoLevel)

// InitLogger initializes the logger with the given configuration
func InitLogger(cfg *config.LoggingConfig) error {
	level.SetLevel(parseLevel(cfg.Level))

	if cfg.Format == "text" {
		zapConfig := zap.NewDevelopmentConfig()
		zapConfig.Level = level
		zapConfig.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		return build(zapConfig)
	}

	zapConfig := zap.NewProductionConfig()
	zapConfig.Level = level
	if !cfg.ScalyrFormat {
		return build(zapConfig)
	}

	encoderConfig := zapConfig.EncoderConfig
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderConfig.EncodeLevel = zapcore.LowercaseLevelEncoder
	encoderConfig.EncodeCaller = zapcore.ShortCallerEncoder

	Logger = zap.New(
		zapcore.NewCore(
			NewScalyrEncoder(encoderConfig),
			zapcore.AddSync(os.Stdout),
			level,
		),
		zap.AddCaller(),
		zap.AddStacktrace(zapcore.ErrorLevel),
	)
	return nil
}

func build(zapConfig zap.Config) error {
	logger, err := zapConfig.Build(
		zap.AddCaller(),
		zap.AddStacktrace(zapcore.ErrorLevel),
	)
	if err != nil {
		return err
	}
	Logger = logger
	return nil
}

// SetLevel changes the level of every logger created by InitLogger.
func SetLevel(name string) {
	level.SetLevel(parseLevel(name))
}

// Level reports the current level.
func Level() zapcore.Level {
	return level.Level()
}

func parseLevel(name string) zapcore.Level {
	var l zapcore.Level
	if err := l.UnmarshalText([]byte(name)); err != nil {
		return zapcore.InfoLevel
	}
	return l
}

// GetLogger returns the global logger
func GetLogger() *zap.Logger {
	if Logger == nil {
		// Fallback to default logger
		Logger, _ = zap.NewProduction()
	}
	return Logger
}

// WithContext adds context fields to logger
func WithContext(fields ...zap.Field) *zap.Logger {
	return GetLogger().With(fields...)
}

// WithComponent adds component name to logger
func WithComponent(component string) *zap.Logger {
	return GetLogger().With(zap.String("component", component))
}

// WithTimeline adds component and timeline names to logger
func WithTimeline(component, timeline string) *zap.Logger {
	return GetLogger().With(zap.String("component", component), zap.String("timeline", timeline))
}
