package logger

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config controls the construction of the application logger.
type Config struct {
	Level      string `env:"LOG_LEVEL" envDefault:"info"`
	Encoding   string `env:"LOG_ENCODING" envDefault:"json"`
	DevMode    bool   `env:"LOG_DEV_MODE" envDefault:"false"`
}

// Logger is the logging surface used by every component. It is intentionally
// small so call sites never need the concrete zap types.
type Logger interface {
	Info(args ...interface{})
	Infof(template string, args ...interface{})
	Warnf(template string, args ...interface{})
	Errorf(template string, args ...interface{})
	Fatalf(template string, args ...interface{})
	Logger() *zap.Logger
}

type appLogger struct {
	cfg    *Config
	sugar  *zap.SugaredLogger
	plain  *zap.Logger
}

// AppLogger is the concrete Logger implementation, exposed so callers can
// invoke InitLogger once at startup.
type AppLogger = appLogger

// NewAppLogger constructs a Logger from Config without starting it. Call
// InitLogger before first use.
func NewAppLogger(cfg *Config) *AppLogger {
	if cfg == nil {
		cfg = &Config{Level: "info", Encoding: "json"}
	}
	return &appLogger{cfg: cfg}
}

func (a *appLogger) InitLogger() {
	level := zapcore.InfoLevel
	if err := level.UnmarshalText([]byte(a.cfg.Level)); err != nil {
		level = zapcore.InfoLevel
	}

	var zapCfg zap.Config
	if a.cfg.DevMode {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}
	zapCfg.Level = zap.NewAtomicLevelAt(level)
	zapCfg.Encoding = a.cfg.Encoding
	zapCfg.OutputPaths = []string{"stdout"}
	zapCfg.ErrorOutputPaths = []string{"stderr"}

	built, err := zapCfg.Build()
	if err != nil {
		// Fall back to zap's example logger rather than fail the process
		// over a misconfigured encoding.
		built = zap.NewExample()
	}

	a.plain = built
	a.sugar = built.Sugar()
}

func (a *appLogger) ensure() {
	if a.sugar == nil {
		a.InitLogger()
	}
}

func (a *appLogger) Info(args ...interface{}) {
	a.ensure()
	a.sugar.Info(args...)
}

func (a *appLogger) Infof(template string, args ...interface{}) {
	a.ensure()
	a.sugar.Infof(template, args...)
}

func (a *appLogger) Warnf(template string, args ...interface{}) {
	a.ensure()
	a.sugar.Warnf(template, args...)
}

func (a *appLogger) Errorf(template string, args ...interface{}) {
	a.ensure()
	a.sugar.Errorf(template, args...)
}

func (a *appLogger) Fatalf(template string, args ...interface{}) {
	a.ensure()
	a.sugar.Fatalf(template, args...)
	os.Exit(1)
}

func (a *appLogger) Logger() *zap.Logger {
	a.ensure()
	return a.plain
}
