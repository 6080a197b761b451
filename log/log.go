package log

import (
	"os"
	"time"

	"github.com/mattn/go-isatty"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger is the package-wide logger. It is a no-op until InitLogger is
// called, so library users and tests that never configure logging pay
// nothing for it.
var Logger = zap.NewNop()

func InitLogger() error {
	config := zap.NewProductionConfig()
	config.EncoderConfig.EncodeTime = func(t time.Time, enc zapcore.PrimitiveArrayEncoder) {
		enc.AppendString(t.Format(time.RFC3339))
	}
	// Colorized levels only make sense on a terminal.
	if isatty.IsTerminal(os.Stderr.Fd()) {
		config.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		config.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	}
	logger, err := config.Build()
	if err != nil {
		return err
	}
	Logger = logger
	return nil
}

// SetLogger swaps the package logger, e.g. to route library logs into an
// application's existing zap tree.
func SetLogger(l *zap.Logger) {
	if l != nil {
		Logger = l
	}
}
