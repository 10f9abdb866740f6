package forwardtap

import (
	"fmt"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// NewLogger builds a zap.Logger writing JSON-encoded entries to stderr at
// the given level, adapted from caddy's own newDefaultProductionLog: a
// single JSON core over a production encoder config, no log-module
// registry or writer-pool machinery, since this module has exactly one
// place logs go (stderr, or wherever the embedder's own *zap.Logger
// points) rather than Caddy's pluggable sink/custom-log graph.
func NewLogger(level string) (*zap.Logger, error) {
	if level == "" {
		level = "info"
	}
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("forwardtap: invalid log level %q: %w", level, err)
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "ts"
	core := zapcore.NewCore(
		zapcore.NewJSONEncoder(encCfg),
		zapcore.Lock(zapcore.AddSync(os.Stderr)),
		lvl,
	)
	return zap.New(core), nil
}
