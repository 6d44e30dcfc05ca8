// Package runnerlog adapts zap's structured logger to the
// (msg string, keyValuePairs ...any) calling convention the teacher used for
// the Mattermost plugin API logger, so every component that was written
// against p.API.LogInfo/LogWarn/LogError/LogDebug keeps the same call shape.
package runnerlog

import (
	"go.uber.org/zap"
)

// Logger is the logging surface every component depends on. It mirrors the
// teacher's pluginLogger/Plugin debug-gated helpers.
type Logger interface {
	LogDebug(msg string, keyValuePairs ...any)
	LogInfo(msg string, keyValuePairs ...any)
	LogWarn(msg string, keyValuePairs ...any)
	LogError(msg string, keyValuePairs ...any)
}

type zapLogger struct {
	sugar      *zap.SugaredLogger
	debugGated bool
}

// New builds a Logger backed by zap. When debug is false, LogDebug calls are
// dropped without touching the underlying sink, the same conditional the
// teacher applied in Plugin.logDebug based on EnableDebugLogging.
func New(debug bool) (Logger, error) {
	var zcfg zap.Config
	if debug {
		zcfg = zap.NewDevelopmentConfig()
	} else {
		zcfg = zap.NewProductionConfig()
	}
	l, err := zcfg.Build()
	if err != nil {
		return nil, err
	}
	return &zapLogger{sugar: l.Sugar(), debugGated: debug}, nil
}

// NewNop returns a Logger that discards everything, for tests.
func NewNop() Logger {
	return &zapLogger{sugar: zap.NewNop().Sugar(), debugGated: false}
}

func (l *zapLogger) LogDebug(msg string, kv ...any) {
	if !l.debugGated {
		return
	}
	l.sugar.Debugw(msg, kv...)
}

func (l *zapLogger) LogInfo(msg string, kv ...any)  { l.sugar.Infow(msg, kv...) }
func (l *zapLogger) LogWarn(msg string, kv ...any)  { l.sugar.Warnw(msg, kv...) }
func (l *zapLogger) LogError(msg string, kv ...any) { l.sugar.Errorw(msg, kv...) }
