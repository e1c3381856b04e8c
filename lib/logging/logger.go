package logging

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Loggable is a frame payload that can be attached to a structured log entry.
type Loggable = zapcore.ObjectMarshaler

var Logger = zap.NewNop().Sugar()

// InitLogger replaces the global logger. jsonOutput selects the production
// JSON encoder, otherwise the console development encoder is used.
func InitLogger(level zapcore.Level, jsonOutput bool) {
	cfg := zap.NewDevelopmentConfig()
	if jsonOutput {
		cfg = zap.NewProductionConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(level)

	logger, err := cfg.Build()
	if err != nil {
		panic(err)
	}
	Logger = logger.Sugar()
}

// CheckError logs an error if it is not nil.
func CheckError(err error) {
	if err != nil {
		Logger.Error(err)
	}
}

func LogRecvProtocolMessage(peer string, msgType fmt.Stringer, payload ...Loggable) {
	logFrame("recv", peer, msgType, payload)
}

func LogSendProtocolMessage(peer string, msgType fmt.Stringer, payload ...Loggable) {
	logFrame("send", peer, msgType, payload)
}

func logFrame(direction, peer string, msgType fmt.Stringer, payload []Loggable) {
	if !Logger.Desugar().Core().Enabled(zapcore.DebugLevel) {
		return
	}
	fields := []any{"peer", peer, "frame", msgType.String()}
	if len(payload) > 0 && payload[0] != nil {
		fields = append(fields, zap.Object("payload", payload[0]))
	}
	Logger.Debugw(direction, fields...)
}
