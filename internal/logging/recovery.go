package logging

import (
	"fmt"
	"runtime/debug"

	"go.uber.org/zap"
)

// Recover logs a panic with its stack trace and swallows it. Use as
//
//	defer logging.Recover(logger, "scheduler")
//
// on goroutines that must not take the coordinator down with them.
func Recover(logger *zap.Logger, component string) {
	if rec := recover(); rec != nil {
		logger.Error("panic recovered",
			zap.String("component", component),
			zap.Any("panic", rec),
			zap.String("stack", string(debug.Stack())))
	}
}

// WrapError executes fn, converting a panic into an error.
func WrapError(logger *zap.Logger, component string, fn func() error) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			logger.Error("panic recovered",
				zap.String("component", component),
				zap.Any("panic", rec),
				zap.String("stack", string(debug.Stack())))
			err = fmt.Errorf("%s: panic: %v", component, rec)
		}
	}()
	return fn()
}
