package observability

import (
	"fmt"
	"runtime/debug"
)

// RecoverPanic logs a recovered panic with its stack. Call it deferred in
// goroutines that must not take the process down; the panic is not re-raised.
func RecoverPanic(logger *Logger, where string) {
	if r := recover(); r != nil {
		logPanic(logger, where, r)
	}
}

// MustRecover converts the value of recover() into an error, or nil.
//
//	defer func() {
//		if perr := observability.MustRecover(recover()); perr != nil {
//			err = perr
//		}
//	}()
func MustRecover(r interface{}) error {
	if r == nil {
		return nil
	}
	if err, ok := r.(error); ok {
		return fmt.Errorf("panic: %w", err)
	}
	return fmt.Errorf("panic: %v", r)
}

func logPanic(logger *Logger, where string, r interface{}) {
	logger.WithFields(map[string]interface{}{
		"panic": fmt.Sprint(r),
		"stack": string(debug.Stack()),
		"where": where,
	}).Error("PANIC recovered")
}
