package docsync

import (
	"fmt"

	"github.com/golang/glog"
)

// Logging convention in the `docsync` packages:
// Info:
//     essential events for abnormal behavior. This level should be silent on normal operation,
//     with the exception of one time (infrequent) initialization data that is useful for monitoring
//     this includes:
//     - handshake failures and pong timeouts
//     - dropped local changes and failed reconnect attempts
// Error:
//     unrecoverable crash details
//     this includes:
//     - unexpected panics from user callbacks even if handled and suppressed
// V(1):
//     connection lifecycle events with ids that can be used to filter
// V(2):
//     per message trace (send, receive, broadcast)

type LogFunction func(string, ...any)

// LogFn returns a tagged log function at the given verbosity.
// Level 0 logs at info.
func LogFn(level glog.Level, tag string) LogFunction {
	return func(format string, a ...any) {
		if glog.V(level) {
			m := fmt.Sprintf(format, a...)
			glog.InfoDepth(1, fmt.Sprintf("[%s]%s", tag, m))
		}
	}
}

func SubLogFn(log LogFunction, tag string) LogFunction {
	return func(format string, a ...any) {
		m := fmt.Sprintf(format, a...)
		log("[%s]%s", tag, m)
	}
}
