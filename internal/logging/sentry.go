package logging

import (
	"errors"
	"fmt"
	"os"
	"time"

	goerrors "github.com/go-errors/errors"
	"github.com/getsentry/sentry-go"
)

var sentryEnabled bool

// InitSentry initializes Sentry for crash reporting.
// Opt-in: enabled via user settings or PAYMENT_AGENT_SENTRY=1, and only when a
// DSN is provided through PAYMENT_AGENT_SENTRY_DSN.
// Returns true if Sentry was successfully initialized.
func InitSentry(version string, crashReportingEnabled bool) bool {
	enabled := crashReportingEnabled
	switch os.Getenv("PAYMENT_AGENT_SENTRY") {
	case "1":
		enabled = true
	case "0":
		enabled = false
	}
	if !enabled {
		return false
	}

	dsn := os.Getenv("PAYMENT_AGENT_SENTRY_DSN")
	if dsn == "" {
		Warn(CatSystem, "Crash reporting enabled but no DSN configured", nil)
		return false
	}

	err := sentry.Init(sentry.ClientOptions{
		Dsn:              dsn,
		Release:          "payment-agent@" + version,
		Environment:      getEnvironment(),
		AttachStacktrace: true,
		TracesSampleRate: 0.0,
		// card data must never leave the machine
		BeforeSend: scrubEvent,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: Failed to initialize Sentry: %v\n", err)
		return false
	}

	sentryEnabled = true
	return true
}

func getEnvironment() string {
	if env := os.Getenv("PAYMENT_AGENT_ENVIRONMENT"); env != "" {
		return env
	}
	return "production"
}

// sensitiveKeys are extra keys dropped from every event.
var sensitiveKeys = []string{"pan", "number", "track2", "cvv", "signature", "apiKey"}

func scrubEvent(event *sentry.Event, _ *sentry.EventHint) *sentry.Event {
	for _, k := range sensitiveKeys {
		delete(event.Extra, k)
	}
	return event
}

// SentryEnabled returns whether Sentry is currently enabled.
func SentryEnabled() bool {
	return sentryEnabled
}

// FlushSentry flushes any buffered events to Sentry.
// Call this before application exit.
func FlushSentry(timeout time.Duration) {
	if sentryEnabled {
		sentry.Flush(timeout)
	}
}

// CapturePanic sends a panic to Sentry along with the stack trace.
// This should be called from recover() handlers.
func CapturePanic(panicValue interface{}, stack []byte, context string) {
	if !sentryEnabled {
		return
	}

	sentry.WithScope(func(scope *sentry.Scope) {
		scope.SetTag("panic_context", context)
		scope.SetExtra("stack_trace", string(stack))
		scope.SetLevel(sentry.LevelFatal)

		switch v := panicValue.(type) {
		case error:
			sentry.CaptureException(v)
		case string:
			sentry.CaptureMessage(v)
		default:
			sentry.CaptureMessage(fmt.Sprintf("%v", v))
		}
	})

	// app may be about to exit
	sentry.Flush(2 * time.Second)
}

// CaptureError sends an error to Sentry. Errors without a stack get one
// attached at the call site.
func CaptureError(err error, context string, data map[string]interface{}) {
	if !sentryEnabled || err == nil {
		return
	}

	var stacked *goerrors.Error
	if !errors.As(err, &stacked) {
		stacked = goerrors.Wrap(err, 1)
	}

	sentry.WithScope(func(scope *sentry.Scope) {
		scope.SetTag("error_context", context)
		scope.SetExtra("stack_trace", string(stacked.Stack()))
		for k, v := range data {
			scope.SetExtra(k, v)
		}
		sentry.CaptureException(err)
	})
}

// CaptureMessage sends a message to Sentry.
func CaptureMessage(message string, level sentry.Level, data map[string]interface{}) {
	if !sentryEnabled {
		return
	}

	sentry.WithScope(func(scope *sentry.Scope) {
		scope.SetLevel(level)
		for k, v := range data {
			scope.SetExtra(k, v)
		}
		sentry.CaptureMessage(message)
	})
}
