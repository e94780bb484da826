package pulse

import "log/slog"

// Monitor receives user-observable errors that the library cannot resolve
// on its own: queue declaration and consumer-setup failures (channel open,
// prefetch, consume), undecodable deliveries, and dropped (dead-lettered)
// handler errors. Dial failures and unexpected connection closes never
// reach the monitor; they are logged and absorbed by the reconnection
// machinery.
type Monitor interface {
	ReportError(err error, fields map[string]interface{})
}

// NoopMonitor discards every report. Useful for tests and for callers that
// only care about the OnError hook on exclusive consumers.
type NoopMonitor struct{}

func (NoopMonitor) ReportError(err error, fields map[string]interface{}) {}

// SlogMonitor reports errors to a *slog.Logger at error level.
type SlogMonitor struct {
	Logger *slog.Logger
}

func (m SlogMonitor) ReportError(err error, fields map[string]interface{}) {
	logger := m.Logger
	if logger == nil {
		logger = slog.Default()
	}

	args := make([]any, 0, 2+2*len(fields))
	args = append(args, "error", err)
	for k, v := range fields {
		args = append(args, k, v)
	}

	logger.Error("pulse: reported error", args...)
}
