package audit

import (
	"github.com/rs/zerolog"
)

// Logger provides structured audit logging for externally visible scheduler
// events. A nil *Logger discards everything.
type Logger struct {
	logger zerolog.Logger
}

// NewLogger creates a new audit logger from a zerolog.Logger.
func NewLogger(logger zerolog.Logger) *Logger {
	return &Logger{logger: logger}
}

// LogJobSubmitted logs a job accepted by the transfer service.
// jobType: "Transfer", "Staging" or "Removal"
// sourceSE: may be empty for staging and removal jobs
func (l *Logger) LogJobSubmitted(operationID, jobID, handle, jobType, sourceSE, targetSE string, files int) {
	if l == nil {
		return
	}
	event := l.logger.Info().
		Str("event_type", "job_submitted").
		Str("operation_id", operationID).
		Str("job_id", jobID).
		Str("handle", handle).
		Str("job_type", jobType).
		Str("target_se", targetSE).
		Int("files", files)

	if sourceSE != "" {
		event = event.Str("source_se", sourceSE)
	}

	event.Msg("Job submitted")
}

// LogJobSubmitFailed logs a job the transfer service did not accept.
// details: the submission error
func (l *Logger) LogJobSubmitFailed(operationID, jobID, targetSE, details string) {
	if l == nil {
		return
	}
	l.logger.Warn().
		Str("event_type", "job_submit_failed").
		Str("operation_id", operationID).
		Str("job_id", jobID).
		Str("target_se", targetSE).
		Str("details", details).
		Msg("Job submission failed")
}

// LogFileDefunct logs a file given up on after exhausting its attempts.
func (l *Logger) LogFileDefunct(operationID, lfn, targetSE string, attempts int, reason string) {
	if l == nil {
		return
	}
	event := l.logger.Warn().
		Str("event_type", "file_defunct").
		Str("operation_id", operationID).
		Str("lfn", lfn).
		Str("target_se", targetSE).
		Int("attempts", attempts)

	if reason != "" {
		event = event.Str("reason", reason)
	}

	event.Msg("File defunct")
}

// LogCallback logs the reconciliation of an operation into its request.
// result: "applied", "canceled" or "rejected"
// details: additional context (e.g. the conflicting request status)
func (l *Logger) LogCallback(operationID string, requestID int64, result, details string) {
	if l == nil {
		return
	}
	level := zerolog.InfoLevel
	if result == "rejected" {
		level = zerolog.WarnLevel
	}

	event := l.logger.WithLevel(level).
		Str("event_type", "callback").
		Str("operation_id", operationID).
		Int64("request_id", requestID).
		Str("result", result)

	if details != "" {
		event = event.Str("details", details)
	}

	event.Msg("Operation callback")
}

// LogCancel logs an operator canceling an operation.
// actor: who asked for the cancellation
func (l *Logger) LogCancel(operationID, actor, details string) {
	if l == nil {
		return
	}
	event := l.logger.Info().
		Str("event_type", "cancel").
		Str("operation_id", operationID).
		Str("actor", actor)

	if details != "" {
		event = event.Str("details", details)
	}

	event.Msg("Operation canceled")
}
