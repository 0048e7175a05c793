package logger

import (
	"context"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// ContextKey namespaces values stored on a context by this package.
type ContextKey string

const (
	CorrelationIDKey ContextKey = "correlation_id"
	SessionIDKey     ContextKey = "session_id"
	JobIDKey         ContextKey = "job_id"
)

// Logger wraps zerolog with session/job-aware helpers.
type Logger struct {
	*zerolog.Logger
}

// Config holds logger configuration.
type Config struct {
	Level      string `json:"level" validate:"oneof=trace debug info warn error fatal panic"`
	Format     string `json:"format" validate:"oneof=json console"`
	Output     string `json:"output" validate:"oneof=stdout stderr file"`
	Filename   string `json:"filename,omitempty"`
	TimeFormat string `json:"time_format"`
}

func DefaultConfig() *Config {
	return &Config{
		Level:      "info",
		Format:     "json",
		Output:     "stdout",
		TimeFormat: time.RFC3339,
	}
}

// New builds a structured logger from Config.
func New(config *Config) (*Logger, error) {
	if config == nil {
		config = DefaultConfig()
	}

	level, err := zerolog.ParseLevel(config.Level)
	if err != nil {
		return nil, err
	}
	zerolog.SetGlobalLevel(level)
	zerolog.TimeFieldFormat = config.TimeFormat

	var output io.Writer
	switch config.Output {
	case "stdout":
		output = os.Stdout
	case "stderr":
		output = os.Stderr
	case "file":
		if config.Filename == "" {
			config.Filename = "logs/app.log"
		}
		file, err := os.OpenFile(config.Filename, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
		if err != nil {
			return nil, err
		}
		output = file
	default:
		output = os.Stdout
	}

	var logger zerolog.Logger
	if config.Format == "console" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: output, TimeFormat: time.RFC3339}).
			With().Timestamp().Caller().Logger()
	} else {
		logger = zerolog.New(output).With().Timestamp().Caller().Logger()
	}

	return &Logger{Logger: &logger}, nil
}

// WithCorrelationID stamps ctx with the given request-scoped correlation ID.
func WithCorrelationID(ctx context.Context, correlationID string) context.Context {
	return context.WithValue(ctx, CorrelationIDKey, correlationID)
}

// WithSessionID stamps ctx with the owning session ID.
func WithSessionID(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, SessionIDKey, sessionID)
}

// WithJobID stamps ctx with the job ID a dispatcher worker is driving.
func WithJobID(ctx context.Context, jobID string) context.Context {
	return context.WithValue(ctx, JobIDKey, jobID)
}

// FromContext returns a logger enriched with whatever correlation/session/job
// IDs are present on ctx.
func (l *Logger) FromContext(ctx context.Context) *zerolog.Logger {
	logCtx := l.Logger.With()
	if v, ok := ctx.Value(CorrelationIDKey).(string); ok {
		logCtx = logCtx.Str("correlation_id", v)
	}
	if v, ok := ctx.Value(SessionIDKey).(string); ok {
		logCtx = logCtx.Str("session_id", v)
	}
	if v, ok := ctx.Value(JobIDKey).(string); ok {
		logCtx = logCtx.Str("job_id", v)
	}
	contextLogger := logCtx.Logger()
	return &contextLogger
}

// LogRequest logs HTTP request details.
func (l *Logger) LogRequest(ctx context.Context, method, path, clientIP string, status int, duration time.Duration) {
	l.FromContext(ctx).Info().
		Str("method", method).
		Str("path", path).
		Str("client_ip", clientIP).
		Int("status", status).
		Dur("duration", duration).
		Msg("http request handled")
}

// LogError logs err with arbitrary extra fields.
func (l *Logger) LogError(ctx context.Context, err error, msg string, fields map[string]interface{}) {
	event := l.FromContext(ctx).Error().Err(err)
	for k, v := range fields {
		event = event.Interface(k, v)
	}
	event.Msg(msg)
}

// LogSessionCreated logs session creation.
func (l *Logger) LogSessionCreated(ctx context.Context, sessionID string, totalFiles, totalPages int) {
	l.FromContext(ctx).Info().
		Str("session_id", sessionID).
		Int("total_files", totalFiles).
		Int("total_pages", totalPages).
		Msg("session created")
}

// LogSessionTransition logs a session state-machine transition.
func (l *Logger) LogSessionTransition(ctx context.Context, sessionID, from, to string) {
	l.FromContext(ctx).Info().
		Str("session_id", sessionID).
		Str("from", from).
		Str("to", to).
		Msg("session transition")
}

// LogJobTransition logs a job state-machine transition.
func (l *Logger) LogJobTransition(ctx context.Context, jobID, from, to string) {
	l.FromContext(ctx).Info().
		Str("job_id", jobID).
		Str("from", from).
		Str("to", to).
		Msg("job transition")
}

// LogDispatchAcquire logs a dispatcher worker acquiring a limiter token.
func (l *Logger) LogDispatchAcquire(ctx context.Context, jobID string, waited time.Duration) {
	l.FromContext(ctx).Debug().
		Str("job_id", jobID).
		Dur("waited", waited).
		Msg("limiter token acquired")
}

// LogPollAttempt logs one poll of an in-flight extraction operation.
func (l *Logger) LogPollAttempt(ctx context.Context, jobID, operationID, status string, attempt int) {
	l.FromContext(ctx).Debug().
		Str("job_id", jobID).
		Str("operation_id", operationID).
		Str("provider_status", status).
		Int("attempt", attempt).
		Msg("poll attempt")
}

// LogCleanupRun logs the outcome of a lifecycle cleanup pass.
func (l *Logger) LogCleanupRun(ctx context.Context, sessionsExpired, jobsExpired, blobsDeleted int, duration time.Duration) {
	l.FromContext(ctx).Info().
		Int("sessions_expired", sessionsExpired).
		Int("jobs_expired", jobsExpired).
		Int("blobs_deleted", blobsDeleted).
		Dur("duration", duration).
		Msg("cleanup run complete")
}

var globalLogger *Logger

// Init initializes the global logger handle.
func Init(config *Config) error {
	logger, err := New(config)
	if err != nil {
		return err
	}
	globalLogger = logger
	return nil
}

// Get returns the global logger, lazily falling back to defaults.
func Get() *Logger {
	if globalLogger == nil {
		logger, _ := New(DefaultConfig())
		globalLogger = logger
	}
	return globalLogger
}

func Info() *zerolog.Event  { return log.Info() }
func Error() *zerolog.Event { return log.Error() }
func Debug() *zerolog.Event { return log.Debug() }
func Warn() *zerolog.Event  { return log.Warn() }
func Fatal() *zerolog.Event { return log.Fatal() }
