package errors

import (
	"fmt"
	"net/http"
	"runtime"
	"time"
)

// Kind is one of the error kinds the session pipeline can raise.
type Kind string

const (
	InvalidInput        Kind = "INVALID_INPUT"
	InsufficientCredits Kind = "INSUFFICIENT_CREDITS"
	StorageUnavailable  Kind = "STORAGE_UNAVAILABLE"
	ExtractorTransient  Kind = "EXTRACTOR_TRANSIENT"
	ExtractorPermanent  Kind = "EXTRACTOR_PERMANENT"
	PollTimeout         Kind = "POLL_TIMEOUT"
	CorruptInput        Kind = "CORRUPT_INPUT"
	PostProcessFailed   Kind = "POST_PROCESS_FAILED"
	SessionExpired      Kind = "SESSION_EXPIRED"
	NotFound            Kind = "NOT_FOUND"
	Cancelled           Kind = "CANCELLED"
)

// AppError is a structured application error carrying a kind, caller
// location and optional inner error, mirrored across the HTTP surface.
type AppError struct {
	Kind       Kind                   `json:"kind"`
	Code       string                 `json:"code"`
	Message    string                 `json:"message"`
	Details    string                 `json:"details,omitempty"`
	HTTPStatus int                    `json:"http_status"`
	Timestamp  time.Time              `json:"timestamp"`
	TraceID    string                 `json:"trace_id,omitempty"`
	File       string                 `json:"file,omitempty"`
	Line       int                    `json:"line,omitempty"`
	Function   string                 `json:"function,omitempty"`
	Context    map[string]interface{} `json:"context,omitempty"`
	InnerError error                  `json:"-"`
}

func (e *AppError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Code, e.Message, e.Details)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.InnerError
}

func (e *AppError) WithContext(key string, value interface{}) *AppError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

func (e *AppError) WithTrace(traceID string) *AppError {
	e.TraceID = traceID
	return e
}

// New creates a new AppError, capturing the caller's location.
func New(kind Kind, code, message string) *AppError {
	err := &AppError{
		Kind:       kind,
		Code:       code,
		Message:    message,
		HTTPStatus: httpStatusFor(kind),
		Timestamp:  time.Now(),
	}
	if pc, file, line, ok := runtime.Caller(1); ok {
		err.File = file
		err.Line = line
		if fn := runtime.FuncForPC(pc); fn != nil {
			err.Function = fn.Name()
		}
	}
	return err
}

func Wrap(err error, kind Kind, code, message string) *AppError {
	appErr := New(kind, code, message)
	appErr.InnerError = err
	if err != nil {
		appErr.Details = err.Error()
	}
	return appErr
}

func Newf(kind Kind, code, format string, args ...interface{}) *AppError {
	return New(kind, code, fmt.Sprintf(format, args...))
}

func Wrapf(err error, kind Kind, code, format string, args ...interface{}) *AppError {
	return Wrap(err, kind, code, fmt.Sprintf(format, args...))
}

// Predefined constructors, one per kind named in the error-handling design.

func NewInvalidInput(message string) *AppError {
	return New(InvalidInput, "INVALID_INPUT", message)
}

func NewInsufficientCredits(need, have int) *AppError {
	return New(InsufficientCredits, "INSUFFICIENT_CREDITS",
		fmt.Sprintf("need %d credits, have %d", need, have))
}

func NewStorageUnavailable(message string) *AppError {
	return New(StorageUnavailable, "STORAGE_UNAVAILABLE", message)
}

func NewExtractorTransient(message string) *AppError {
	return New(ExtractorTransient, "EXTRACTOR_TRANSIENT", message)
}

func NewExtractorPermanent(message string) *AppError {
	return New(ExtractorPermanent, "EXTRACTOR_PERMANENT", message)
}

func NewPollTimeout(jobID string) *AppError {
	return New(PollTimeout, "POLL_TIMEOUT", fmt.Sprintf("job %s exceeded poll deadline", jobID))
}

func NewCorruptInput(message string) *AppError {
	return New(CorruptInput, "CORRUPT_INPUT", message)
}

func NewPostProcessFailed(message string) *AppError {
	return New(PostProcessFailed, "POST_PROCESS_FAILED", message)
}

func NewSessionExpired(sessionID string) *AppError {
	return New(SessionExpired, "SESSION_EXPIRED", fmt.Sprintf("session %s has expired", sessionID))
}

func NewNotFound(resource string) *AppError {
	return New(NotFound, "NOT_FOUND", fmt.Sprintf("%s not found", resource))
}

func NewCancelled(message string) *AppError {
	return New(Cancelled, "CANCELLED", message)
}

// ErrorResponse is the JSON envelope the HTTP surface emits on failure.
type ErrorResponse struct {
	Error   *AppError `json:"error"`
	Success bool      `json:"success"`
}

func NewErrorResponse(err *AppError) *ErrorResponse {
	return &ErrorResponse{Error: err, Success: false}
}

func httpStatusFor(kind Kind) int {
	switch kind {
	case InvalidInput, CorruptInput:
		return http.StatusBadRequest
	case InsufficientCredits:
		return http.StatusPaymentRequired
	case NotFound:
		return http.StatusNotFound
	case SessionExpired:
		return http.StatusGone
	case Cancelled:
		return http.StatusConflict
	case ExtractorTransient:
		return http.StatusBadGateway
	case ExtractorPermanent:
		return http.StatusUnprocessableEntity
	case PollTimeout:
		return http.StatusGatewayTimeout
	case PostProcessFailed:
		return http.StatusUnprocessableEntity
	case StorageUnavailable:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

// Is reports whether err is an *AppError of the given kind.
func Is(err error, kind Kind) bool {
	if appErr, ok := err.(*AppError); ok {
		return appErr.Kind == kind
	}
	return false
}

// HTTPStatus returns the HTTP status code for err, defaulting to 500
// for errors that aren't *AppError.
func HTTPStatus(err error) int {
	if appErr, ok := err.(*AppError); ok {
		return appErr.HTTPStatus
	}
	return http.StatusInternalServerError
}

// RecoveryHandler turns a panic into an AppError with a stack trace attached,
// for use as the tail of a deferred recover().
func RecoveryHandler() func() *AppError {
	return func() *AppError {
		if r := recover(); r != nil {
			var err *AppError
			switch v := r.(type) {
			case error:
				err = Wrap(v, InternalKindForPanic, "PANIC_RECOVERED", "panic recovered")
			case string:
				err = New(InternalKindForPanic, "PANIC_RECOVERED", v)
			default:
				err = New(InternalKindForPanic, "PANIC_RECOVERED", fmt.Sprintf("panic recovered: %v", v))
			}
			buf := make([]byte, 1024)
			for {
				n := runtime.Stack(buf, false)
				if n < len(buf) {
					buf = buf[:n]
					break
				}
				buf = make([]byte, 2*len(buf))
			}
			err.WithContext("stack_trace", string(buf))
			return err
		}
		return nil
	}
}

// InternalKindForPanic is the kind assigned to recovered panics; it has no
// dedicated spec name, so it maps to the same status as storage failures.
const InternalKindForPanic Kind = "STORAGE_UNAVAILABLE"

// ErrorChain aggregates multiple errors, for batch operations where one
// job's failure must not abort the others.
type ErrorChain struct {
	errs []*AppError
}

func NewErrorChain() *ErrorChain {
	return &ErrorChain{}
}

func (ec *ErrorChain) Add(err *AppError) *ErrorChain {
	if err != nil {
		ec.errs = append(ec.errs, err)
	}
	return ec
}

func (ec *ErrorChain) HasErrors() bool {
	return len(ec.errs) > 0
}

func (ec *ErrorChain) Errors() []*AppError {
	return ec.errs
}

func (ec *ErrorChain) Error() string {
	switch len(ec.errs) {
	case 0:
		return ""
	case 1:
		return ec.errs[0].Error()
	default:
		return fmt.Sprintf("%d errors occurred, first: %s", len(ec.errs), ec.errs[0].Error())
	}
}
