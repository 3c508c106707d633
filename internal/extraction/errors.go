package extraction

import (
	"context"
	"errors"
	"fmt"
	"time"

	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"docflow/internal/resilience"
)

// Common extraction errors
var (
	// ErrInvalidDocument is returned when the extraction service rejects the
	// document as malformed or unsupported.
	ErrInvalidDocument = errors.New("invalid or unsupported document")

	// ErrProcessingFailed is returned when the extraction service fails to process the document.
	ErrProcessingFailed = errors.New("extraction processing failed")

	// ErrOperationFailed is returned when a long-running extraction operation ends in failure.
	ErrOperationFailed = errors.New("extraction operation failed")

	// ErrInvalidCredentials is returned when Google Cloud credentials are invalid
	// or do not have the necessary permissions.
	ErrInvalidCredentials = errors.New("invalid Google Cloud credentials")

	// ErrMissingCredentials is returned when Google Cloud credentials are not configured.
	ErrMissingCredentials = errors.New("missing Google Cloud credentials")

	// ErrInvalidConfiguration is returned when the extraction configuration is invalid.
	ErrInvalidConfiguration = errors.New("invalid extraction configuration")

	// ErrModelNotFound is returned when the requested processor or model does not exist.
	ErrModelNotFound = errors.New("extraction model not found")

	// ErrQuotaExceeded is returned when the service rejects the call for rate or quota reasons.
	ErrQuotaExceeded = errors.New("extraction API quota exceeded")

	// ErrUnavailable is returned when the service is temporarily unreachable.
	ErrUnavailable = errors.New("extraction service unavailable")

	// ErrDocumentTooLarge is returned when the document exceeds size limits.
	ErrDocumentTooLarge = errors.New("document exceeds maximum size limit")

	// ErrUnsupportedSource is returned when a backend cannot reach the document reference it was given.
	ErrUnsupportedSource = errors.New("document source not supported by this backend")

	// ErrUnknownOperation is returned when polling an operation id the backend does not know.
	ErrUnknownOperation = errors.New("unknown extraction operation")
)

// ExtractionError wraps errors with additional context about extraction failures.
type ExtractionError struct {
	// Op is the operation that failed (e.g., "Submit", "Poll").
	Op string

	// Err is the underlying error.
	Err error

	// Details provides additional context about the failure.
	Details string

	// RetryAfter is the server-provided retry hint, zero when none was sent.
	RetryAfter time.Duration
}

// Error implements the error interface.
func (e *ExtractionError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("extraction: %s failed: %s: %v", e.Op, e.Details, e.Err)
	}
	return fmt.Sprintf("extraction: %s failed: %v", e.Op, e.Err)
}

// Unwrap returns the underlying error for error unwrapping.
func (e *ExtractionError) Unwrap() error {
	return e.Err
}

// Is implements error matching for Go 1.13+ error handling.
func (e *ExtractionError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

// WrapExtractionError wraps an error as an ExtractionError if it isn't already one.
func WrapExtractionError(op string, err error, details string) error {
	if err == nil {
		return nil
	}
	var extErr *ExtractionError
	if errors.As(err, &extErr) {
		return err
	}
	return &ExtractionError{Op: op, Err: err, Details: details}
}

// fromRPC converts a Google API error into an ExtractionError keyed by its
// status code. The upstream message is kept verbatim in Details.
func fromRPC(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return &ExtractionError{Op: op, Err: err}
	}

	st, ok := status.FromError(err)
	if !ok {
		return &ExtractionError{Op: op, Err: ErrProcessingFailed, Details: err.Error()}
	}

	out := &ExtractionError{Op: op, Details: st.Message(), RetryAfter: retryInfo(st)}
	switch st.Code() {
	case codes.ResourceExhausted:
		out.Err = ErrQuotaExceeded
	case codes.Unavailable, codes.Aborted, codes.DeadlineExceeded:
		out.Err = ErrUnavailable
	case codes.PermissionDenied, codes.Unauthenticated:
		out.Err = ErrInvalidCredentials
	case codes.NotFound:
		out.Err = ErrModelNotFound
	case codes.InvalidArgument, codes.FailedPrecondition:
		out.Err = ErrInvalidDocument
	default:
		out.Err = ErrProcessingFailed
	}
	return out
}

func retryInfo(st *status.Status) time.Duration {
	for _, detail := range st.Details() {
		if info, ok := detail.(*errdetails.RetryInfo); ok && info.GetRetryDelay() != nil {
			return info.GetRetryDelay().AsDuration()
		}
	}
	return 0
}

// RetryAfter returns the server retry hint carried by err, if any.
func RetryAfter(err error) (time.Duration, bool) {
	var extErr *ExtractionError
	if errors.As(err, &extErr) && extErr.RetryAfter > 0 {
		return extErr.RetryAfter, true
	}
	return 0, false
}

// IsTransient reports whether err is worth retrying: rate limiting and
// service unavailability are, everything else is permanent.
func IsTransient(err error) bool {
	return errors.Is(err, ErrQuotaExceeded) || errors.Is(err, ErrUnavailable) || resilience.IsCircuitOpen(err)
}

// Classify maps extraction errors onto retry and breaker decisions.
func Classify(err error) resilience.ErrorClassification {
	switch {
	case err == nil:
		return resilience.ErrorClassification{}
	case errors.Is(err, context.Canceled):
		return resilience.ErrorClassification{Retryable: false, RecordFailure: false}
	case IsTransient(err):
		return resilience.ErrorClassification{Retryable: true, RecordFailure: true}
	case errors.Is(err, ErrInvalidDocument), errors.Is(err, ErrDocumentTooLarge), errors.Is(err, ErrUnsupportedSource):
		// The service answered correctly; the input was bad.
		return resilience.ErrorClassification{Retryable: false, RecordFailure: false}
	default:
		return resilience.ErrorClassification{Retryable: false, RecordFailure: true}
	}
}

// Message returns the text recorded on a failed job: the upstream message
// when one was received, otherwise the error itself.
func Message(err error) string {
	var extErr *ExtractionError
	if errors.As(err, &extErr) && extErr.Details != "" {
		return extErr.Details
	}
	return err.Error()
}
