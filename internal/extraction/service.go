// Package extraction talks to the external document-intelligence service.
package extraction

import (
	"context"
	"strings"
	"time"
)

const (
	// MaxDocumentSizeBytes is the maximum inline document size (20MB)
	MaxDocumentSizeBytes = 20 * 1024 * 1024
)

// Document is the reference handed to the extraction service for one job.
type Document struct {
	// AccessURL is a short-lived signed URL to the source artifact.
	AccessURL string
	// StorageURI is the gs:// location of the source when it lives in GCS.
	StorageURI string
	// Load reads the source bytes for backends that need inline content.
	Load func(ctx context.Context) ([]byte, error)

	MimeType   string
	ModelID    string
	// PageNumber is the position of the page in its upload; the source
	// artifact already holds just that page.
	PageNumber int

	// OutputURI is where asynchronous backends write their results.
	OutputURI string
}

// Result is the structured output of a finished extraction.
type Result struct {
	Fields     map[string]string
	Confidence float32
}

// Submission is returned by Submit: either an operation to track, or an
// immediate result from a synchronous backend.
type Submission struct {
	OperationID string
	Result      *Result
}

// Async reports whether the submission must be polled.
func (s *Submission) Async() bool {
	return s.Result == nil && s.OperationID != ""
}

type OperationStatus string

const (
	OperationRunning   OperationStatus = "running"
	OperationSucceeded OperationStatus = "succeeded"
	OperationFailed    OperationStatus = "failed"
)

// PollResult is the observed state of one long-running operation.
type PollResult struct {
	Status     OperationStatus
	Result     *Result
	Error      string        // upstream failure message when Status is failed
	RetryAfter time.Duration // server hint for the next poll, zero when absent
}

// Extractor defines the contract for extraction backends.
type Extractor interface {
	// Submit starts extraction of one document with the given model.
	Submit(ctx context.Context, doc Document) (*Submission, error)

	// Poll checks a long-running operation started by Submit.
	Poll(ctx context.Context, operationID string) (*PollResult, error)

	// Close releases underlying clients.
	Close() error
}

// normalizeFieldName turns labels such as "Invoice Date" into "invoice_date".
func normalizeFieldName(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	var b strings.Builder
	lastUnderscore := false
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastUnderscore = false
		case !lastUnderscore && b.Len() > 0:
			b.WriteByte('_')
			lastUnderscore = true
		}
	}
	return strings.TrimSuffix(b.String(), "_")
}
