package ledger

import "fmt"

// RemoteRejectionError is a non-retryable validation rejection from the
// external ledger. Body carries the full remote diagnostic payload so an
// operator can fix the underlying data; the entry stays unposted.
type RemoteRejectionError struct {
	StatusCode int
	Body       string
}

func (e *RemoteRejectionError) Error() string {
	return fmt.Sprintf("ledger rejected journal (status %d): %s", e.StatusCode, e.Body)
}

// TransientError covers transport failures, 5xx responses and 429 rate
// limiting. It is retried with capped exponential backoff before being
// reported as failed for the run.
type TransientError struct {
	StatusCode int
	Err        error
}

func (e *TransientError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("transient ledger failure: %v", e.Err)
	}
	return fmt.Sprintf("transient ledger failure: status %d", e.StatusCode)
}

func (e *TransientError) Unwrap() error { return e.Err }
