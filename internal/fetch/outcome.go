package fetch

import (
	"errors"
	"fmt"
	"net/http"
)

// Outcome classifies a request result so callers can branch without
// string-matching errors. Sparse-by-design feeds never surface here;
// they simply produce no records.
type Outcome int

const (
	// OutcomeOK is a successful response.
	OutcomeOK Outcome = iota
	// OutcomeTransient covers timeouts, connection resets, 418 and 5xx;
	// retried within the symbol budget.
	OutcomeTransient
	// OutcomeThrottled is an HTTP 429; retried with exponential backoff
	// up to the policy's cap.
	OutcomeThrottled
	// OutcomeTerminal is anything else; the symbol or page is
	// abandoned.
	OutcomeTerminal
)

func (o Outcome) String() string {
	switch o {
	case OutcomeOK:
		return "ok"
	case OutcomeTransient:
		return "transient"
	case OutcomeThrottled:
		return "throttled"
	default:
		return "terminal"
	}
}

// HTTPError carries the status and classification of a failed request.
type HTTPError struct {
	Status  int
	Outcome Outcome
	URL     string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("http %d (%s) from %s", e.Status, e.Outcome, e.URL)
}

func classifyStatus(status int) Outcome {
	switch {
	case status == http.StatusOK:
		return OutcomeOK
	case status == http.StatusTooManyRequests:
		return OutcomeThrottled
	case status == http.StatusTeapot || status >= 500:
		return OutcomeTransient
	default:
		return OutcomeTerminal
	}
}

// ClassifyErr maps any error from the fetcher onto an Outcome. Plain
// network errors count as transient.
func ClassifyErr(err error) Outcome {
	if err == nil {
		return OutcomeOK
	}
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.Outcome
	}
	return OutcomeTransient
}
