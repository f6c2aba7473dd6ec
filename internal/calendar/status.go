package calendar

import (
	"errors"

	"golang.org/x/oauth2"
	"google.golang.org/api/googleapi"
)

// Disposition says what the caller should do about a calendar API failure.
type Disposition int

const (
	// DispositionOK means the call succeeded.
	DispositionOK Disposition = iota

	// DispositionRetry marks transient failures: rate limits, server
	// errors, network trouble.
	DispositionRetry

	// DispositionGone means the resource is already absent. Deleting an
	// absent event counts as success.
	DispositionGone

	// DispositionAuthExpired means the credential was rejected. Retrying
	// cannot help; the run must abort.
	DispositionAuthExpired

	// DispositionSkip marks permanent per-item failures that should be
	// recorded without stopping the rest of the run.
	DispositionSkip
)

func (d Disposition) String() string {
	switch d {
	case DispositionOK:
		return "ok"
	case DispositionRetry:
		return "retry"
	case DispositionGone:
		return "gone"
	case DispositionAuthExpired:
		return "auth-expired"
	case DispositionSkip:
		return "skip"
	default:
		return "unknown"
	}
}

// retryableReasons are the 403 reasons that mean "slow down" rather than
// "not allowed". Every other 403 is an authorization problem.
var retryableReasons = map[string]bool{
	"rateLimitExceeded":     true,
	"userRateLimitExceeded": true,
}

// Classify maps an error from a calendar call to a Disposition. Errors that
// are not Google API errors are treated as transient network trouble.
func Classify(err error) Disposition {
	if err == nil {
		return DispositionOK
	}

	// A refresh token dying mid-run surfaces as a token endpoint error,
	// not an API status. A 5xx from the token endpoint is an outage, not
	// a dead credential.
	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		if retrieveErr.Response != nil && retrieveErr.Response.StatusCode >= 500 {
			return DispositionRetry
		}
		return DispositionAuthExpired
	}

	var apiErr *googleapi.Error
	if !errors.As(err, &apiErr) {
		return DispositionRetry
	}

	switch {
	case apiErr.Code == 404 || apiErr.Code == 410:
		return DispositionGone
	case apiErr.Code == 401:
		return DispositionAuthExpired
	case apiErr.Code == 403:
		for _, item := range apiErr.Errors {
			if retryableReasons[item.Reason] {
				return DispositionRetry
			}
		}
		return DispositionAuthExpired
	case apiErr.Code == 429 || apiErr.Code >= 500:
		return DispositionRetry
	default:
		return DispositionSkip
	}
}
