package domain

import "errors"

// Typed pipeline failures. Retryable errors send the product back to
// pending (attempts kept); the rest fail it with a machine-readable reason.
var (
	// ErrRateLimited means the model provider rejected the call for quota
	// reasons; the whole batch backs off and retries.
	ErrRateLimited = errors.New("rate_limited")

	// ErrTimeout means the model or storage round-trip exceeded its deadline.
	ErrTimeout = errors.New("timeout")

	// ErrMalformedResponse means the model output contained no parseable
	// result for the product.
	ErrMalformedResponse = errors.New("malformed_response")

	// ErrSchemaInvalid means the model returned attributes that violate the
	// taxonomy (unknown characteristic or unaccepted value).
	ErrSchemaInvalid = errors.New("schema_invalid")

	// ErrNoTaxonomy means the product's group code has no taxonomy entry.
	ErrNoTaxonomy = errors.New("no_taxonomy")

	// ErrMixedGroups rejects an engine batch spanning more than one group
	// code before any external call is made.
	ErrMixedGroups = errors.New("mixed_groups")

	// ErrSourceMissing means the raw product vanished from the source store.
	ErrSourceMissing = errors.New("source_missing")
)

// Retryable reports whether the error warrants returning the product to
// pending for another attempt rather than failing it outright.
func Retryable(err error) bool {
	return errors.Is(err, ErrRateLimited) || errors.Is(err, ErrTimeout)
}

// Reason extracts the short machine-readable reason stored on failed
// records. Unknown errors keep their message.
func Reason(err error) string {
	if err == nil {
		return ""
	}
	for _, sentinel := range []error{
		ErrRateLimited, ErrTimeout, ErrMalformedResponse,
		ErrSchemaInvalid, ErrNoTaxonomy, ErrMixedGroups, ErrSourceMissing,
	} {
		if errors.Is(err, sentinel) {
			return sentinel.Error()
		}
	}
	return err.Error()
}
