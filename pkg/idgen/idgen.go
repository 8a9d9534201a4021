// Package idgen mints opaque correlation identifiers: HTTP request ids,
// never primary keys (those are the store's).
package idgen

import "github.com/google/uuid"

// New returns a fresh opaque identifier suitable for a request-id header.
func New() string {
	return uuid.NewString()
}
