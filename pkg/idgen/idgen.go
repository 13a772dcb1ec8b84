// Package idgen generates entity identifiers. Agents, tasks, swarms,
// policies, and connections get random UUIDs; scaling actions get
// ULIDs so their natural sort order matches request order, matching
// the "scaling actions are appended in request order" guarantee in the
// concurrency model.
package idgen

import (
	"crypto/rand"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// NewID returns a random UUID string for general entities.
func NewID() string {
	return uuid.New().String()
}

// NewOrderedID returns a ULID string, monotonically sortable by
// generation time, for append-only records like scaling actions.
func NewOrderedID() string {
	ms := ulid.Timestamp(time.Now())
	id, err := ulid.New(ms, rand.Reader)
	if err != nil {
		// crypto/rand failures are not expected in practice; fall back
		// to a UUID rather than panic so callers never see idgen fail.
		return uuid.New().String()
	}
	return id.String()
}
