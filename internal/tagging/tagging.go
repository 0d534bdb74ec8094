// Package tagging mints the opaque tags returned by Client.Async and
// Client.AsyncPipeline. Grounded on packetd-packetd's internal/pubsub,
// which uses github.com/google/uuid for the same purpose (queue
// identity).
package tagging

import "github.com/google/uuid"

// New returns a fresh opaque tag. Callers must treat it as an identifier
// only — no ordering or structure is promised.
func New() string {
	return uuid.New().String()
}
