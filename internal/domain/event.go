package domain

import "github.com/google/uuid"

// Event is the slice of the externally-owned event record the admission engine
// needs: identity, total capacity and whether guests may see it. Confirmed,
// held and available counts are always derived, never stored.
type Event struct {
	ID            uuid.UUID
	CapacityTotal int
	IsPublic      bool
	Published     bool
}
