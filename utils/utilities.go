package utils

import "github.com/google/uuid"

// NewID returns 16 random bytes. Used for server session ids and cluster
// client ids.
func NewID() []byte {
	id := uuid.New()
	return id[:]
}
