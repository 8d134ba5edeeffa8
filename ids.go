package storage

import "github.com/google/uuid"

// newRunID returns a fresh identifier correlating one PageStore's log
// output across an open-to-close lifetime, the way the teacher correlates
// a WAL session in its own logs.
func newRunID() uuid.UUID {
	return uuid.New()
}
