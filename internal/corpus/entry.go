package corpus

import (
	"errors"
	"fmt"

	"vmfuzz/internal/types"
)

type ID = types.EntryID

// Role names the purpose of a store.
type Role string

const (
	RoleTransaction Role = "transaction"
	RoleInfant      Role = "infant"
	RoleSolution    Role = "solution"
)

var (
	ErrNotFound       = errors.New("corpus entry not found")
	ErrParentNotFound = errors.New("corpus parent entry not found")
	ErrUnknownRole    = errors.New("no store registered for role")
)

// CorruptError reports persisted corpus data that cannot be replayed.
type CorruptError struct {
	Store  Role
	Reason string
	Err    error
}

func (e *CorruptError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("corpus store %q is corrupt: %s: %v", e.Store, e.Reason, e.Err)
	}
	return fmt.Sprintf("corpus store %q is corrupt: %s", e.Store, e.Reason)
}

func (e *CorruptError) Unwrap() error { return e.Err }

// ParentRef points at the entry another entry was derived from.
type ParentRef struct {
	Role Role `json:"role"`
	ID   ID   `json:"id"`
}

// Entry is one corpus item with its scheduling metadata.
type Entry[T any] struct {
	ID         ID
	Payload    T
	Votes      float64
	Visits     uint64
	Generation uint64
	Parent     *ParentRef

	// Key deduplicates inserts; re-inserting a known key is a no-op.
	Key string
	// Seq is the insertion order within the store.
	Seq uint64
}
