package store

import "errors"

// Sentinel errors surfaced by conditional writes. The app layer maps these
// onto its DomainError taxonomy.
var (
	// ErrVersionConflict means a compare-and-set update observed a version
	// other than the caller's expectedVersion.
	ErrVersionConflict = errors.New("version conflict")
	// ErrInviteInvalid covers unknown, expired, and already-used tokens.
	// Callers must not distinguish the three.
	ErrInviteInvalid = errors.New("invitation invalid or expired")
	// ErrAlreadyMember means the user already holds a membership for the
	// project.
	ErrAlreadyMember = errors.New("already a member")
	// ErrAlreadyInvited means a live invitation for the email already exists.
	ErrAlreadyInvited = errors.New("already invited")
	// ErrConstraint is a uniqueness or foreign-key violation.
	ErrConstraint = errors.New("constraint violation")
)
