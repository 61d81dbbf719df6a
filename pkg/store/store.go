package store

import (
	"context"
	"errors"
	"time"

	"meetra/pkg/domain"
)

var (
	// ErrNotFound is returned when the addressed resume does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrStaleState is returned when a compare-and-set transition finds the
	// resume in a different state than expected.
	ErrStaleState = errors.New("resume state changed concurrently")
	// ErrInvalidTransition is returned for moves the state machine forbids.
	ErrInvalidTransition = errors.New("invalid state transition")
	// ErrDuplicateInFlight is returned when the owner already has an
	// unfinished upload with the same content hash.
	ErrDuplicateInFlight = errors.New("identical upload still in flight")
)

// Transition describes one compare-and-set update of a resume. Nil pointer
// fields are left unchanged.
type Transition struct {
	To            domain.ResumeState
	ErrorCode     domain.ErrorCode
	ErrorMessage  string
	TextRef       *string
	ScanAttempts  *int
	ParseAttempts *int
}

// ParsedCommit is the atomic PARSING -> PARSED commit.
type ParsedCommit struct {
	Profile    domain.ExtractedProfile
	Confidence float64
	ParsedAt   time.Time
}

// Store is the Resume Record Store. Every mutating call is atomic on its own.
type Store interface {
	// resumes
	CreateResume(ctx context.Context, doc domain.ResumeDocument) error
	GetResume(ctx context.Context, id string) (domain.ResumeDocument, bool, error)
	ListResumesByOwner(ctx context.Context, ownerID string, limit int) ([]domain.ResumeDocument, error)
	FindInFlightBySHA(ctx context.Context, ownerID, sha256 string) (domain.ResumeDocument, bool, error)
	Transition(ctx context.Context, id string, from domain.ResumeState, t Transition) (domain.ResumeDocument, error)
	CommitParsed(ctx context.Context, id string, commit ParsedCommit) (domain.ResumeDocument, error)

	// profiles
	GetProfile(ctx context.Context, id string) (domain.ExtractedProfile, bool, error)

	// active pointer
	UpdateActivePointer(ctx context.Context, ptr domain.ActiveResumePointer) (bool, error)
	GetActivePointer(ctx context.Context, userID string) (domain.ActiveResumePointer, bool, error)

	// overrides
	SaveOverride(ctx context.Context, o domain.ProfileOverride) error
	ListOverrides(ctx context.Context, userID string) ([]domain.ProfileOverride, error)
}

// checkTransition validates from -> t.To against the state machine.
func checkTransition(from domain.ResumeState, t Transition) error {
	if !from.CanTransition(t.To) {
		return ErrInvalidTransition
	}
	if t.To == domain.StateParsed {
		return ErrInvalidTransition
	}
	if t.To == domain.StateFailed && t.ErrorCode == "" {
		return errors.New("failed transition requires an error code")
	}
	return nil
}

const defaultListLimit = 50
