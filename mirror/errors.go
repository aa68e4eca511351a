package mirror

import (
	"errors"
	"fmt"
)

var (
	// ErrDuplicateLocation is returned when an index already holds an entry
	// at the requested (name, parentPath).
	ErrDuplicateLocation = errors.New("location already indexed")

	// ErrNotFound is returned when an entry id no longer exists.
	ErrNotFound = errors.New("entry not found")

	// ErrAmbiguous marks a digest that could not be reduced to one location.
	ErrAmbiguous = errors.New("ambiguous digest")

	// ErrUnconfirmedDelete is the panic value raised when a plan carrying
	// deletions is executed without confirmation.
	ErrUnconfirmedDelete = errors.New("delete executed without confirmation")

	// ErrDestinationExists is returned when a copy or move target is occupied.
	ErrDestinationExists = errors.New("destination already exists")

	// ErrNotLiberated is returned when no free name was found for an occupant.
	ErrNotLiberated = errors.New("no free name found")

	// ErrDigestMismatch is returned when copied bytes hash to a different
	// digest than the index recorded for the source.
	ErrDigestMismatch = errors.New("copied content does not match indexed digest")

	// ErrAlgorithmMismatch is returned when two indices use different digests.
	ErrAlgorithmMismatch = errors.New("indices use different digest algorithms")

	// ErrInsufficientSpace is returned by the free-space preflight.
	ErrInsufficientSpace = errors.New("not enough free space on target")

	// ErrKeeperMissing is returned when a duplicate delete finds its survivor gone.
	ErrKeeperMissing = errors.New("surviving copy is missing")
)

// AmbiguityError reports a digest with no usable location, or with several
// where one was required.
type AmbiguityError struct {
	Digest     Digest
	Candidates int
	Reason     string
}

func (e *AmbiguityError) Error() string {
	return fmt.Sprintf("digest %s: %s (%d candidates)", e.Digest, e.Reason, e.Candidates)
}

// Is makes errors.Is(err, ErrAmbiguous) match.
func (e *AmbiguityError) Is(target error) bool {
	return target == ErrAmbiguous
}
