package orchestrator

import (
	"errors"
	"fmt"
	"strings"

	"github.com/MrWong99/claudmaster/internal/world/consistency"
)

var (
	// ErrSessionConflict is returned by StartSession when single-active is
	// enforced and the campaign already has an active session.
	ErrSessionConflict = errors.New("orchestrator: campaign already has an active session")

	// ErrUnknownSession is returned for operations on an unknown session id.
	ErrUnknownSession = errors.New("orchestrator: unknown session")

	// ErrCancelled is returned when a submission or turn is aborted by a
	// session pause or end. No state is written.
	ErrCancelled = errors.New("orchestrator: cancelled")

	// ErrQueueEmpty is returned by ProcessNext when no action is queued.
	ErrQueueEmpty = errors.New("orchestrator: no queued action")

	// ErrCampaignMismatch is returned when the requested campaign id does
	// not match the campaign this engine instance is rooted at.
	ErrCampaignMismatch = errors.New("orchestrator: campaign id does not match storage root")
)

// ConsistencyError aborts a turn whose aggregated state delta contradicts
// an established fact. The turn writes nothing; the error is delivered to
// the caller, never broadcast as narrative.
type ConsistencyError struct {
	Blocking []consistency.Finding
}

func (e *ConsistencyError) Error() string {
	msgs := make([]string, len(e.Blocking))
	for i, f := range e.Blocking {
		msgs[i] = f.Message
	}
	return fmt.Sprintf("orchestrator: consistency violation: %s", strings.Join(msgs, "; "))
}
