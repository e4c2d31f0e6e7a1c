package coordinator

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"Chainlog/internal/chain"
	"Chainlog/internal/envelope"
	"Chainlog/internal/ledger"
	"Chainlog/internal/logger"
	"Chainlog/internal/wire"
)

// State is the lifecycle position of the coordinator.
type State int

const (
	StateIdle State = iota
	StateRoundOpen
	StateFinalizing
	StatePendingCommit
	StateCommitted
	StateAborted
)

// String returns the state name used in logs and the status API.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRoundOpen:
		return "round_open"
	case StateFinalizing:
		return "finalizing"
	case StatePendingCommit:
		return "pending_commit"
	case StateCommitted:
		return "committed"
	case StateAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// submission is one node's verified buffer.
type submission struct {
	nodeID    string
	envelopes []*envelope.Sealed
	root      []byte
	signature []byte
	tip       chain.Tip // tip is the chain position after this buffer
}

// round is one sync round. All fields are guarded by Coordinator.mu.
type round struct {
	id      string
	state   State
	started time.Time

	expected  map[string]struct{}    // expected is fixed at start and only shrinks
	submitted map[string]*submission // submitted holds verified buffers
	verifying map[string]struct{}    // verifying holds nodes whose buffer is being checked

	timer  *time.Timer
	future *Future
	log    *slog.Logger // log tags every line with the round id
}

// newRound creates an open round expecting nodes.
func newRound(id string, nodes []string, now time.Time) *round {
	r := &round{
		id:        id,
		state:     StateRoundOpen,
		started:   now,
		expected:  make(map[string]struct{}, len(nodes)),
		submitted: make(map[string]*submission, len(nodes)),
		verifying: make(map[string]struct{}),
		future:    newFuture(id),
		log:       logger.With("round", id),
	}

	for _, n := range nodes {
		r.expected[n] = struct{}{}
	}

	return r
}

// outstanding returns expected nodes that have not submitted.
func (r *round) outstanding() []string {
	var out []string

	for n := range r.expected {
		if _, ok := r.submitted[n]; !ok {
			out = append(out, n)
		}
	}

	return out
}

// covered reports whether every expected node has a stored buffer.
func (r *round) covered() bool {
	return len(r.expected) > 0 && len(r.verifying) == 0 && len(r.submitted) == len(r.expected)
}

// pendingCommit is a finalized block waiting for acknowledgements.
type pendingCommit struct {
	round     *round
	block     *ledger.Block
	envelopes [][]byte
	tips      map[string]chain.Tip
	result    *wire.SyncResult // result is what every ack-set session was sent

	ackSet     map[string]struct{} // ackSet is the sessions connected at finalize
	signatures map[string][]byte   // signatures holds accepted BLS acks
	committing bool                // committing is set once the ledger write started

	timer *time.Timer
}

// Outcome is how a round ended for its submitters.
type Outcome struct {
	RoundID string
	Block   *ledger.Block // Block is nil when the round produced no envelopes
	Err     error         // Err is set when the round aborted
}

// Future resolves once the round a buffer joined finalizes or aborts.
type Future struct {
	roundID string

	once    sync.Once
	done    chan struct{}
	outcome *Outcome
}

// newFuture creates an unresolved future for roundID.
func newFuture(roundID string) *Future {
	return &Future{roundID: roundID, done: make(chan struct{})}
}

// RoundID returns the round the future belongs to.
func (f *Future) RoundID() string {
	return f.roundID
}

// Done is closed when the outcome is available.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Wait blocks until the outcome is available or ctx ends.
func (f *Future) Wait(ctx context.Context) (*Outcome, error) {
	select {
	case <-f.done:
		return f.outcome, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// resolve sets the outcome once. Later calls are ignored.
func (f *Future) resolve(o *Outcome) {
	f.once.Do(func() {
		f.outcome = o
		close(f.done)
	})
}
