// Package replay implements the idempotent outcome cache: terminal
// responses keyed by command ID, and by (scope, idempotencyKey) with a
// TTL. A stored outcome is immutable once written, including timeouts —
// nothing may overwrite a timed-out entry on late completion.
package replay

import (
	"errors"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/pimux/muxd/internal/protocol"
	"github.com/pimux/muxd/pkg/types"
)

var (
	// ErrFingerprintConflict is returned when a repeated ID or
	// idempotency key arrives with a different payload. The prior
	// stored outcome is never touched.
	ErrFingerprintConflict = errors.New("fingerprint conflict: command id reused with different payload")
	// ErrInFlightFull is returned by Reserve when the in-flight table is
	// at capacity. Per spec, full in-flight tables reject new unique-ID
	// commands rather than evicting an existing one — eviction would
	// break dependsOn graphs relying on that command's eventual outcome.
	ErrInFlightFull = errors.New("in-flight command table is full")
)

// Outcome classifies the result of a CheckReplay lookup.
type Outcome int

const (
	Miss Outcome = iota
	Hit
	Conflict
)

// Entry is a stored terminal outcome for a command ID.
type Entry struct {
	CommandID   string
	Fingerprint protocol.Fingerprint
	Response    types.Response
	CompletedAt time.Time
	TimedOut    bool
}

type idempotencyEntry struct {
	fingerprint protocol.Fingerprint
	response    types.Response
	expiry      time.Time
}

// inFlight tracks a command currently executing, so concurrent retries of
// the same ID+fingerprint coalesce onto one execution instead of running
// twice.
type inFlight struct {
	fingerprint protocol.Fingerprint
	done        chan struct{}
	response    types.Response
}

// Config bounds the replay store's tables.
type Config struct {
	MaxByID        int
	MaxInFlight    int
	IdempotencyTTL time.Duration
	MaxIdempotency int
}

// Defaults returns the spec's default replay store bounds.
func Defaults() Config {
	return Config{
		MaxByID:        2000,
		MaxInFlight:    10000,
		IdempotencyTTL: 10 * time.Minute,
		MaxIdempotency: 10000,
	}
}

// Store is the replay/idempotency cache owned long-lived by the session
// manager.
type Store struct {
	cfg Config

	byID *lru.Cache[string, *Entry]

	mu          sync.Mutex
	inFlightMap map[string]*inFlight
	idempotency map[string]*idempotencyEntry

	stats Stats
}

// Stats are observability counters, read-only snapshots.
type Stats struct {
	Hits           int64
	Conflicts      int64
	Misses         int64
	Coalesced      int64
	RejectedFull   int64
	StoredOutcomes int64
}

// New creates a replay store with the given bounds.
func New(cfg Config) *Store {
	if cfg.MaxByID <= 0 {
		cfg.MaxByID = Defaults().MaxByID
	}
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = Defaults().MaxInFlight
	}
	if cfg.IdempotencyTTL <= 0 {
		cfg.IdempotencyTTL = Defaults().IdempotencyTTL
	}
	if cfg.MaxIdempotency <= 0 {
		cfg.MaxIdempotency = Defaults().MaxIdempotency
	}

	byID, err := lru.New[string, *Entry](cfg.MaxByID)
	if err != nil {
		// Only possible with a non-positive size, guarded against above.
		panic(err)
	}

	return &Store{
		cfg:         cfg,
		byID:        byID,
		inFlightMap: make(map[string]*inFlight),
		idempotency: make(map[string]*idempotencyEntry),
	}
}

func idempotencyScope(cmd *types.Command) string {
	if cmd.SessionID != "" {
		return cmd.SessionID
	}
	return "server"
}

func idempotencyStoreKey(scope, key string) string {
	return scope + "\x00" + key
}

// CheckReplay looks for a prior terminal outcome for this command, first
// by explicit ID, then by (scope, idempotencyKey). It never executes
// anything — it is a pure cache lookup.
func (s *Store) CheckReplay(cmd *types.Command, fp protocol.Fingerprint) (types.Response, Outcome) {
	if cmd.ID != "" && !types.IsSynthetic(cmd.ID) {
		if entry, ok := s.byID.Get(cmd.ID); ok {
			s.mu.Lock()
			defer s.mu.Unlock()
			if entry.Fingerprint == fp {
				s.stats.Hits++
				return entry.Response.WithReplayed(), Hit
			}
			s.stats.Conflicts++
			return types.NewErrorResponse(entry.Response.Command, cmd.ID, ErrFingerprintConflict.Error()), Conflict
		}
	}

	if cmd.IdempotencyKey != "" {
		key := idempotencyStoreKey(idempotencyScope(cmd), cmd.IdempotencyKey)
		s.mu.Lock()
		defer s.mu.Unlock()
		if entry, ok := s.idempotency[key]; ok && time.Now().Before(entry.expiry) {
			if entry.fingerprint == fp {
				s.stats.Hits++
				return entry.response.WithReplayed(), Hit
			}
			s.stats.Conflicts++
			return types.NewErrorResponse(entry.response.Command, cmd.ID, ErrFingerprintConflict.Error()), Conflict
		}
	}

	s.mu.Lock()
	s.stats.Misses++
	s.mu.Unlock()
	return types.Response{}, Miss
}

// Ticket is returned by Reserve. Owner tickets must eventually call
// StoreOutcome; coalesced tickets should Wait() for the owner's result.
type Ticket struct {
	owner    bool
	coalesce *inFlight
}

// Owner reports whether the caller must execute the command itself.
func (t *Ticket) Owner() bool {
	return t == nil || t.owner
}

// Wait blocks until the in-flight owner completes and returns its
// response. Only valid when Owner() is false.
func (t *Ticket) Wait() types.Response {
	<-t.coalesce.done
	return t.coalesce.response
}

// Reserve registers a command as in-flight so concurrent duplicate
// retries coalesce rather than double-executing. Only explicit (non-anon)
// IDs are tracked; synthetic IDs always get an owner ticket since they are
// ephemeral and never retried by definition.
func (s *Store) Reserve(cmd *types.Command, fp protocol.Fingerprint) (*Ticket, error) {
	if cmd.ID == "" || types.IsSynthetic(cmd.ID) {
		return &Ticket{owner: true}, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.inFlightMap[cmd.ID]; ok {
		if existing.fingerprint != fp {
			s.stats.Conflicts++
			return nil, ErrFingerprintConflict
		}
		s.stats.Coalesced++
		return &Ticket{owner: false, coalesce: existing}, nil
	}

	if len(s.inFlightMap) >= s.cfg.MaxInFlight {
		s.stats.RejectedFull++
		return nil, ErrInFlightFull
	}

	handle := &inFlight{fingerprint: fp, done: make(chan struct{})}
	s.inFlightMap[cmd.ID] = handle
	return &Ticket{owner: true}, nil
}

// StoreOutcome atomically records a command's terminal response. It must
// be called before the handler returns control to its caller (Invariant:
// storing happens before, never in an after-return callback). Once stored
// with timedOut=true, no later call may overwrite the entry — callers are
// responsible for only calling StoreOutcome once per command ID, which
// the engine's single dispatch path guarantees.
func (s *Store) StoreOutcome(cmd *types.Command, fp protocol.Fingerprint, resp types.Response, timedOut bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cmd.ID != "" && !types.IsSynthetic(cmd.ID) {
		if _, already := s.byID.Get(cmd.ID); !already {
			s.byID.Add(cmd.ID, &Entry{
				CommandID:   cmd.ID,
				Fingerprint: fp,
				Response:    resp,
				CompletedAt: time.Now(),
				TimedOut:    timedOut,
			})
			s.stats.StoredOutcomes++
		}
		if handle, ok := s.inFlightMap[cmd.ID]; ok {
			handle.response = resp
			delete(s.inFlightMap, cmd.ID)
			close(handle.done)
		}
	}

	if cmd.IdempotencyKey != "" {
		key := idempotencyStoreKey(idempotencyScope(cmd), cmd.IdempotencyKey)
		if _, already := s.idempotency[key]; !already {
			s.idempotency[key] = &idempotencyEntry{
				fingerprint: fp,
				response:    resp,
				expiry:      time.Now().Add(s.cfg.IdempotencyTTL),
			}
		}
	}
}

// SweepIdempotency drops expired idempotency entries. Intended to run
// periodically from a non-blocking background goroutine; never holds the
// store lock across a blocking call.
func (s *Store) SweepIdempotency(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for k, e := range s.idempotency {
		if now.After(e.expiry) {
			delete(s.idempotency, k)
			removed++
		}
	}
	return removed
}

// LookupByID returns the stored terminal outcome for a command ID, if
// any, regardless of fingerprint. Used by the execution engine to
// resolve dependsOn references against commands that have already
// completed — dependency resolution has no fingerprint to compare
// against, only a terminal-or-not question.
func (s *Store) LookupByID(id string) (*Entry, bool) {
	if id == "" || types.IsSynthetic(id) {
		return nil, false
	}
	return s.byID.Get(id)
}

// Stats returns a snapshot of observability counters.
func (s *Store) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}
