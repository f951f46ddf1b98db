package ledger

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/rawblock/chaintrace-engine/pkg/models"
)

// Evidence Ledger — append-only observation store
//
// Every fact the engine reasons about enters through Record and receives
// a stable Evidence ID (EID). EIDs are assigned from a monotone counter
// owned by the Ledger instance (no ambient global state) and are never
// reset mid-run, so replaying the same observation sequence reproduces
// identical EIDs.
//
// Idempotence contract: re-recording an observation with an identical
// (sourceURL, fetchedAt, payloadHash) triple is a no-op that returns the
// existing EID. An observation reusing a known (sourceURL, fetchedAt)
// pair with a DIFFERENT payload hash is a malformed re-fetch and is
// rejected as a data-integrity error.

var (
	// ErrNotFound is returned by Get for an unknown EID
	ErrNotFound = errors.New("ledger: observation not found")

	// ErrDataIntegrity flags a malformed observation rejected at ingestion.
	// The run continues; the affected field is marked Unknown upstream.
	ErrDataIntegrity = errors.New("ledger: data integrity violation")
)

// Ledger is the append-only evidence store for one investigation run
type Ledger struct {
	mu       sync.RWMutex
	nextEID  int64
	byEID    map[int64]models.Observation
	byTriple map[string]int64   // sourceURL|fetchedAt|payloadHash → EID
	byPair   map[string]string  // sourceURL|fetchedAt → payloadHash
	byEntity map[string][]int64 // entity ID → EIDs
	byClaim  map[string][]int64 // claim ID → EIDs
	log      zerolog.Logger
}

// New creates an empty ledger with the EID counter initialized at 1
func New(log zerolog.Logger) *Ledger {
	return &Ledger{
		nextEID:  1,
		byEID:    make(map[int64]models.Observation),
		byTriple: make(map[string]int64),
		byPair:   make(map[string]string),
		byEntity: make(map[string][]int64),
		byClaim:  make(map[string][]int64),
		log:      log.With().Str("component", "ledger").Logger(),
	}
}

// Record appends an observation and returns its EID. Idempotent on the
// (sourceURL, fetchedAt, payloadHash) triple.
func (l *Ledger) Record(obs models.Observation) (int64, error) {
	if err := validate(obs); err != nil {
		return 0, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	triple := tripleKey(obs.SourceURL, obs.FetchedAt, obs.PayloadHash)
	if eid, ok := l.byTriple[triple]; ok {
		// Idempotent re-fetch: ledger size and EID assignment unchanged.
		return eid, nil
	}

	pair := pairKey(obs.SourceURL, obs.FetchedAt)
	if prevHash, ok := l.byPair[pair]; ok && prevHash != obs.PayloadHash {
		return 0, fmt.Errorf("%w: source %s at %s re-fetched with diverging payload",
			ErrDataIntegrity, obs.SourceURL, obs.FetchedAt.Format(time.RFC3339))
	}

	eid := l.nextEID
	l.nextEID++

	obs.EID = eid
	l.byEID[eid] = obs
	l.byTriple[triple] = eid
	l.byPair[pair] = obs.PayloadHash
	for _, ref := range obs.EntityRefs {
		l.byEntity[ref] = append(l.byEntity[ref], eid)
	}
	for _, ref := range obs.ClaimRefs {
		l.byClaim[ref] = append(l.byClaim[ref], eid)
	}

	l.log.Debug().Int64("eid", eid).Str("kind", string(obs.Kind)).
		Str("tier", obs.Tier.String()).Msg("observation recorded")
	return eid, nil
}

// Get retrieves an observation by EID
func (l *Ledger) Get(eid int64) (models.Observation, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	obs, ok := l.byEID[eid]
	if !ok {
		return models.Observation{}, fmt.Errorf("%w: eid %d", ErrNotFound, eid)
	}
	return obs, nil
}

// Size returns the number of recorded observations
func (l *Ledger) Size() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.byEID)
}

// QueryEntity returns a cursor over the observations referencing the
// entity, ordered by fetchedAt ascending, optionally bounded by time.
// Zero bounds mean unbounded.
func (l *Ledger) QueryEntity(entityID string, from, to time.Time) *Cursor {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.cursorFor(l.byEntity[entityID], from, to)
}

// QueryClaim returns a cursor over the observations bearing on the claim
func (l *Ledger) QueryClaim(claimID string, from, to time.Time) *Cursor {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.cursorFor(l.byClaim[claimID], from, to)
}

// cursorFor snapshots the matching observations so the cursor stays
// valid and restartable while the ledger keeps growing.
func (l *Ledger) cursorFor(eids []int64, from, to time.Time) *Cursor {
	matched := make([]models.Observation, 0, len(eids))
	for _, eid := range eids {
		obs := l.byEID[eid]
		if !from.IsZero() && obs.FetchedAt.Before(from) {
			continue
		}
		if !to.IsZero() && obs.FetchedAt.After(to) {
			continue
		}
		matched = append(matched, obs)
	}
	sort.SliceStable(matched, func(i, j int) bool {
		if matched[i].FetchedAt.Equal(matched[j].FetchedAt) {
			return matched[i].EID < matched[j].EID
		}
		return matched[i].FetchedAt.Before(matched[j].FetchedAt)
	})
	return &Cursor{items: matched}
}

// Cursor is a finite, restartable iterator over query results
type Cursor struct {
	items []models.Observation
	pos   int
}

// Next returns the next observation, or false when exhausted
func (c *Cursor) Next() (models.Observation, bool) {
	if c.pos >= len(c.items) {
		return models.Observation{}, false
	}
	obs := c.items[c.pos]
	c.pos++
	return obs, true
}

// Reset restarts the cursor from the beginning
func (c *Cursor) Reset() { c.pos = 0 }

// Len returns the total number of results
func (c *Cursor) Len() int { return len(c.items) }

func validate(obs models.Observation) error {
	switch {
	case obs.SourceURL == "":
		return fmt.Errorf("%w: missing source URL", ErrDataIntegrity)
	case obs.FetchedAt.IsZero():
		return fmt.Errorf("%w: missing fetch timestamp", ErrDataIntegrity)
	case obs.PayloadHash == "":
		return fmt.Errorf("%w: missing payload hash", ErrDataIntegrity)
	case obs.Kind == "":
		return fmt.Errorf("%w: missing observation kind", ErrDataIntegrity)
	case !obs.Payload.HasPayloadFor(obs.Kind):
		return fmt.Errorf("%w: %s observation without matching payload", ErrDataIntegrity, obs.Kind)
	}
	return nil
}

func tripleKey(url string, at time.Time, hash string) string {
	return url + "|" + at.UTC().Format(time.RFC3339Nano) + "|" + hash
}

func pairKey(url string, at time.Time) string {
	return url + "|" + at.UTC().Format(time.RFC3339Nano)
}
