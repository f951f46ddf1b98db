package ledger

import (
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/rawblock/chaintrace-engine/pkg/models"
)

func obsAt(url, hash string, at time.Time, entityRefs ...string) models.Observation {
	return models.Observation{
		SourceURL:   url,
		FetchedAt:   at,
		Kind:        models.KindTransfer,
		Tier:        models.TierP1,
		PayloadHash: hash,
		Payload: models.ObservationPayload{
			Transfer: &models.TransferPayload{Chain: "bsc", TxHash: "0xabc", From: "0xF", To: "0xT"},
		},
		EntityRefs: entityRefs,
	}
}

func TestRecord_AssignsMonotoneEIDs(t *testing.T) {
	l := New(zerolog.Nop())
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	var prev int64
	for i := 0; i < 5; i++ {
		eid, err := l.Record(obsAt("https://scan.example/tx", string(rune('a'+i)), base.Add(time.Duration(i)*time.Minute)))
		if err != nil {
			t.Fatalf("Record failed: %v", err)
		}
		if eid <= prev {
			t.Fatalf("EIDs must be strictly increasing, got %d after %d", eid, prev)
		}
		prev = eid
	}
}

func TestRecord_IdempotentReFetch(t *testing.T) {
	l := New(zerolog.Nop())
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	obs := obsAt("https://scan.example/tx/0xabc", "h1", at)

	eid1, err := l.Record(obs)
	if err != nil {
		t.Fatalf("first Record failed: %v", err)
	}
	eid2, err := l.Record(obs)
	if err != nil {
		t.Fatalf("idempotent re-fetch must not error: %v", err)
	}
	if eid1 != eid2 {
		t.Errorf("re-fetch must return the existing EID: got %d, want %d", eid2, eid1)
	}
	if l.Size() != 1 {
		t.Errorf("ledger size must be unchanged by re-fetch, got %d", l.Size())
	}
}

func TestRecord_DivergingPayloadRejected(t *testing.T) {
	l := New(zerolog.Nop())
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	if _, err := l.Record(obsAt("https://scan.example/tx/0xabc", "h1", at)); err != nil {
		t.Fatalf("Record failed: %v", err)
	}
	_, err := l.Record(obsAt("https://scan.example/tx/0xabc", "h2", at))
	if !errors.Is(err, ErrDataIntegrity) {
		t.Errorf("expected ErrDataIntegrity for diverging payload, got %v", err)
	}
}

func TestRecord_MalformedRejected(t *testing.T) {
	l := New(zerolog.Nop())
	obs := obsAt("", "h1", time.Now())
	if _, err := l.Record(obs); !errors.Is(err, ErrDataIntegrity) {
		t.Errorf("expected ErrDataIntegrity for missing source URL, got %v", err)
	}
}

func TestRecord_KindPayloadMismatchRejected(t *testing.T) {
	l := New(zerolog.Nop())
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	obs := obsAt("https://scan.example/tx/0xabc", "h1", at)
	obs.Payload = models.ObservationPayload{} // kind says transfer, payload carries nothing
	if _, err := l.Record(obs); !errors.Is(err, ErrDataIntegrity) {
		t.Errorf("expected ErrDataIntegrity for kind/payload mismatch, got %v", err)
	}

	obs.Payload = models.ObservationPayload{Holder: &models.HolderPayload{Address: "0xH", SnapshotAt: at}}
	if _, err := l.Record(obs); !errors.Is(err, ErrDataIntegrity) {
		t.Errorf("expected ErrDataIntegrity for wrong sub-payload, got %v", err)
	}

	obs.Kind = "telepathy"
	if _, err := l.Record(obs); !errors.Is(err, ErrDataIntegrity) {
		t.Errorf("expected ErrDataIntegrity for unknown kind, got %v", err)
	}

	if l.Size() != 0 {
		t.Errorf("malformed observations must not be recorded, size %d", l.Size())
	}
}

func TestGet_NotFound(t *testing.T) {
	l := New(zerolog.Nop())
	if _, err := l.Get(42); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestQueryEntity_OrderedAndRestartable(t *testing.T) {
	l := New(zerolog.Nop())
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	// Record out of chronological order.
	offsets := []int{30, 10, 20}
	for i, m := range offsets {
		_, err := l.Record(obsAt("https://scan.example/tx", string(rune('a'+i)), base.Add(time.Duration(m)*time.Minute), "wallet|0xW1"))
		if err != nil {
			t.Fatalf("Record failed: %v", err)
		}
	}

	cur := l.QueryEntity("wallet|0xW1", time.Time{}, time.Time{})
	if cur.Len() != 3 {
		t.Fatalf("expected 3 results, got %d", cur.Len())
	}

	var prev time.Time
	count := 0
	for obs, ok := cur.Next(); ok; obs, ok = cur.Next() {
		if obs.FetchedAt.Before(prev) {
			t.Errorf("results must be ordered by fetchedAt ascending")
		}
		prev = obs.FetchedAt
		count++
	}
	if count != 3 {
		t.Fatalf("cursor yielded %d results, want 3", count)
	}

	cur.Reset()
	if _, ok := cur.Next(); !ok {
		t.Error("cursor must be restartable after Reset")
	}
}

func TestQueryEntity_TimeRange(t *testing.T) {
	l := New(zerolog.Nop())
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 4; i++ {
		_, err := l.Record(obsAt("https://scan.example/tx", string(rune('a'+i)), base.Add(time.Duration(i)*time.Hour), "wallet|0xW1"))
		if err != nil {
			t.Fatalf("Record failed: %v", err)
		}
	}

	cur := l.QueryEntity("wallet|0xW1", base.Add(time.Hour), base.Add(2*time.Hour))
	if cur.Len() != 2 {
		t.Errorf("expected 2 results in bounded range, got %d", cur.Len())
	}
}
