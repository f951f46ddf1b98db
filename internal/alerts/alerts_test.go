package alerts

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rawblock/chaintrace-engine/pkg/models"
)

func TestEmitStoresHistoryNewestFirst(t *testing.T) {
	m := NewManager(nil, zerolog.Nop())
	m.Emit(Alert{Severity: "low", AlertType: "cluster_finalized", Title: "first"})
	m.Emit(Alert{Severity: "high", AlertType: "cluster_finalized", Title: "second"})

	history := m.History(10)
	require.Len(t, history, 2)
	assert.Equal(t, "second", history[0].Title)
	assert.NotEmpty(t, history[0].ID)
	assert.False(t, history[0].Timestamp.IsZero())
}

func TestBroadcastCallback(t *testing.T) {
	var got atomic.Value
	m := NewManager(func(a Alert) { got.Store(a.Title) }, zerolog.Nop())
	m.Emit(Alert{Severity: "medium", Title: "callback me"})
	assert.Equal(t, "callback me", got.Load())
}

func TestWebhookSeverityFiltering(t *testing.T) {
	received := make(chan Alert, 2)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var a Alert
		require.NoError(t, json.NewDecoder(r.Body).Decode(&a))
		received <- a
	}))
	defer srv.Close()

	m := NewManager(nil, zerolog.Nop())
	m.RegisterWebhook("siem", srv.URL, "high", nil)

	m.Emit(Alert{Severity: "medium", Title: "quiet"})
	m.Emit(Alert{Severity: "critical", Title: "loud"})

	select {
	case a := <-received:
		assert.Equal(t, "loud", a.Title)
	case <-time.After(2 * time.Second):
		t.Fatal("webhook never delivered")
	}
	select {
	case a := <-received:
		t.Fatalf("below-threshold alert delivered: %s", a.Title)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestEmitClusterSeverityMapping(t *testing.T) {
	m := NewManager(nil, zerolog.Nop())

	m.EmitCluster("run1", models.Cluster{
		ID:            "c1",
		RelationLabel: models.RelationHighConfidence,
		InsiderLabel:  models.InsiderHighProbability,
		EvidenceEIDs:  []int64{1},
	}, nil)
	m.EmitCluster("run1", models.Cluster{
		ID:            "c2",
		RelationLabel: models.RelationWeak,
		InsiderLabel:  models.InsiderInsufficient,
	}, nil)

	history := m.History(10)
	require.Len(t, history, 1, "weak links must not alert")
	assert.Equal(t, "critical", history[0].Severity)
	assert.Equal(t, "run1", history[0].RunID)
}

func TestBySeverity(t *testing.T) {
	m := NewManager(nil, zerolog.Nop())
	m.Emit(Alert{Severity: "info", Title: "a"})
	m.Emit(Alert{Severity: "high", Title: "b"})
	m.Emit(Alert{Severity: "critical", Title: "c"})

	assert.Len(t, m.BySeverity("high"), 2)
	assert.Len(t, m.BySeverity("info"), 3)
}

func TestWatchlistTransferHits(t *testing.T) {
	w := NewWatchlist()
	w.Add("0xBAD0000000000000000000000000000000000001", "theft", "drained treasury", "case-7", "critical")

	hits := w.CheckTransfer(models.TransferPayload{
		From: "0xbad0000000000000000000000000000000000001",
		To:   "0x0000000000000000000000000000000000000002",
	})
	require.Len(t, hits, 1)
	assert.Equal(t, "transfer_from", hits[0].Context)
	assert.Equal(t, "case-7", hits[0].CaseID)

	assert.True(t, w.Contains("0xBAD0000000000000000000000000000000000001"))
	w.Remove("0xbad0000000000000000000000000000000000001")
	assert.False(t, w.Contains("0xbad0000000000000000000000000000000000001"))
}

func TestWatchlistClusterHits(t *testing.T) {
	w := NewWatchlist()
	w.Add("0xabc0000000000000000000000000000000000001", "suspect", "under investigation", "case-9", "high")

	hits := w.CheckCluster(models.Cluster{
		Members: []string{
			"wallet|0xabc0000000000000000000000000000000000001",
			"wallet|0x0000000000000000000000000000000000000002",
		},
	})
	require.Len(t, hits, 1)
	assert.Equal(t, "cluster_member", hits[0].Context)

	// A hit escalates the cluster alert even for a weak verdict.
	m := NewManager(nil, zerolog.Nop())
	m.EmitCluster("run2", models.Cluster{
		ID:            "c3",
		RelationLabel: models.RelationWeak,
		Members:       []string{"wallet|0xabc0000000000000000000000000000000000001"},
	}, hits)
	history := m.History(1)
	require.Len(t, history, 1)
	assert.Equal(t, "watchlist_hit", history[0].AlertType)
}

func TestWatchlistListSorted(t *testing.T) {
	w := NewWatchlist()
	w.Add("0xb", "suspect", "", "", "low")
	w.Add("0xa", "suspect", "", "", "low")
	list := w.List()
	require.Len(t, list, 2)
	assert.Equal(t, "0xa", list[0].Address)
	assert.Equal(t, 2, w.Size())
}
