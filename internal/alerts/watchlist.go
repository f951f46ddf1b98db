package alerts

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rawblock/chaintrace-engine/pkg/models"
)

// Address watchlist.
//
// Clusters and incoming transfer observations are checked against the
// watchlist; a match fires an alert through the Manager. Lookup is an
// O(1) map hit under an RWMutex so concurrent checks never block each
// other.
//
// Categories:
//   theft      — Stolen fund origin addresses
//   suspect    — Addresses under investigation
//   exchange   — Known exchange deposit/withdrawal addresses
//   sanctioned — OFAC/SDN listed addresses
//   service    — Known service addresses (mixing, gambling, etc)

// WatchedAddress holds metadata for a monitored address
type WatchedAddress struct {
	Address    string    `json:"address"`
	Category   string    `json:"category"`
	Label      string    `json:"label"`
	CaseID     string    `json:"caseId"`
	AddedAt    time.Time `json:"addedAt"`
	AlertLevel string    `json:"alertLevel"` // info/low/medium/high/critical
}

// WatchlistHit is one matched address
type WatchlistHit struct {
	Address    string `json:"address"`
	Category   string `json:"category"`
	Label      string `json:"label"`
	CaseID     string `json:"caseId"`
	Context    string `json:"context"` // "cluster_member"/"transfer_from"/"transfer_to"
	AlertLevel string `json:"alertLevel"`
}

// Watchlist is a concurrent-safe monitored address set
type Watchlist struct {
	mu        sync.RWMutex
	addresses map[string]WatchedAddress
}

func NewWatchlist() *Watchlist {
	return &Watchlist{addresses: make(map[string]WatchedAddress)}
}

// Add registers an address for monitoring. Addresses are matched
// case-insensitively.
func (w *Watchlist) Add(addr, category, label, caseID, alertLevel string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.addresses[strings.ToLower(addr)] = WatchedAddress{
		Address:    strings.ToLower(addr),
		Category:   category,
		Label:      label,
		CaseID:     caseID,
		AddedAt:    time.Now().UTC(),
		AlertLevel: alertLevel,
	}
}

// Remove stops monitoring an address
func (w *Watchlist) Remove(addr string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.addresses, strings.ToLower(addr))
}

// Contains checks if an address is watchlisted
func (w *Watchlist) Contains(addr string) bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	_, exists := w.addresses[strings.ToLower(addr)]
	return exists
}

// Get returns the watchlist entry for an address
func (w *Watchlist) Get(addr string) (WatchedAddress, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	entry, exists := w.addresses[strings.ToLower(addr)]
	return entry, exists
}

// CheckTransfer scans a transfer observation for watchlisted endpoints
func (w *Watchlist) CheckTransfer(t models.TransferPayload) []WatchlistHit {
	w.mu.RLock()
	defer w.mu.RUnlock()
	var hits []WatchlistHit
	if entry, ok := w.addresses[strings.ToLower(t.From)]; ok {
		hits = append(hits, hitFrom(entry, "transfer_from"))
	}
	if entry, ok := w.addresses[strings.ToLower(t.To)]; ok {
		hits = append(hits, hitFrom(entry, "transfer_to"))
	}
	return hits
}

// CheckCluster scans a cluster's members for watchlisted addresses.
// Member IDs carry the "type|key" entity form; the key part is matched.
func (w *Watchlist) CheckCluster(c models.Cluster) []WatchlistHit {
	w.mu.RLock()
	defer w.mu.RUnlock()
	var hits []WatchlistHit
	for _, member := range c.Members {
		key := member
		if i := strings.IndexByte(member, '|'); i >= 0 {
			key = member[i+1:]
		}
		if entry, ok := w.addresses[strings.ToLower(key)]; ok {
			hits = append(hits, hitFrom(entry, "cluster_member"))
		}
	}
	return hits
}

// Size returns the number of watched addresses
func (w *Watchlist) Size() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return len(w.addresses)
}

// List returns all watched addresses sorted by address
func (w *Watchlist) List() []WatchedAddress {
	w.mu.RLock()
	defer w.mu.RUnlock()
	list := make([]WatchedAddress, 0, len(w.addresses))
	for _, entry := range w.addresses {
		list = append(list, entry)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].Address < list[j].Address })
	return list
}

func hitFrom(entry WatchedAddress, context string) WatchlistHit {
	return WatchlistHit{
		Address:    entry.Address,
		Category:   entry.Category,
		Label:      entry.Label,
		CaseID:     entry.CaseID,
		Context:    context,
		AlertLevel: entry.AlertLevel,
	}
}
