package aggregate

import (
	"sort"
	"time"

	"github.com/Adithya-Monish-Kumar-K/peer-search-coordinator/internal/search/query"
)

// Item is a single remote search hit as reported by a peer.
type Item struct {
	InfoHash    string   `json:"infohash"`
	Name        string   `json:"name"`
	Category    string   `json:"category,omitempty"`
	Size        int64    `json:"size"`
	NumSeeders  int      `json:"num_seeders"`
	NumLeechers int      `json:"num_leechers"`
	Tags        []string `json:"tags,omitempty"`
}

// Batch is one peer's answer for one request.
type Batch struct {
	Peer  string `json:"peer"`
	Items []Item `json:"items"`
}

// Response is a validated inbound peer answer.
type Response struct {
	RequestID string
	Peer      string
	Items     []Item
}

// Registration is what the network collaborator returns for an accepted
// remote query: the request id and the peers it was sent to.
type Registration struct {
	RequestID string
	Peers     []string
}

// SearchRequest is the aggregate of one outstanding remote query. The
// expected peer set is fixed at construction; the answered set only grows
// and never leaves the expected set.
type SearchRequest struct {
	ID           string
	Query        query.Query
	RegisteredAt time.Time

	expected map[string]struct{}
	answered map[string]struct{}
	batches  []Batch
}

func newSearchRequest(reg Registration, q query.Query, now time.Time) *SearchRequest {
	expected := make(map[string]struct{}, len(reg.Peers))
	for _, p := range reg.Peers {
		expected[p] = struct{}{}
	}
	return &SearchRequest{
		ID:           reg.RequestID,
		Query:        q,
		RegisteredAt: now,
		expected:     expected,
		answered:     make(map[string]struct{}, len(expected)),
		batches:      make([]Batch, 0, len(expected)),
	}
}

// Expects reports whether peer was part of the dispatch.
func (r *SearchRequest) Expects(peer string) bool {
	_, ok := r.expected[peer]
	return ok
}

// record folds one batch in. Repeated answers from the same peer append
// another batch but leave the answered set unchanged.
func (r *SearchRequest) record(peer string, items []Item) {
	r.answered[peer] = struct{}{}
	r.batches = append(r.batches, Batch{Peer: peer, Items: items})
}

// IsComplete reports whether every expected peer has answered.
func (r *SearchRequest) IsComplete() bool {
	return len(r.answered) == len(r.expected)
}

func (r *SearchRequest) ExpectedCount() int { return len(r.expected) }
func (r *SearchRequest) AnsweredCount() int { return len(r.answered) }
func (r *SearchRequest) BatchCount() int    { return len(r.batches) }

// ExpectedPeers returns the expected peer ids, sorted.
func (r *SearchRequest) ExpectedPeers() []string {
	return sortedKeys(r.expected)
}

// AnsweredPeers returns the answered peer ids, sorted.
func (r *SearchRequest) AnsweredPeers() []string {
	return sortedKeys(r.answered)
}

// Batches returns the accepted batches in arrival order.
func (r *SearchRequest) Batches() []Batch {
	out := make([]Batch, len(r.batches))
	copy(out, r.batches)
	return out
}

func sortedKeys(set map[string]struct{}) []string {
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
