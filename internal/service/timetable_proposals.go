package service

import (
	"context"
	"sync"
	"time"

	"github.com/noah-isme/timetable-api/internal/timetable"
	"github.com/noah-isme/timetable-api/pkg/cache"
)

type timetableProposal struct {
	ProposalID  string            `json:"proposalId"`
	SessionID   string            `json:"sessionId"`
	Seed        int64             `json:"seed"`
	Result      *timetable.Result `json:"result"`
	RequestedBy string            `json:"requestedBy,omitempty"`
	RequestedAt time.Time         `json:"requestedAt"`
}

func (p timetableProposal) expiresAt(ttl time.Duration) time.Time {
	return p.RequestedAt.Add(ttl)
}

func proposalKey(id string) string {
	return cache.Key("proposal", id)
}

// proposalStore keeps generated timetables until they are committed or
// expire. Redis makes proposals visible to every replica; the in-memory map
// serves this process when the cache is disabled or unreachable.
type proposalStore struct {
	ttl   time.Duration
	cache *CacheService
	now   func() time.Time

	mu    sync.RWMutex
	items map[string]timetableProposal
}

func newProposalStore(ttl time.Duration, cacheSvc *CacheService) *proposalStore {
	return &proposalStore{
		ttl:   ttl,
		cache: cacheSvc,
		now:   time.Now,
		items: make(map[string]timetableProposal),
	}
}

func (s *proposalStore) Save(ctx context.Context, proposal timetableProposal) {
	s.mu.Lock()
	s.items[proposal.ProposalID] = proposal
	s.mu.Unlock()
	s.cache.Store(ctx, proposalKey(proposal.ProposalID), proposal, s.ttl)
}

func (s *proposalStore) Get(ctx context.Context, id string) (timetableProposal, bool) {
	s.mu.RLock()
	proposal, ok := s.items[id]
	s.mu.RUnlock()
	if !ok {
		if !s.cache.Lookup(ctx, proposalKey(id), &proposal) {
			return timetableProposal{}, false
		}
	}
	if s.now().Sub(proposal.RequestedAt) > s.ttl {
		s.Delete(ctx, id)
		return timetableProposal{}, false
	}
	return proposal, true
}

func (s *proposalStore) Delete(ctx context.Context, id string) {
	s.mu.Lock()
	delete(s.items, id)
	s.mu.Unlock()
	s.cache.Forget(ctx, proposalKey(id))
}

// Sweep drops expired in-memory proposals.
func (s *proposalStore) Sweep() int {
	cutoff := s.now().Add(-s.ttl)
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for id, proposal := range s.items {
		if proposal.RequestedAt.Before(cutoff) {
			delete(s.items, id)
			removed++
		}
	}
	return removed
}
