// Package session keeps screened requests in memory so that the model's
// answer can be remasked in a later call.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gonkalabs/gonka-guard/internal/guard"
	"github.com/gonkalabs/gonka-guard/internal/guarderr"
	"github.com/gonkalabs/gonka-guard/internal/metrics"
)

// DefaultTTL is how long an untouched session is kept.
const DefaultTTL = 30 * time.Minute

// Record is what the store keeps per session.
type Record struct {
	Session   *guard.Session
	Output    string
	HasOutput bool
	expiresAt time.Time
}

// Store is a TTL map of session ID to Record. Reads and writes refresh the
// expiry.
type Store struct {
	mu      sync.Mutex
	records map[string]*Record
	ttl     time.Duration
	now     func() time.Time
	metrics *metrics.Metrics
}

// NewStore returns an empty store; ttl <= 0 selects DefaultTTL.
func NewStore(ttl time.Duration, m *metrics.Metrics) *Store {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Store{
		records: make(map[string]*Record),
		ttl:     ttl,
		now:     time.Now,
		metrics: m,
	}
}

// TTL returns the configured expiry.
func (s *Store) TTL() time.Duration { return s.ttl }

// Put stores sess under its ID.
func (s *Store) Put(sess *guard.Session) {
	s.mu.Lock()
	s.records[sess.ID] = &Record{Session: sess, expiresAt: s.now().Add(s.ttl)}
	n := len(s.records)
	s.mu.Unlock()
	s.metrics.Sessions(n)
}

// Get returns a copy of the record for id. Missing, malformed and expired
// IDs return an error matching guarderr.ErrUnavailable.
func (s *Store) Get(id string) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, err := s.lookup(id)
	if err != nil {
		return Record{}, err
	}
	return *rec, nil
}

// SetOutput attaches the remasked model output to the session.
func (s *Store) SetOutput(id, output string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, err := s.lookup(id)
	if err != nil {
		return err
	}
	rec.Output = output
	rec.HasOutput = true
	return nil
}

// Delete removes id if present.
func (s *Store) Delete(id string) {
	s.mu.Lock()
	delete(s.records, id)
	n := len(s.records)
	s.mu.Unlock()
	s.metrics.Sessions(n)
}

// Len returns the number of stored records, expired ones included until
// the next sweep.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

// lookup must be called with mu held.
func (s *Store) lookup(id string) (*Record, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("session %q: %w", id, guarderr.ErrUnavailable)
	}
	rec, ok := s.records[id]
	if !ok {
		return nil, fmt.Errorf("session %s: %w", id, guarderr.ErrUnavailable)
	}
	now := s.now()
	if now.After(rec.expiresAt) {
		delete(s.records, id)
		return nil, fmt.Errorf("session %s expired: %w", id, guarderr.ErrUnavailable)
	}
	rec.expiresAt = now.Add(s.ttl)
	return rec, nil
}

// Sweep drops expired records and returns how many were removed.
func (s *Store) Sweep() int {
	s.mu.Lock()
	now := s.now()
	removed := 0
	for id, rec := range s.records {
		if now.After(rec.expiresAt) {
			delete(s.records, id)
			removed++
		}
	}
	n := len(s.records)
	s.mu.Unlock()
	s.metrics.Sessions(n)
	return removed
}

// Run sweeps every interval until ctx is done.
func (s *Store) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = s.ttl / 2
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if n := s.Sweep(); n > 0 {
				slog.Debug("session: swept", "expired", n)
			}
		}
	}
}
