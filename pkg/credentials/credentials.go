// Package credentials implements the GitHub credential pool: a set of
// tokens with per-token rate-limit state, checked out by updater workers
// and released when a request completes. Quota state survives a
// coordinator restart via an optional bbolt-backed cache.
package credentials

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/cuemby/codedj/pkg/codedjerr"
	"github.com/cuemby/codedj/pkg/metrics"
)

var quotaBucket = []byte("quota")

// quota is one token's rate-limit bookkeeping.
type quota struct {
	RemainingRequests int       `json:"remaining_requests"`
	ResetAt           time.Time `json:"reset_at"`
	inUse             bool
}

// Pool is the set of GitHub tokens available to updater workers. Every
// operation that blocks (Checkout) honors ctx cancellation.
type Pool struct {
	mu     sync.Mutex
	cond   *sync.Cond
	tokens map[string]*quota

	db *bolt.DB // nil when no persistence path was configured
}

// Load reads a tokens CSV (one token per row, taken from the first
// column; a first row whose first field is exactly "token" is skipped as
// the header) and opens dbPath, if non-empty, as the optional persisted
// quota cache.
func Load(csvPath, dbPath string) (*Pool, error) {
	f, err := os.Open(csvPath)
	if err != nil {
		return nil, codedjerr.Wrap(codedjerr.IO, "credentials.load", err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	rows, err := r.ReadAll()
	if err != nil {
		return nil, codedjerr.Wrap(codedjerr.IO, "credentials.load", err)
	}

	start := 0
	column := 0
	if len(rows) > 0 && len(rows[0]) > 0 && rows[0][0] == "token" {
		start = 1
	}

	p := &Pool{tokens: make(map[string]*quota)}
	p.cond = sync.NewCond(&p.mu)

	if dbPath != "" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return nil, codedjerr.Wrap(codedjerr.IO, "credentials.load", err)
		}
		db, err := bolt.Open(dbPath, 0o600, nil)
		if err != nil {
			return nil, codedjerr.Wrap(codedjerr.IO, "credentials.load", err)
		}
		if err := db.Update(func(tx *bolt.Tx) error {
			_, err := tx.CreateBucketIfNotExists(quotaBucket)
			return err
		}); err != nil {
			db.Close()
			return nil, codedjerr.Wrap(codedjerr.IO, "credentials.load", err)
		}
		p.db = db
	}

	for _, row := range rows[start:] {
		if column >= len(row) || row[column] == "" {
			continue
		}
		token := row[column]
		q := &quota{RemainingRequests: 5000, ResetAt: time.Now().Add(time.Hour)}
		if p.db != nil {
			p.db.View(func(tx *bolt.Tx) error {
				data := tx.Bucket(quotaBucket).Get([]byte(fingerprint(token)))
				if data == nil {
					return nil
				}
				return json.Unmarshal(data, q)
			})
		}
		p.tokens[token] = q
		metrics.CredentialsRemaining.WithLabelValues(fingerprint(token)).Set(float64(q.RemainingRequests))
	}
	return p, nil
}

// Anonymous returns a pool holding a single empty pseudo-token, used
// when no tokens CSV was configured: git operations run unauthenticated.
// The pseudo-token starts with a quota of 60, but checkouts do not
// consume it and the rate-limit refresh skips it, so the anonymous pool
// never blocks a checkout.
func Anonymous() *Pool {
	p := &Pool{tokens: map[string]*quota{
		"": {RemainingRequests: 60, ResetAt: time.Now().Add(time.Hour)},
	}}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// fingerprint is the non-secret label metrics and logs attach to a
// token: enough of it to distinguish entries without ever emitting a
// usable credential.
func fingerprint(token string) string {
	if len(token) <= 8 {
		return "***"
	}
	return token[:4] + "…" + token[len(token)-4:]
}

// Checkout blocks until a token with RemainingRequests > 0 is available,
// marks it in-use, and returns it. If every token is exhausted, Checkout
// waits until the earliest ResetAt passes, honoring ctx cancellation.
func (p *Pool) Checkout(ctx context.Context) (string, error) {
	// Watch ctx for the lifetime of this call and nudge the condition
	// variable on cancellation, so a blocked waiter never outlives its
	// caller's cancellation.
	cancelWatch := make(chan struct{})
	defer close(cancelWatch)
	go func() {
		select {
		case <-ctx.Done():
			p.mu.Lock()
			p.cond.Broadcast()
			p.mu.Unlock()
		case <-cancelWatch:
		}
	}()

	p.mu.Lock()
	defer p.mu.Unlock()

	var waitStart time.Time
	for {
		if tok, ok := p.pickLocked(); ok {
			if !waitStart.IsZero() {
				metrics.CredentialWaitDuration.Observe(time.Since(waitStart).Seconds())
			}
			return tok, nil
		}
		if err := ctx.Err(); err != nil {
			return "", codedjerr.Wrap(codedjerr.Cancelled, "credentials.checkout", err)
		}
		if waitStart.IsZero() {
			metrics.CredentialPoolExhaustedTotal.Inc()
			waitStart = time.Now()
		}
		p.waitUntilLocked(p.earliestResetLocked())
	}
}

// pickLocked returns an unused token with quota remaining, refreshing any
// token whose reset time has passed.
func (p *Pool) pickLocked() (string, bool) {
	now := time.Now()
	for tok, q := range p.tokens {
		if !q.ResetAt.After(now) {
			q.RemainingRequests = 5000
		}
		if !q.inUse && q.RemainingRequests > 0 {
			q.inUse = true
			return tok, true
		}
	}
	return "", false
}

func (p *Pool) earliestResetLocked() time.Time {
	var earliest time.Time
	for _, q := range p.tokens {
		if earliest.IsZero() || q.ResetAt.Before(earliest) {
			earliest = q.ResetAt
		}
	}
	if earliest.IsZero() {
		earliest = time.Now().Add(time.Minute)
	}
	return earliest
}

// waitUntilLocked sleeps on the condition variable until until passes or
// a Return/Update/Checkout-cancellation call broadcasts progress. The
// mutex is released while waiting and re-acquired before returning, per
// sync.Cond.Wait.
func (p *Pool) waitUntilLocked(until time.Time) {
	d := time.Until(until)
	if d < 0 {
		d = 0
	}
	timer := time.AfterFunc(d, func() {
		p.mu.Lock()
		p.cond.Broadcast()
		p.mu.Unlock()
	})
	defer timer.Stop()
	p.cond.Wait()
}

// Update refreshes a token's quota from the X-RateLimit-* headers of a
// request just made with it.
func (p *Pool) Update(token string, remaining int, resetAt time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	q, ok := p.tokens[token]
	if !ok {
		return
	}
	q.RemainingRequests = remaining
	q.ResetAt = resetAt
	metrics.CredentialsRemaining.WithLabelValues(fingerprint(token)).Set(float64(remaining))
	p.persistLocked(token, q)
	p.cond.Broadcast()
}

// Return releases token back to the pool without changing its quota.
func (p *Pool) Return(token string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if q, ok := p.tokens[token]; ok {
		q.inUse = false
	}
	p.cond.Broadcast()
}

func (p *Pool) persistLocked(token string, q *quota) {
	if p.db == nil {
		return
	}
	data, err := json.Marshal(q)
	if err != nil {
		return
	}
	p.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(quotaBucket).Put([]byte(fingerprint(token)), data)
	})
}

// Len returns the number of tokens in the pool.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.tokens)
}

// Close releases the persisted quota cache, if any.
func (p *Pool) Close() error {
	if p.db == nil {
		return nil
	}
	return p.db.Close()
}
