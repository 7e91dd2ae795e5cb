package worker

import (
	"fmt"
	"sync"
	"time"

	"focusdeck/internal/models"
)

// PendingLedger is a short-TTL set of entity ids the orchestrator is about
// to write remotely. The ingest bridge consults it to suppress the echo of
// our own writes coming back through the realtime feed. Best-effort: a race
// between population and an inbound event costs one redundant merge.
type PendingLedger struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]time.Time
}

func NewPendingLedger(ttl time.Duration) *PendingLedger {
	if ttl <= 0 {
		ttl = models.DefaultLedgerTTL
	}
	return &PendingLedger{ttl: ttl, entries: make(map[string]time.Time)}
}

func ledgerKey(entity models.EntityType, id string) string {
	return fmt.Sprintf("%s:%s", entity, id)
}

// Add records an imminent local write.
func (l *PendingLedger) Add(entity models.EntityType, id string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.prune()
	l.entries[ledgerKey(entity, id)] = time.Now().Add(l.ttl)
}

// Contains reports whether a fresh local write for the entity is in flight.
func (l *PendingLedger) Contains(entity models.EntityType, id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.prune()
	expiry, ok := l.entries[ledgerKey(entity, id)]
	return ok && time.Now().Before(expiry)
}

func (l *PendingLedger) prune() {
	now := time.Now()
	for key, expiry := range l.entries {
		if now.After(expiry) {
			delete(l.entries, key)
		}
	}
}
