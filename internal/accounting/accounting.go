// Package accounting implements the usage telemetry pipeline: the
// per-request audit log, the monthly quota counter with lazy month
// rollover, and the hourly aggregation buckets. Accounting is
// fire-and-forget relative to the response path; a telemetry failure must
// never fail a user-facing request.
package accounting

import (
	"log/slog"
	"sync"
	"time"

	"anidex/internal/db"
	"anidex/internal/model"
)

type usageEvent struct {
	keyID     uint
	clientIP  string
	endpoint  string
	status    int
	timestamp time.Time
}

// Accountant records usage events on a background worker. Events for the
// same key are serialized by the database transaction, not by the worker,
// so a single worker is enough and ordering of same-key writes stays
// monotonic.
type Accountant struct {
	db     db.Service
	logger *slog.Logger
	queue  chan usageEvent
	wg     sync.WaitGroup
	now    func() time.Time

	// syncWrites makes Record process events inline. For testing purposes.
	syncWrites bool
}

func NewAccountant(dbService db.Service, logger *slog.Logger) *Accountant {
	a := &Accountant{
		db:     dbService,
		logger: logger.With("component", "accounting"),
		queue:  make(chan usageEvent, 256),
		now:    time.Now,
	}
	a.wg.Add(1)
	go a.worker()
	return a
}

// Record enqueues one usage event for an admitted request. It never
// blocks: if the queue is full the event is dropped with a warning.
func (a *Accountant) Record(key *model.APIKey, clientIP, endpoint string, status int) {
	if key == nil {
		return
	}
	ev := usageEvent{
		keyID:     key.ID,
		clientIP:  clientIP,
		endpoint:  endpoint,
		status:    status,
		timestamp: a.now(),
	}
	if a.syncWrites {
		a.process(ev)
		return
	}
	select {
	case a.queue <- ev:
	default:
		a.logger.Warn("Usage queue full, dropping event", "key_id", ev.keyID)
	}
}

// Close stops the worker after draining already-queued events. In-flight
// writes complete even when the caller has long since disconnected.
func (a *Accountant) Close() {
	close(a.queue)
	a.wg.Wait()
}

func (a *Accountant) worker() {
	defer a.wg.Done()
	for ev := range a.queue {
		a.process(ev)
	}
}

// process applies one event. Errors are logged and swallowed.
func (a *Accountant) process(ev usageEvent) {
	entry := model.UsageLog{
		KeyID:     ev.keyID,
		Timestamp: ev.timestamp,
		Endpoint:  ev.endpoint,
		Status:    ev.status,
		ClientIP:  ev.clientIP,
	}
	if err := a.db.RecordUsage(ev.keyID, entry, firstOfMonth(ev.timestamp)); err != nil {
		a.logger.Error("Failed to record usage", "key_id", ev.keyID, "error", err)
	}
}

// firstOfMonth is the month boundary used for lazy quota resets: the first
// calendar day of t's month at local midnight.
func firstOfMonth(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, t.Location())
}
