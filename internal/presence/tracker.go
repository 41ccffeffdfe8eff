package presence

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Tracker provides a best-effort, eventually-consistent view of expert
// reachability. It combines a local cache, a change feed subscription, and
// on-demand bulk refresh against the Store.
//
// Contracts:
// - Cached reads never block and never hit the network.
// - Concurrent fetches for the same expert coalesce into one Store read.
// - Every cache mutation bumps a monotonic version and notifies subscribers,
//   so dependent code can treat presence as a reactive external store.
// - Remote updates merge last-writer-wins on UpdatedAt.
type Tracker struct {
	store Store
	feed  Feed
	log   *slog.Logger

	clock     func() time.Time
	freshness time.Duration

	mu       sync.Mutex
	cache    map[string]cacheEntry
	inflight map[string]*inflightFetch
	version  uint64
	subs     map[int]chan Event
	nextSub  int
	closed   bool
}

type cacheEntry struct {
	rec       Record
	fetchedAt time.Time
}

type inflightFetch struct {
	done chan struct{}
	rec  Record
}

// Event is delivered to subscribers on every cache mutation.
type Event struct {
	Record  Record
	Version uint64
}

// DefaultFreshness is deliberately long: the change feed is expected to
// supersede polling, so a stale read is only possible after a feed outage.
const DefaultFreshness = time.Hour

// degradedFreshness bounds how long a placeholder from a failed store read
// is served before the store is retried. Caching it for the full window
// would pin the expert offline for an hour over a transient outage.
const degradedFreshness = 15 * time.Second

type TrackerOption func(*Tracker)

func WithFreshness(d time.Duration) TrackerOption {
	return func(t *Tracker) {
		if d > 0 {
			t.freshness = d
		}
	}
}

func WithClock(clock func() time.Time) TrackerOption {
	return func(t *Tracker) {
		if clock != nil {
			t.clock = clock
		}
	}
}

// NewTracker constructs a Tracker. feed may be nil (no cross-process fan-out;
// local writes still notify local subscribers).
func NewTracker(store Store, feed Feed, log *slog.Logger, opts ...TrackerOption) *Tracker {
	if log == nil {
		log = slog.Default()
	}
	t := &Tracker{
		store:     store,
		feed:      feed,
		log:       log,
		clock:     time.Now,
		freshness: DefaultFreshness,
		cache:     make(map[string]cacheEntry),
		inflight:  make(map[string]*inflightFetch),
		subs:      make(map[int]chan Event),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

var (
	ErrInvalidExpertID = errors.New("presence: invalid expert id")
	ErrInvalidStatus   = errors.New("presence: invalid status")
	ErrClosed          = errors.New("presence: tracker closed")
)

// GetCached returns the cached record only if it is within the freshness
// window. It never blocks and never fetches.
func (t *Tracker) GetCached(expertID string) (Record, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	entry, ok := t.cache[expertID]
	if !ok {
		return Record{}, false
	}
	if t.clock().Sub(entry.fetchedAt) > t.freshness {
		return Record{}, false
	}
	return entry.rec, true
}

// Ensure returns a fresh-enough record for the expert, fetching from the
// Store at most once no matter how many callers ask concurrently.
//
// A failed fetch degrades to a synthesized offline record rather than an
// error: an unreachable presence read must not break the caller's page.
func (t *Tracker) Ensure(ctx context.Context, expertID string) (Record, error) {
	if !validExpertID(expertID) {
		return Record{}, ErrInvalidExpertID
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return Record{}, ErrClosed
	}
	if entry, ok := t.cache[expertID]; ok && t.clock().Sub(entry.fetchedAt) <= t.freshness {
		rec := entry.rec
		t.mu.Unlock()
		return rec, nil
	}
	if fl, ok := t.inflight[expertID]; ok {
		t.mu.Unlock()
		select {
		case <-fl.done:
			return fl.rec, nil
		case <-ctx.Done():
			return Record{}, ctx.Err()
		}
	}
	fl := &inflightFetch{done: make(chan struct{})}
	t.inflight[expertID] = fl
	t.mu.Unlock()

	rec, degraded := t.fetchOne(ctx, expertID)
	fl.rec = rec

	t.mu.Lock()
	delete(t.inflight, expertID)
	if degraded {
		// Backdate the entry so it lapses after degradedFreshness and the
		// store gets retried instead of the outage pinning offline.
		t.storeLockedAt(rec, t.clock().Add(degradedFreshness-t.freshness))
	} else {
		t.storeLocked(rec)
	}
	t.mu.Unlock()

	close(fl.done)
	return rec, nil
}

// fetchOne reads one record from the Store. The second return reports a
// degraded result: a placeholder synthesized because the read failed, as
// opposed to a genuine miss.
func (t *Tracker) fetchOne(ctx context.Context, expertID string) (Record, bool) {
	rec, found, err := t.store.Get(ctx, expertID)
	if err != nil {
		t.log.Warn("presence fetch failed, treating expert as offline", "expert_id", expertID, "err", err)
		placeholder := offlineRecord(expertID, t.clock().UTC())
		// Zero UpdatedAt so any real record, including a feed update published
		// just before the failure, outranks the placeholder under LWW.
		placeholder.UpdatedAt = time.Time{}
		return placeholder, true
	}
	if !found {
		return offlineRecord(expertID, t.clock().UTC()), false
	}
	return rec.normalized(), false
}

// BulkRefresh refreshes the cache for every stale id in one batched read.
// Malformed ids are dropped, not errored; ids the Store does not know get a
// synthesized offline record so list rendering never triggers per-row fetches.
func (t *Tracker) BulkRefresh(ctx context.Context, expertIDs []string) error {
	now := t.clock()

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrClosed
	}
	var stale []string
	seen := make(map[string]struct{}, len(expertIDs))
	for _, id := range expertIDs {
		if !validExpertID(id) {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		if entry, ok := t.cache[id]; ok && now.Sub(entry.fetchedAt) <= t.freshness {
			continue
		}
		stale = append(stale, id)
	}
	t.mu.Unlock()

	if len(stale) == 0 {
		return nil
	}

	recs, err := t.store.GetBulk(ctx, stale)
	if err != nil {
		return fmt.Errorf("presence: bulk refresh: %w", err)
	}

	byID := make(map[string]Record, len(recs))
	for _, rec := range recs {
		byID[rec.ExpertID] = rec.normalized()
	}

	t.mu.Lock()
	for _, id := range stale {
		rec, ok := byID[id]
		if !ok {
			rec = offlineRecord(id, now.UTC())
		}
		t.storeLocked(rec)
	}
	t.mu.Unlock()
	return nil
}

// Set upserts the expert's presence, enforcing the offline invariant, then
// writes through to the cache and publishes on the change feed.
//
// Unlike reads, a failed write surfaces to the caller: silently failing to
// mark an expert available would hide them from every seeker.
func (t *Tracker) Set(ctx context.Context, expertID string, status Status, acceptingCalls bool, previous Status) error {
	if !validExpertID(expertID) {
		return ErrInvalidExpertID
	}
	if !status.Valid() {
		return ErrInvalidStatus
	}
	if previous != "" && !previous.Valid() {
		return ErrInvalidStatus
	}

	now := t.clock().UTC()
	rec := Record{
		ExpertID:       expertID,
		Status:         status,
		AcceptingCalls: acceptingCalls,
		LastActivity:   now,
		PreviousStatus: previous,
		UpdatedAt:      now,
	}.normalized()

	if err := t.store.Upsert(ctx, rec); err != nil {
		return fmt.Errorf("presence: upsert for expert %s: %w", expertID, err)
	}

	t.mu.Lock()
	t.storeLocked(rec)
	t.mu.Unlock()

	t.publish(ctx, rec)
	return nil
}

// Touch bumps last_activity without changing status; used for liveness pings.
// Touching an expert with no presence row is a no-op.
func (t *Tracker) Touch(ctx context.Context, expertID string) error {
	if !validExpertID(expertID) {
		return ErrInvalidExpertID
	}

	rec, found, err := t.store.TouchActivity(ctx, expertID, t.clock().UTC())
	if err != nil {
		return fmt.Errorf("presence: touch for expert %s: %w", expertID, err)
	}
	if !found {
		return nil
	}
	rec = rec.normalized()

	t.mu.Lock()
	t.storeLocked(rec)
	t.mu.Unlock()

	t.publish(ctx, rec)
	return nil
}

// Run consumes the change feed until ctx is cancelled. Remote records fold
// into the cache last-writer-wins; stale ones are ignored.
func (t *Tracker) Run(ctx context.Context) error {
	if t.feed == nil {
		<-ctx.Done()
		return ctx.Err()
	}

	ch, err := t.feed.Subscribe(ctx)
	if err != nil {
		return fmt.Errorf("presence: feed subscribe: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case rec, ok := <-ch:
			if !ok {
				return nil
			}
			t.applyRemote(rec)
		}
	}
}

func (t *Tracker) applyRemote(rec Record) {
	if !validExpertID(rec.ExpertID) || !rec.Status.Valid() {
		t.log.Warn("dropping malformed presence update", "expert_id", rec.ExpertID, "status", string(rec.Status))
		return
	}
	rec = rec.normalized()

	t.mu.Lock()
	defer t.mu.Unlock()
	if entry, ok := t.cache[rec.ExpertID]; ok && entry.rec.UpdatedAt.After(rec.UpdatedAt) {
		// Local state is newer; last writer wins.
		return
	}
	t.storeLocked(rec)
}

// Subscribe registers a change listener. Slow consumers drop events rather
// than blocking cache writers; consumers needing every state should re-read
// the cache on wake.
func (t *Tracker) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Event, buffer)

	t.mu.Lock()
	id := t.nextSub
	t.nextSub++
	t.subs[id] = ch
	t.mu.Unlock()

	cancel := func() {
		t.mu.Lock()
		if sub, ok := t.subs[id]; ok {
			delete(t.subs, id)
			close(sub)
		}
		t.mu.Unlock()
	}
	return ch, cancel
}

// Version returns the monotonic change counter.
func (t *Tracker) Version() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.version
}

// Close tears the tracker down; further Ensure/Set calls fail with ErrClosed.
func (t *Tracker) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	t.closed = true
	for id, ch := range t.subs {
		delete(t.subs, id)
		close(ch)
	}
}

// storeLocked writes rec into the cache, bumps the version, and notifies
// subscribers. Caller must hold t.mu.
func (t *Tracker) storeLocked(rec Record) {
	t.storeLockedAt(rec, t.clock())
}

// storeLockedAt is storeLocked with an explicit fetch timestamp, used to
// shorten the freshness window for degraded entries. Caller must hold t.mu.
func (t *Tracker) storeLockedAt(rec Record, fetchedAt time.Time) {
	t.cache[rec.ExpertID] = cacheEntry{rec: rec, fetchedAt: fetchedAt}
	t.version++
	ev := Event{Record: rec, Version: t.version}
	for _, ch := range t.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

func (t *Tracker) publish(ctx context.Context, rec Record) {
	if t.feed == nil {
		return
	}
	if err := t.feed.Publish(ctx, rec); err != nil {
		// Feed fan-out is best-effort; the store write already succeeded.
		t.log.Warn("presence feed publish failed", "expert_id", rec.ExpertID, "err", err)
	}
}
