// Package feed exposes the event log as a change stream. Subscribers receive
// change events keyed by record id and merge them into local state as
// upserts; a wholesale replace would discard unsynced optimistic writes.
package feed

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"valora/internal/repo"
)

// Change is one record-level mutation observed in the event log.
type Change struct {
	EventID  int64
	Type     string
	Table    string
	RecordID string
	TS       string
	Payload  map[string]any
}

const (
	defaultInterval = 2 * time.Second
	defaultBatch    = 100
)

// Feed polls the event log past a cursor and fans changes out to
// subscribers.
type Feed struct {
	Repo     repo.Repo
	StudyID  string
	Interval time.Duration
	Logger   *log.Logger

	mu     sync.Mutex
	subs   map[int]chan Change
	nextID int
	cursor int64
}

func New(r repo.Repo, studyID string) *Feed {
	return &Feed{Repo: r, StudyID: studyID, Interval: defaultInterval, subs: map[int]chan Change{}}
}

// Subscribe registers a change consumer. The returned cancel func must be
// called to release the subscription; the channel closes after cancel.
func (f *Feed) Subscribe(buffer int) (<-chan Change, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Change, buffer)
	f.mu.Lock()
	id := f.nextID
	f.nextID++
	f.subs[id] = ch
	f.mu.Unlock()
	cancel := func() {
		f.mu.Lock()
		if sub, ok := f.subs[id]; ok {
			delete(f.subs, id)
			close(sub)
		}
		f.mu.Unlock()
	}
	return ch, cancel
}

// Run polls until ctx is done. Start it once; there is a single cursor.
func (f *Feed) Run(ctx context.Context) {
	interval := f.Interval
	if interval <= 0 {
		interval = defaultInterval
	}
	if f.cursor == 0 {
		if latest, err := f.Repo.LatestEventID(ctx, f.StudyID); err == nil {
			f.cursor = latest
		}
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		f.poll(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (f *Feed) poll(ctx context.Context) {
	evts, err := f.Repo.EventsAfter(ctx, defaultBatch, f.cursor, f.StudyID)
	if err != nil {
		f.logf("feed: fetch events failed: %v", err)
		return
	}
	for _, evt := range evts {
		var payload map[string]any
		if evt.Payload != "" {
			_ = json.Unmarshal([]byte(evt.Payload), &payload)
		}
		f.publish(Change{
			EventID:  evt.ID,
			Type:     evt.Type,
			Table:    evt.EntityKind,
			RecordID: evt.EntityID,
			TS:       evt.TS,
			Payload:  payload,
		})
		f.cursor = evt.ID
	}
}

func (f *Feed) publish(c Change) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ch := range f.subs {
		select {
		case ch <- c:
		default:
			// Slow consumer; drop rather than stall the feed. The consumer
			// re-syncs from the store on its next read.
		}
	}
}

func (f *Feed) logf(format string, args ...any) {
	if f.Logger != nil {
		f.Logger.Printf(format, args...)
		return
	}
	log.Printf(format, args...)
}

// Merge applies a change to a local view as an upsert keyed by record id.
func Merge(view map[string]map[string]any, c Change) {
	if c.RecordID == "" {
		return
	}
	existing, ok := view[c.RecordID]
	if !ok {
		existing = map[string]any{}
		view[c.RecordID] = existing
	}
	for k, v := range c.Payload {
		existing[k] = v
	}
}
