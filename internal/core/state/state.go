package state

import (
	"log/slog"
	"sync"
	"time"

	"github.com/Jastroger/ha-nest-protect/internal/core/stream"
)

// Record is the latest known state of one cloud object. Records are owned
// and mutated exclusively by the synchronizer; reads hand out deep copies so
// consumers never observe a partially merged record.
type Record struct {
	ObjectKey   string         `json:"object_key"`
	BucketType  string         `json:"bucket_type"`
	Revision    int64          `json:"revision"`
	Timestamp   int64          `json:"timestamp"`
	Fields      map[string]any `json:"fields"`
	StructureID string         `json:"structure_id,omitempty"`
	WhereID     string         `json:"where_id,omitempty"`
}

// Bool returns a boolean field value.
func (r Record) Bool(name string) (bool, bool) {
	v, ok := r.Fields[name].(bool)
	return v, ok
}

// String returns a string field value.
func (r Record) String(name string) (string, bool) {
	v, ok := r.Fields[name].(string)
	return v, ok
}

// Float returns a numeric field value. JSON numbers decode as float64.
func (r Record) Float(name string) (float64, bool) {
	v, ok := r.Fields[name].(float64)
	return v, ok
}

func (r Record) clone() Record {
	cp := r
	cp.Fields = deepCopyMap(r.Fields)
	return cp
}

// --- EventBus ---

// EventType identifies event categories.
type EventType string

const (
	EventConnected    EventType = "connected"
	EventDisconnected EventType = "disconnected"
	EventAuthRequired EventType = "auth_required"
)

// Event represents a lifecycle change.
type Event struct {
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data,omitempty"`
}

// EventBus is a simple publish/subscribe event bus for lifecycle events.
type EventBus struct {
	mu          sync.RWMutex
	subscribers map[int]chan Event
	nextID      int
	log         *slog.Logger
}

// NewEventBus creates a new event bus.
func NewEventBus(log *slog.Logger) *EventBus {
	return &EventBus{
		subscribers: make(map[int]chan Event),
		log:         log,
	}
}

// Publish sends an event to all subscribers.
func (b *EventBus) Publish(evt Event) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for id, ch := range b.subscribers {
		select {
		case ch <- evt:
		default:
			b.log.Warn("event bus: subscriber buffer full, dropping event", "subscriber_id", id, "event_type", evt.Type)
		}
	}
}

// Subscribe returns a channel of events and an unsubscribe function.
func (b *EventBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}

	ch := make(chan Event, buffer)

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subscribers[id] = ch
	b.mu.Unlock()

	unsub := func() {
		b.mu.Lock()
		delete(b.subscribers, id)
		b.mu.Unlock()
		// drain anything buffered
		for {
			select {
			case <-ch:
			default:
				return
			}
		}
	}
	return ch, unsub
}

// --- Cache ---

// Cache is the process-wide device state cache: object key to latest typed
// record. It has a single writer (the synchronizer) and many readers.
type Cache struct {
	mu      sync.RWMutex
	records map[string]*Record
	// wheres maps structure ID -> where ID -> room name, derived from the
	// where buckets.
	wheres map[string]map[string]string

	watcherMu sync.Mutex
	watchers  map[int]*Watcher
	nextID    int

	log *slog.Logger
}

// NewCache creates an empty cache.
func NewCache(log *slog.Logger) *Cache {
	return &Cache{
		records:  make(map[string]*Record),
		wheres:   make(map[string]map[string]string),
		watchers: make(map[int]*Watcher),
		log:      log,
	}
}

// Get returns a copy of the record for objectKey.
func (c *Cache) Get(objectKey string) (Record, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	rec, ok := c.records[objectKey]
	if !ok {
		return Record{}, false
	}
	return rec.clone(), true
}

// Snapshot returns a copy of every record keyed by object key.
func (c *Cache) Snapshot() map[string]Record {
	c.mu.RLock()
	defer c.mu.RUnlock()

	snap := make(map[string]Record, len(c.records))
	for k, rec := range c.records {
		snap[k] = rec.clone()
	}
	return snap
}

// ByBucket returns copies of all records of one bucket type.
func (c *Cache) ByBucket(bucketType string) []Record {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var out []Record
	for _, rec := range c.records {
		if rec.BucketType == bucketType {
			out = append(out, rec.clone())
		}
	}
	return out
}

// Version is an object key with its last applied revision, used to seed the
// next subscribe request.
type Version struct {
	ObjectKey string
	Revision  int64
	Timestamp int64
}

// Versions returns the current revision of every cached object. Because
// revisions advance only inside Apply, deriving the subscription state from
// here keeps it consistent with cache contents.
func (c *Cache) Versions() []Version {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]Version, 0, len(c.records))
	for _, rec := range c.records {
		out = append(out, Version{ObjectKey: rec.ObjectKey, Revision: rec.Revision, Timestamp: rec.Timestamp})
	}
	return out
}

// WhereName resolves a device's where ID to a room name within its
// structure. Unresolved references return "" (ungrouped), never an error.
func (c *Cache) WhereName(structureID, whereID string) string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.wheres[structureID][whereID]
}

// Apply merges one update event into the cache and returns the changed
// object keys. Events at or below the stored revision are dropped so replays
// are idempotent. Reset events are a no-op here; resync is the
// synchronizer's job.
func (c *Cache) Apply(ev stream.Event) []string {
	c.mu.Lock()
	changed := c.applyLocked(ev)
	c.mu.Unlock()

	if len(changed) > 0 {
		c.notify(changed)
	}
	return changed
}

// ReplaceAll reconciles the cache against a full snapshot: records are
// rebuilt from the given events, and keys absent from the snapshot are
// removed. Returns all touched keys (updated plus removed).
func (c *Cache) ReplaceAll(events []stream.Event) []string {
	c.mu.Lock()

	seen := make(map[string]struct{}, len(events))
	changedSet := make(map[string]struct{})
	for _, ev := range events {
		if ev.Kind != stream.KindPut || ev.ObjectKey == "" {
			continue
		}
		seen[ev.ObjectKey] = struct{}{}
		if old, ok := c.records[ev.ObjectKey]; ok && ev.Revision <= old.Revision {
			continue
		}
		// Snapshot records replace wholesale: a field absent from the new
		// snapshot is gone, not merged around.
		rec := &Record{
			ObjectKey:  ev.ObjectKey,
			BucketType: ev.BucketType,
			Revision:   ev.Revision,
			Timestamp:  ev.Timestamp,
			Fields:     deepCopyMap(ev.Fields),
		}
		if rec.Fields == nil {
			rec.Fields = make(map[string]any)
		}
		c.records[ev.ObjectKey] = rec
		c.indexLocked(rec)
		changedSet[ev.ObjectKey] = struct{}{}
	}
	for key := range c.records {
		if _, ok := seen[key]; !ok {
			delete(c.records, key)
			changedSet[key] = struct{}{}
		}
	}

	changed := make([]string, 0, len(changedSet))
	for k := range changedSet {
		changed = append(changed, k)
	}
	c.mu.Unlock()

	if len(changed) > 0 {
		c.notify(changed)
	}
	return changed
}

func (c *Cache) applyLocked(ev stream.Event) []string {
	switch ev.Kind {
	case stream.KindDelete:
		rec, ok := c.records[ev.ObjectKey]
		if !ok {
			return nil
		}
		if ev.Revision <= rec.Revision {
			// Stale or replayed removal.
			return nil
		}
		delete(c.records, ev.ObjectKey)
		return []string{ev.ObjectKey}

	case stream.KindPut:
		rec, ok := c.records[ev.ObjectKey]
		if ok && ev.Revision <= rec.Revision {
			// Stale or replayed update.
			return nil
		}
		if !ok {
			rec = &Record{
				ObjectKey:  ev.ObjectKey,
				BucketType: ev.BucketType,
				Fields:     make(map[string]any),
			}
			c.records[ev.ObjectKey] = rec
		}
		rec.Revision = ev.Revision
		rec.Timestamp = ev.Timestamp

		// Partial merge: only fields present in the event overwrite.
		for k, v := range ev.Fields {
			rec.Fields[k] = deepCopyValue(v)
		}
		c.indexLocked(rec)
		return []string{ev.ObjectKey}
	}
	return nil
}

// indexLocked refreshes the derived grouping data for a record.
func (c *Cache) indexLocked(rec *Record) {
	if v, ok := rec.Fields["structure_id"].(string); ok {
		rec.StructureID = v
	}
	if v, ok := rec.Fields["spoken_where_id"].(string); ok && v != "" {
		rec.WhereID = v
	} else if v, ok := rec.Fields["where_id"].(string); ok {
		rec.WhereID = v
	}

	if rec.BucketType != stream.BucketWhere {
		return
	}
	// where.<structure_id> buckets carry the room name table.
	_, structureID := splitKey(rec.ObjectKey)
	table := make(map[string]string)
	if list, ok := rec.Fields["wheres"].([]any); ok {
		for _, item := range list {
			entry, ok := item.(map[string]any)
			if !ok {
				continue
			}
			id, _ := entry["where_id"].(string)
			name, _ := entry["name"].(string)
			if id != "" {
				table[id] = name
			}
		}
	}
	c.wheres[structureID] = table
}

func splitKey(key string) (bucketType, objectID string) {
	return stream.SplitObjectKey(key)
}

// --- Watchers ---

// Watcher delivers changed-key batches from the cache. Rapid updates
// coalesce: a pending batch absorbs later keys, and the consumer reads
// final state from the cache at drain time, so intermediate values may be
// skipped but the final value never is.
type Watcher struct {
	cache *Cache
	id    int

	mu      sync.Mutex
	pending map[string]struct{}
	signal  chan struct{}
	closed  bool
}

// Watch registers a new watcher.
func (c *Cache) Watch() *Watcher {
	c.watcherMu.Lock()
	defer c.watcherMu.Unlock()

	w := &Watcher{
		cache:   c,
		id:      c.nextID,
		pending: make(map[string]struct{}),
		signal:  make(chan struct{}, 1),
	}
	c.nextID++
	c.watchers[w.id] = w
	return w
}

func (c *Cache) notify(keys []string) {
	c.watcherMu.Lock()
	defer c.watcherMu.Unlock()

	for _, w := range c.watchers {
		w.add(keys)
	}
}

func (w *Watcher) add(keys []string) {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	for _, k := range keys {
		w.pending[k] = struct{}{}
	}
	w.mu.Unlock()

	select {
	case w.signal <- struct{}{}:
	default:
	}
}

// Changes signals when at least one changed batch is pending.
func (w *Watcher) Changes() <-chan struct{} {
	return w.signal
}

// Take drains and returns the pending changed-key set.
func (w *Watcher) Take() []string {
	w.mu.Lock()
	defer w.mu.Unlock()

	keys := make([]string, 0, len(w.pending))
	for k := range w.pending {
		keys = append(keys, k)
	}
	w.pending = make(map[string]struct{})
	return keys
}

// Close unregisters the watcher.
func (w *Watcher) Close() {
	w.cache.watcherMu.Lock()
	delete(w.cache.watchers, w.id)
	w.cache.watcherMu.Unlock()

	w.mu.Lock()
	w.closed = true
	w.pending = nil
	w.mu.Unlock()
}

// --- deep copy helpers ---

func deepCopyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	cp := make(map[string]any, len(m))
	for k, v := range m {
		cp[k] = deepCopyValue(v)
	}
	return cp
}

func deepCopyValue(v any) any {
	switch tv := v.(type) {
	case map[string]any:
		return deepCopyMap(tv)
	case []any:
		cp := make([]any, len(tv))
		for i, item := range tv {
			cp[i] = deepCopyValue(item)
		}
		return cp
	default:
		return v
	}
}
