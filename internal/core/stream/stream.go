// Package stream decodes the observe-stream wire format: newline-delimited
// JSON update records whose boundaries do not align with transport chunks.
package stream

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
)

// Kind tags the closed set of update event variants.
type Kind int

const (
	// KindPut merges fields into an object, creating it if absent.
	KindPut Kind = iota
	// KindDelete removes an object.
	KindDelete
	// KindReset is the server's signal that subscription state is invalid
	// and a full resync is required.
	KindReset
)

func (k Kind) String() string {
	switch k {
	case KindPut:
		return "put"
	case KindDelete:
		return "delete"
	case KindReset:
		return "reset"
	}
	return "unknown"
}

// Event is one decoded update record.
type Event struct {
	Kind       Kind
	BucketType string
	ObjectKey  string
	Revision   int64
	Timestamp  int64
	Fields     map[string]any
}

// Bucket types decoded into typed device records. Anything else still flows
// through as a generic record with its fields preserved opaquely.
const (
	BucketTopaz      = "topaz"      // Protect units
	BucketKryptonite = "kryptonite" // temperature sensors
	BucketStructure  = "structure"
	BucketWhere      = "where"
	BucketDevice     = "device"
	BucketShared     = "shared"
	BucketUser       = "user"
)

// KnownBucketTypes is the bucket-type list sent on the snapshot fetch.
var KnownBucketTypes = []string{
	BucketTopaz, BucketKryptonite, BucketStructure, BucketWhere,
	BucketDevice, BucketShared, BucketUser,
	"buckets", "quartz", "rcs_settings", "track", "user_alert_dialog",
	"user_settings", "widget_track",
}

// SplitObjectKey splits "<bucket_type>.<object_id>" into its parts. Keys
// without a dot yield an empty object ID.
func SplitObjectKey(key string) (bucketType, objectID string) {
	if i := strings.IndexByte(key, '.'); i >= 0 {
		return key[:i], key[i+1:]
	}
	return key, ""
}

// Decoder reassembles newline-delimited records from raw stream chunks. A
// partial trailing line is carried over until the rest of it arrives.
type Decoder struct {
	carry []byte
	log   *slog.Logger
}

// NewDecoder creates a stream decoder.
func NewDecoder(log *slog.Logger) *Decoder {
	return &Decoder{log: log}
}

// Reset discards any buffered partial frame. Call it when a new connection
// is established.
func (d *Decoder) Reset() {
	d.carry = nil
}

type record struct {
	ObjectKey       string         `json:"object_key"`
	ObjectRevision  int64          `json:"object_revision"`
	ObjectTimestamp int64          `json:"object_timestamp"`
	Op              string         `json:"op"`
	Value           map[string]any `json:"value"`
}

// Decode appends chunk to the carry buffer and returns all complete events.
// Malformed records are skipped with a warning; they never abort the rest of
// the chunk.
func (d *Decoder) Decode(chunk []byte) []Event {
	d.carry = append(d.carry, chunk...)

	var events []Event
	for {
		i := bytes.IndexByte(d.carry, '\n')
		if i < 0 {
			break
		}
		line := bytes.TrimSpace(d.carry[:i])
		d.carry = d.carry[i+1:]
		if len(line) == 0 {
			continue
		}

		ev, ok := d.decodeLine(line)
		if ok {
			events = append(events, ev)
		}
	}
	return events
}

func (d *Decoder) decodeLine(line []byte) (Event, bool) {
	var rec record
	if err := json.Unmarshal(line, &rec); err != nil {
		d.log.Warn("skipping malformed stream record", "error", err)
		return Event{}, false
	}

	if strings.EqualFold(rec.Op, "RESYNC") {
		return Event{Kind: KindReset}, true
	}

	if rec.ObjectKey == "" {
		d.log.Warn("skipping stream record without object_key", "op", rec.Op)
		return Event{}, false
	}

	bucketType, _ := SplitObjectKey(rec.ObjectKey)
	ev := Event{
		BucketType: bucketType,
		ObjectKey:  rec.ObjectKey,
		Revision:   rec.ObjectRevision,
		Timestamp:  rec.ObjectTimestamp,
	}

	if strings.EqualFold(rec.Op, "REMOVE") {
		ev.Kind = KindDelete
		return ev, true
	}

	ev.Kind = KindPut
	ev.Fields = rec.Value
	return ev, true
}
