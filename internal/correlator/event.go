// Package correlator turns raw detection payloads emitted by workflow sink
// nodes into deduplicated, enriched events keyed by (tenant, site, area,
// type). Downstream the alarm manager folds those events into alarms.
package correlator

import (
	"fmt"
	"time"
)

// Attributes are the free-form measurements attached to a raw event.
type Attributes struct {
	Confidence float64 `json:"confidence"`
	Count      int     `json:"count,omitempty"`
	Label      string  `json:"label,omitempty"`
}

// Media references captured artifacts for the event.
type Media struct {
	Snapshot string `json:"snapshot,omitempty"`
	Clip     string `json:"clip,omitempty"`
}

// Geometry is an optional lon/lat pair for the emitting device.
type Geometry struct {
	Lon float64 `json:"lon"`
	Lat float64 `json:"lat"`
}

// RawEvent is the wire shape between the workflow engine and the correlator.
// IngestedAt is stamped by the correlator and never precedes ObservedAt.
type RawEvent struct {
	ID         string     `json:"id"`
	Tenant     string     `json:"tenant"`
	Site       string     `json:"site"`
	Area       string     `json:"area,omitempty"`
	Type       string     `json:"type"`
	ObservedAt time.Time  `json:"observed_at"`
	IngestedAt time.Time  `json:"ingested_at"`
	DeviceID   string     `json:"device_id"`
	Location   string     `json:"location,omitempty"`
	Geometry   *Geometry  `json:"geometry,omitempty"`
	Attributes Attributes `json:"attributes"`
	Media      Media      `json:"media,omitempty"`
	Tags       []string   `json:"tags,omitempty"`
}

// GroupKey is the dedup axis shared with the alarm manager.
func (e *RawEvent) GroupKey() string {
	return fmt.Sprintf("%s:%s:%s:%s", e.Tenant, e.Site, e.Area, e.Type)
}
