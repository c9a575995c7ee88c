package domain

import "time"

// ChangeKind distinguishes single edits from whole-dataset swaps.
type ChangeKind string

const (
	ChangeEdit   ChangeKind = "edit"
	ChangeReload ChangeKind = "reload"
)

// Change is the notification sent to broadcast collaborators after the live
// dataset moved to a new version.
type Change struct {
	Kind    ChangeKind `json:"kind"`
	Version int64      `json:"version"`
	At      time.Time  `json:"at"`
	Actor   string     `json:"actor,omitempty"`
	// Record, PreviousZone and Color are set for edits.
	Record       *MunicipalityRecord `json:"record,omitempty"`
	PreviousZone string              `json:"previous_zone,omitempty"`
	Color        string              `json:"color,omitempty"`
	// Diff lists the zone moves of a reload.
	Diff       []ZoneDiff `json:"diff,omitempty"`
	Statistics Statistics `json:"statistics"`
}
