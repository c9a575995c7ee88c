package domain

import "errors"

var (
	// ErrMissingBaseFile is returned when the base dataset path does not exist.
	ErrMissingBaseFile = errors.New("base dataset file not found")
	// ErrMalformedBaseData is returned when the base header lacks a required column.
	ErrMalformedBaseData = errors.New("malformed base dataset")
	// ErrUnknownMunicipality is returned when an edit references a code not in the dataset.
	ErrUnknownMunicipality = errors.New("unknown municipality")
	// ErrLedgerWrite is returned when an edit could not be made durable.
	ErrLedgerWrite = errors.New("ledger write failed")
	// ErrSnapshotCorrupt is returned when a snapshot or archive cannot be decoded.
	ErrSnapshotCorrupt = errors.New("snapshot corrupt")
	// ErrSnapshotWrite is returned when a snapshot could not be persisted.
	ErrSnapshotWrite = errors.New("snapshot write failed")
	// ErrInvalidZone is returned for an empty zone label.
	ErrInvalidZone = errors.New("zone label must not be empty")
	// ErrZoneUnchanged is returned when an edit assigns the zone a municipality already has.
	ErrZoneUnchanged = errors.New("municipality already in zone")
	// ErrServiceClosed is returned for requests submitted after the service stopped.
	ErrServiceClosed = errors.New("dataset service closed")
)
