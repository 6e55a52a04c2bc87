// Package model holds the data shapes shared across the pipeline:
// StreamType, Batch, BatchState, SpoolEntry, StagedObject and CycleOutcome
// from spec §3, each a plain struct carried by value or pointer between
// packages rather than a process-wide singleton (see DESIGN.md's notes on
// the teacher's metrics-ledger singleton).
package model

import "fmt"

// StreamType is the closed enumeration {gps, mobile} (spec §3).
type StreamType string

const (
	StreamGPS    StreamType = "gps"
	StreamMobile StreamType = "mobile"
)

// AllStreamTypes returns the two streams in the fixed GPS-before-Mobile
// tie-break order spec §4.F mandates for drainAll and per-stream work.
func AllStreamTypes() []StreamType {
	return []StreamType{StreamGPS, StreamMobile}
}

func (s StreamType) Valid() bool {
	switch s {
	case StreamGPS, StreamMobile:
		return true
	default:
		return false
	}
}

// StreamConfig is the per-stream set of identifiers spec §3 attaches to
// each StreamType: its Redis list key, object-store prefix and warehouse
// table. Constructed once from config.Config and passed down explicitly.
type StreamConfig struct {
	RedisKey        string
	StagingPrefix   string
	WarehouseTable  string
}

// StreamConfigs builds the {gps, mobile} -> StreamConfig map from the
// loaded Config's individual fields.
func StreamConfigs(gpsKey, mobileKey, gpsPrefix, mobilePrefix, gpsTable, mobileTable string) map[StreamType]StreamConfig {
	return map[StreamType]StreamConfig{
		StreamGPS: {
			RedisKey:       gpsKey,
			StagingPrefix:  gpsPrefix,
			WarehouseTable: gpsTable,
		},
		StreamMobile: {
			RedisKey:       mobileKey,
			StagingPrefix:  mobilePrefix,
			WarehouseTable: mobileTable,
		},
	}
}

func (s StreamType) String() string { return string(s) }

// ErrUnknownStream is returned when a caller passes a StreamType outside
// {gps, mobile}.
func ErrUnknownStream(s StreamType) error {
	return fmt.Errorf("unknown stream type %q", s)
}
