// Package telemetry implements the separator and validator of spec §4.D:
// splitting a mixed raw batch into GPS vs Mobile records, normalizing
// field aliases, and rejecting malformed records with a reason code.
// Grounded on spec §9's "Dynamic data shapes" guidance — raw Redis
// payloads are free-form JSON, discriminated structurally and represented
// as a tagged variant.
package telemetry

// GPSRecord is one vehicle GPS point, post-normalization (spec §4.D).
type GPSRecord struct {
	RecordID  string   `json:"recordId"`
	DeviceID  string   `json:"deviceId"`
	Lat       float64  `json:"lat"`
	Lng       float64  `json:"lng"`
	Timestamp int64    `json:"timestamp"`
	Speed     *float64 `json:"speed,omitempty"`
	Heading   *float64 `json:"heading,omitempty"`
	Altitude  *float64 `json:"altitude,omitempty"`
	Accuracy  *float64 `json:"accuracy,omitempty"`
}

// MobileRecord is one mobile-user point, post-normalization (spec §4.D).
type MobileRecord struct {
	GPSRecord
	UserID string `json:"userId"`
	Name   string `json:"name"`
	Email  string `json:"email"`
}

// RejectReason is the closed set of reasons a raw record is dropped from
// the forward pipeline (spec §4.D "collected separately with a reason
// code").
type RejectReason string

const (
	ReasonNotObject       RejectReason = "not_object"
	ReasonMissingFields   RejectReason = "missing_required_fields"
	ReasonOutOfBounds     RejectReason = "out_of_bounds"
	ReasonInvalidEmail    RejectReason = "invalid_email"
	ReasonNameTooLong     RejectReason = "name_too_long"
)

// Invalid is one record that failed separation or validation, retained
// for statistics (spec §4.D) but dropped from the forward pipeline.
type Invalid struct {
	Raw    []byte
	Reason RejectReason
	Detail string
}

// Stats summarizes one separate() call (spec §4.D).
type Stats struct {
	TotalRecords   int
	GPSCount       int
	MobileCount    int
	InvalidCount   int
}
