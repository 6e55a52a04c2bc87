package telemetry

import (
	"encoding/json"
	"fmt"
	"regexp"
	"time"

	"github.com/yungbote/telemetry-stager/internal/model"
)

// Separated is separate()'s return value (spec §4.D).
type Separated struct {
	GPS     []GPSRecord
	Mobile  []MobileRecord
	Invalid []Invalid
	Stats   Stats
}

var emailPattern = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`)

// Separate splits a mixed raw batch by shape: a record with userId present
// is Mobile (invalid if it lacks a Mobile required field), otherwise GPS if
// the GPS required fields are present, otherwise invalid (spec §4.D, §9
// "Dynamic data shapes").
func Separate(streamHint model.StreamType, rawBatch []json.RawMessage, now time.Time) Separated {
	out := Separated{Stats: Stats{TotalRecords: len(rawBatch)}}
	for i, raw := range rawBatch {
		var fields map[string]any
		if err := json.Unmarshal(raw, &fields); err != nil {
			out.Invalid = append(out.Invalid, Invalid{Raw: raw, Reason: ReasonNotObject, Detail: err.Error()})
			out.Stats.InvalidCount++
			continue
		}
		fields = normalizeFields(fields)

		if _, hasUser := fields["userId"]; hasUser {
			rec, reason, detail := parseMobile(fields, i, now)
			if reason != "" {
				out.Invalid = append(out.Invalid, Invalid{Raw: raw, Reason: reason, Detail: detail})
				out.Stats.InvalidCount++
				continue
			}
			out.Mobile = append(out.Mobile, rec)
			out.Stats.MobileCount++
			continue
		}

		rec, reason, detail := parseGPS(fields, i, now)
		if reason != "" {
			out.Invalid = append(out.Invalid, Invalid{Raw: raw, Reason: reason, Detail: detail})
			out.Stats.InvalidCount++
			continue
		}
		out.GPS = append(out.GPS, rec)
		out.Stats.GPSCount++
	}
	return out
}

func parseGPS(fields map[string]any, index int, now time.Time) (GPSRecord, RejectReason, string) {
	deviceID, ok := fields["deviceId"].(string)
	if !ok || deviceID == "" {
		return GPSRecord{}, ReasonMissingFields, "missing deviceId"
	}
	lat, ok := asFloat(fields["lat"])
	if !ok {
		return GPSRecord{}, ReasonMissingFields, "missing lat"
	}
	lng, ok := asFloat(fields["lng"])
	if !ok {
		return GPSRecord{}, ReasonMissingFields, "missing lng"
	}
	ts, ok := asInt64(fields["timestamp"])
	if !ok {
		return GPSRecord{}, ReasonMissingFields, "missing timestamp"
	}

	rec := GPSRecord{
		DeviceID:  deviceID,
		Lat:       lat,
		Lng:       lng,
		Timestamp: ts,
	}
	if v, ok := asFloat(fields["speed"]); ok {
		rec.Speed = &v
	}
	if v, ok := asFloat(fields["heading"]); ok {
		h := normalizeHeading(v)
		rec.Heading = &h
	}
	if v, ok := asFloat(fields["altitude"]); ok {
		rec.Altitude = &v
	}
	if v, ok := asFloat(fields["accuracy"]); ok {
		rec.Accuracy = &v
	}

	if reason, detail := validateBounds(rec); reason != "" {
		return GPSRecord{}, reason, detail
	}

	rec.RecordID = RecordID(model.StreamGPS, deviceID, ts, index)
	return rec, "", ""
}

func parseMobile(fields map[string]any, index int, now time.Time) (MobileRecord, RejectReason, string) {
	gps, reason, detail := parseGPS(fields, index, now)
	if reason != "" {
		return MobileRecord{}, reason, detail
	}
	userID, ok := fields["userId"].(string)
	if !ok || userID == "" {
		return MobileRecord{}, ReasonMissingFields, "missing userId"
	}
	name, ok := fields["name"].(string)
	if !ok || name == "" {
		return MobileRecord{}, ReasonMissingFields, "missing name"
	}
	if len(name) > 100 {
		return MobileRecord{}, ReasonNameTooLong, fmt.Sprintf("name length %d exceeds 100", len(name))
	}
	email, ok := fields["email"].(string)
	if !ok || email == "" {
		return MobileRecord{}, ReasonMissingFields, "missing email"
	}
	if !emailPattern.MatchString(email) {
		return MobileRecord{}, ReasonInvalidEmail, "email does not match local@domain form"
	}

	rec := MobileRecord{GPSRecord: gps, UserID: userID, Name: name, Email: email}
	rec.RecordID = RecordID(model.StreamMobile, userID, gps.Timestamp, index)
	return rec, "", ""
}

// RecordID builds the stable id spec §4.D mandates:
// <type>_<deviceId|userId>_<epoch_ms>_<index>.
func RecordID(streamType model.StreamType, entityID string, epochMS int64, index int) string {
	return fmt.Sprintf("%s_%s_%d_%d", streamType, entityID, epochMS, index)
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

func asInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case float64:
		return int64(n), true
	case json.Number:
		i, err := n.Int64()
		return i, err == nil
	default:
		return 0, false
	}
}
