package telemetry

import (
	"encoding/json"
	"fmt"
)

// validateBounds applies spec §4.D's numeric bounds. Heading is excluded
// here because normalizeHeading already wraps it into [0, 360) before this
// runs, so it can never be out of bounds by the time we get here.
func validateBounds(rec GPSRecord) (RejectReason, string) {
	if rec.Lat < -90 || rec.Lat > 90 {
		return ReasonOutOfBounds, fmt.Sprintf("lat %v out of [-90,90]", rec.Lat)
	}
	if rec.Lng < -180 || rec.Lng > 180 {
		return ReasonOutOfBounds, fmt.Sprintf("lng %v out of [-180,180]", rec.Lng)
	}
	if rec.Speed != nil && (*rec.Speed < 0 || *rec.Speed > 500) {
		return ReasonOutOfBounds, fmt.Sprintf("speed %v out of [0,500]", *rec.Speed)
	}
	if rec.Altitude != nil && (*rec.Altitude < -500 || *rec.Altitude > 10000) {
		return ReasonOutOfBounds, fmt.Sprintf("altitude %v out of [-500,10000]", *rec.Altitude)
	}
	return "", ""
}

// ValidateGPS re-checks an already-separated slice of GPS records against
// the numeric bounds without re-running separation. Nothing in this module
// calls it or ValidateMobile; the pipeline validates through Separate.
func ValidateGPS(records []GPSRecord) (valid []GPSRecord, invalid []Invalid) {
	for _, r := range records {
		if reason, detail := validateBounds(r); reason != "" {
			raw, _ := json.Marshal(r)
			invalid = append(invalid, Invalid{Raw: raw, Reason: reason, Detail: detail})
			continue
		}
		valid = append(valid, r)
	}
	return valid, invalid
}

func ValidateMobile(records []MobileRecord) (valid []MobileRecord, invalid []Invalid) {
	for _, r := range records {
		if reason, detail := validateBounds(r.GPSRecord); reason != "" {
			raw, _ := json.Marshal(r)
			invalid = append(invalid, Invalid{Raw: raw, Reason: reason, Detail: detail})
			continue
		}
		if !emailPattern.MatchString(r.Email) {
			raw, _ := json.Marshal(r)
			invalid = append(invalid, Invalid{Raw: raw, Reason: ReasonInvalidEmail, Detail: "email does not match local@domain form"})
			continue
		}
		valid = append(valid, r)
	}
	return valid, invalid
}
