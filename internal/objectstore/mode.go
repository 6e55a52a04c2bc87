package objectstore

import (
	"fmt"
	"net/url"
	"os"
	"strings"
)

// Mode selects how the GCS adapter talks to its backend. Grounded on the
// teacher's gcp/storage_mode.go ObjectStorageMode, narrowed to the two
// modes this pipeline needs (no "compatibility fallback" concept — the
// pipeline's own Simulation flag in internal/config covers the
// no-backend-at-all case instead).
type Mode string

const (
	ModeGCS         Mode = "gcs"
	ModeGCSEmulator Mode = "gcs_emulator"
)

// Config configures the GCS adapter's connection mode.
type Config struct {
	Mode         Mode
	EmulatorHost string
	Bucket       string
	GPSPrefix    string
	MobilePrefix string
	PublicBaseURL string

	// RequestsPerSecond caps outbound GCS calls so a large drain can't
	// burst past the bucket's own quota. Zero falls back to
	// defaultRequestsPerSecond in gcs.go.
	RequestsPerSecond float64
}

type ConfigErrorCode string

const (
	ErrInvalidMode         ConfigErrorCode = "invalid_mode"
	ErrMissingEmulatorHost ConfigErrorCode = "missing_emulator_host"
	ErrInvalidEmulatorHost ConfigErrorCode = "invalid_emulator_host"
	ErrMissingBucket       ConfigErrorCode = "missing_bucket"
)

type ConfigError struct {
	Code ConfigErrorCode
	Mode string
	Host string
}

func (e *ConfigError) Error() string {
	switch e.Code {
	case ErrInvalidMode:
		return fmt.Sprintf("invalid object store mode %q (allowed: %q, %q)", e.Mode, ModeGCS, ModeGCSEmulator)
	case ErrMissingEmulatorHost:
		return fmt.Sprintf("mode %q requires an emulator host", ModeGCSEmulator)
	case ErrInvalidEmulatorHost:
		return fmt.Sprintf("invalid emulator host %q", e.Host)
	case ErrMissingBucket:
		return "staging bucket name is required"
	default:
		return "invalid object store config"
	}
}

// ResolveMode mirrors the teacher's env-driven resolution: an explicit
// OBJECT_STORE_MODE wins, otherwise a present emulator host implies
// emulator mode, otherwise real GCS.
func ResolveMode() (Mode, string) {
	emulatorHost := strings.TrimSpace(os.Getenv("STORAGE_EMULATOR_HOST"))
	raw := strings.TrimSpace(os.Getenv("OBJECT_STORE_MODE"))
	switch Mode(strings.ToLower(raw)) {
	case ModeGCS:
		return ModeGCS, emulatorHost
	case ModeGCSEmulator:
		return ModeGCSEmulator, emulatorHost
	case "":
		if emulatorHost != "" {
			return ModeGCSEmulator, emulatorHost
		}
		return ModeGCS, emulatorHost
	default:
		return Mode(raw), emulatorHost
	}
}

func Validate(cfg Config) error {
	switch cfg.Mode {
	case ModeGCS, ModeGCSEmulator:
	default:
		return &ConfigError{Code: ErrInvalidMode, Mode: string(cfg.Mode)}
	}
	if strings.TrimSpace(cfg.Bucket) == "" {
		return &ConfigError{Code: ErrMissingBucket}
	}
	if cfg.Mode != ModeGCSEmulator {
		return nil
	}
	if cfg.EmulatorHost == "" {
		return &ConfigError{Code: ErrMissingEmulatorHost, Mode: string(cfg.Mode)}
	}
	u, err := url.Parse(cfg.EmulatorHost)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return &ConfigError{Code: ErrInvalidEmulatorHost, Mode: string(cfg.Mode), Host: cfg.EmulatorHost}
	}
	return nil
}
