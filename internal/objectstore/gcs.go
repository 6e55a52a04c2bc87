package objectstore

import (
	"context"
	"errors"
	"fmt"
	"hash/crc32"
	"os"
	"strconv"
	"time"

	"cloud.google.com/go/storage"
	"golang.org/x/time/rate"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"github.com/yungbote/telemetry-stager/internal/model"
	"github.com/yungbote/telemetry-stager/internal/pkg/logger"
)

// defaultRequestsPerSecond bounds outbound GCS calls when Config leaves
// RequestsPerSecond unset.
const defaultRequestsPerSecond = 50

// GCSAdapter is the production Adapter, backed by cloud.google.com/go/storage.
// Grounded on the teacher's gcp.bucketService: one storage.Client, bucket
// resolved per call, emulator mode switched via STORAGE_EMULATOR_HOST.
type GCSAdapter struct {
	client  *storage.Client
	cfg     Config
	log     *logger.Logger
	limiter *rate.Limiter
}

// NewGCSAdapter builds the adapter's underlying storage.Client the way the
// teacher's newStorageClientForMode does: emulator mode disables auth and
// points the SDK at the emulator host env var, real GCS mode uses
// application-default credentials with read/write scope.
func NewGCSAdapter(ctx context.Context, cfg Config, log *logger.Logger) (*GCSAdapter, error) {
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	var opts []option.ClientOption
	switch cfg.Mode {
	case ModeGCSEmulator:
		if err := os.Setenv("STORAGE_EMULATOR_HOST", cfg.EmulatorHost); err != nil {
			return nil, fmt.Errorf("set emulator host: %w", err)
		}
		opts = append(opts, option.WithoutAuthentication())
	case ModeGCS:
		opts = append(opts, option.WithScopes(storage.ScopeReadWrite))
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("new storage client: %w", err)
	}
	rps := cfg.RequestsPerSecond
	if rps <= 0 {
		rps = defaultRequestsPerSecond
	}
	return &GCSAdapter{
		client:  client,
		cfg:     cfg,
		log:     log.With("component", "objectstore.gcs"),
		limiter: rate.NewLimiter(rate.Limit(rps), int(rps)),
	}, nil
}

func (a *GCSAdapter) Close() error { return a.client.Close() }

func prefixFor(cfg Config, streamType model.StreamType) string {
	if streamType == model.StreamMobile {
		return cfg.MobilePrefix
	}
	return cfg.GPSPrefix
}

// Upload writes records (already newline-delimited JSON, one record per
// line — spec §3's staging object shape) under the stream's deterministic
// key. Idempotent: if the key already exists with a matching checksum the
// write is skipped and AlreadyExisted is reported, per spec §4.F's
// at-least-once / dedup-on-replay contract.
func (a *GCSAdapter) Upload(ctx context.Context, streamType model.StreamType, processingID string, records []byte, meta UploadMetadata) (UploadResult, error) {
	if err := a.limiter.Wait(ctx); err != nil {
		return UploadResult{}, classify(err)
	}
	prefix := prefixFor(a.cfg, streamType)
	key := model.StageKey(prefix, processingID, meta.ExtractedAt)

	if attrs, err := a.client.Bucket(a.cfg.Bucket).Object(key).Attrs(ctx); err == nil {
		if cs, ok := attrs.Metadata["checksum"]; ok {
			if existing, convErr := strconv.ParseUint(cs, 10, 32); convErr == nil && uint32(existing) == crc32.ChecksumIEEE(records) {
				return UploadResult{Key: key, Size: attrs.Size, AlreadyExisted: true}, nil
			}
		}
	} else if !errors.Is(err, storage.ErrObjectNotExist) {
		return UploadResult{}, classify(err)
	}

	wctx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()

	obj := a.client.Bucket(a.cfg.Bucket).Object(key)
	w := obj.NewWriter(wctx)
	w.ContentType = "application/x-ndjson"
	w.Metadata = map[string]string{
		"streamType":   string(streamType),
		"recordCount":  strconv.Itoa(meta.RecordCount),
		"source":       string(meta.Source),
		"processingId": processingID,
		"checksum":     strconv.FormatUint(uint64(crc32.ChecksumIEEE(records)), 10),
	}
	if meta.BackupID != "" {
		w.Metadata["backupId"] = meta.BackupID
	}

	if _, err := w.Write(records); err != nil {
		_ = w.Close()
		return UploadResult{}, classify(err)
	}
	if err := w.Close(); err != nil {
		return UploadResult{}, classify(err)
	}

	return UploadResult{Key: key, Size: int64(len(records))}, nil
}

func (a *GCSAdapter) List(ctx context.Context, prefix string, filter ListFilter) ([]ObjectRef, error) {
	if err := a.limiter.Wait(ctx); err != nil {
		return nil, classify(err)
	}
	lctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	it := a.client.Bucket(a.cfg.Bucket).Objects(lctx, &storage.Query{Prefix: prefix})
	var out []ObjectRef
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, classify(err)
		}
		if !filter.OlderThan.IsZero() && attrs.Updated.After(filter.OlderThan) {
			continue
		}
		count, _ := strconv.Atoi(attrs.Metadata["recordCount"])
		out = append(out, ObjectRef{
			Key:          attrs.Name,
			Size:         attrs.Size,
			UpdatedAt:    attrs.Updated,
			StreamType:   model.StreamType(attrs.Metadata["streamType"]),
			RecordCount:  count,
			Source:       model.StagedObjectSource(attrs.Metadata["source"]),
			ProcessingID: attrs.Metadata["processingId"],
			BackupID:     attrs.Metadata["backupId"],
		})
	}
	return out, nil
}

func (a *GCSAdapter) Delete(ctx context.Context, key string) error {
	if err := a.limiter.Wait(ctx); err != nil {
		return classify(err)
	}
	dctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := a.client.Bucket(a.cfg.Bucket).Object(key).Delete(dctx); err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil
		}
		return classify(err)
	}
	return nil
}

func (a *GCSAdapter) Exists(ctx context.Context, key string) (bool, error) {
	if err := a.limiter.Wait(ctx); err != nil {
		return false, classify(err)
	}
	ectx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	_, err := a.client.Bucket(a.cfg.Bucket).Object(key).Attrs(ectx)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, storage.ErrObjectNotExist) {
		return false, nil
	}
	return false, classify(err)
}

// classify maps a GCS/transport error to spec §4.A's transient/permanent
// split: rate limiting, timeouts, and 5xx are transient, auth and
// malformed-request errors are permanent.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.Code == 401 || apiErr.Code == 403 || apiErr.Code == 400:
			return &Error{Class: FailurePermanent, Err: err}
		case apiErr.Code == 429 || apiErr.Code >= 500:
			return &Error{Class: FailureTransient, Err: err}
		}
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return &Error{Class: FailureTransient, Err: err}
	}
	return &Error{Class: FailurePermanent, Err: err}
}
