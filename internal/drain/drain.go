// Package drain implements the atomic Redis drainer of spec §4.C: read a
// list and clear it as one logical step so producers pushing between the
// read and the delete are never lost (invariant P2).
package drain

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/yungbote/telemetry-stager/internal/model"
	"github.com/yungbote/telemetry-stager/internal/pkg/logger"
	"github.com/yungbote/telemetry-stager/internal/pkgerr"
)

// atomicDrainScript realizes spec §4.C's recommended server-side
// realization: read the whole list then delete the key, as one Lua
// script so the pair is atomic with respect to concurrent LPUSH/RPUSH.
const atomicDrainScript = `
local vals = redis.call("LRANGE", KEYS[1], 0, -1)
redis.call("DEL", KEYS[1])
return vals
`

// Result is what one drain() call reports (spec §4.C).
type Result struct {
	Records []json.RawMessage
	Cleared bool
}

// Drainer reads and clears one Redis list per call.
type Drainer struct {
	rdb *redis.Client
	log *logger.Logger
	// UseScript selects the Lua EVAL realization. When false, the RENAME
	// fallback from spec §4.C is used instead (for Redis deployments
	// without server-side scripting, e.g. some managed/proxy offerings).
	UseScript bool
	Timeout   time.Duration
}

func New(rdb *redis.Client, log *logger.Logger, useScript bool, timeout time.Duration) *Drainer {
	return &Drainer{rdb: rdb, log: log.With("component", "drain"), UseScript: useScript, Timeout: timeout}
}

// Drain reads and clears the list at key, reporting the records actually
// removed and whether the key was non-empty (spec §4.C return contract).
func (d *Drainer) Drain(ctx context.Context, key string) (Result, error) {
	ctx, cancel := context.WithTimeout(ctx, d.Timeout)
	defer cancel()

	var raw []interface{}
	var err error
	if d.UseScript {
		raw, err = d.drainViaScript(ctx, key)
	} else {
		raw, err = d.drainViaRename(ctx, key)
	}
	if err != nil {
		if ctx.Err() != nil {
			return Result{}, pkgerr.New(pkgerr.CodeCancelled, ctx.Err())
		}
		return Result{}, pkgerr.New(pkgerr.CodeRedisUnavailable, err)
	}

	records := make([]json.RawMessage, 0, len(raw))
	for _, v := range raw {
		s, ok := v.(string)
		if !ok {
			continue
		}
		records = append(records, json.RawMessage(s))
	}

	// Confirm the key was actually cleared, per spec §4.C: "then re-reads
	// size to confirm".
	n, lErr := d.rdb.LLen(ctx, key).Result()
	if lErr != nil {
		return Result{}, pkgerr.New(pkgerr.CodeRedisUnavailable, lErr)
	}
	if n != 0 {
		// Producers pushed after our DEL and before this LLEN — that is
		// expected and not a violation (spec P2 counts pushes concurrent
		// with the drain as surviving); it is only a violation if the
		// records WE read are still present. We cannot cheaply tell the
		// difference without a second LRANGE, so n > 0 is only logged as
		// informational and never treated as a violation.
		d.log.Debug("list repopulated concurrently with drain", "key", key, "remaining", n)
	}

	return Result{Records: records, Cleared: len(raw) > 0}, nil
}

func (d *Drainer) drainViaScript(ctx context.Context, key string) ([]interface{}, error) {
	res, err := d.rdb.Eval(ctx, atomicDrainScript, []string{key}).Result()
	if err != nil {
		return nil, err
	}
	arr, ok := res.([]interface{})
	if !ok {
		return nil, fmt.Errorf("unexpected drain script result type %T", res)
	}
	return arr, nil
}

// drainViaRename implements the fallback: RENAME K K:drain:<nonce>; read
// the renamed key; delete it. Producers targeting K see it empty during
// the window between RENAME and the next push re-creating K, which
// preserves the no-loss invariant the same way the script does.
func (d *Drainer) drainViaRename(ctx context.Context, key string) ([]interface{}, error) {
	shadow := fmt.Sprintf("%s:drain:%s", key, uuid.NewString())
	if err := d.rdb.Rename(ctx, key, shadow).Err(); err != nil {
		// RENAME of a missing key fails with "ERR no such key": the list
		// was empty, which is not an error for a drain.
		if err == redis.Nil || strings.Contains(err.Error(), "no such key") {
			return nil, nil
		}
		return nil, err
	}
	vals, err := d.rdb.LRange(ctx, shadow, 0, -1).Result()
	if err != nil {
		return nil, err
	}
	if err := d.rdb.Del(ctx, shadow).Err(); err != nil {
		return nil, err
	}
	out := make([]interface{}, len(vals))
	for i, v := range vals {
		out[i] = v
	}
	return out, nil
}

// DrainAllResult is drainAll()'s return value (spec §4.C).
type DrainAllResult struct {
	GPS     Result
	Mobile  Result
	Success bool
}

// DrainAll coordinates both streams GPS-before-Mobile, short-circuiting
// Mobile if GPS fails, per spec §4.C.
func (d *Drainer) DrainAll(ctx context.Context, keys map[model.StreamType]string) (DrainAllResult, error) {
	gps, err := d.Drain(ctx, keys[model.StreamGPS])
	if err != nil {
		return DrainAllResult{GPS: gps, Success: false}, err
	}
	mobile, err := d.Drain(ctx, keys[model.StreamMobile])
	if err != nil {
		return DrainAllResult{GPS: gps, Mobile: mobile, Success: false}, err
	}
	return DrainAllResult{GPS: gps, Mobile: mobile, Success: true}, nil
}

// NewProcessingID mints a unique id per cycle per stream, used to derive
// idempotent staging keys and warehouse job keys (spec §3 Batch,
// GLOSSARY "Processing id").
func NewProcessingID(stream model.StreamType) string {
	return fmt.Sprintf("%s_%s", stream, uuid.NewString())
}
