package warehouse

import (
	"context"
	"fmt"

	"cloud.google.com/go/bigquery"
	"golang.org/x/time/rate"
	"google.golang.org/api/option"

	"github.com/yungbote/telemetry-stager/internal/model"
	"github.com/yungbote/telemetry-stager/internal/pkg/logger"
)

// defaultRequestsPerSecond bounds outbound BigQuery job submit/poll calls
// when BigQueryConfig leaves RequestsPerSecond unset.
const defaultRequestsPerSecond = 10

// BigQueryClient implements Client against a real BigQuery dataset, load
// jobs keyed by staged-object URI. Grounded on original_source's one
// surviving identifying fact — the project name
// "gps-mumlima-bigquery-service" — which is the strongest signal this
// spec's warehouse sink is BigQuery rather than a generic SQL warehouse.
type BigQueryClient struct {
	client    *bigquery.Client
	datasetID string
	bucket    string
	tables    map[model.StreamType]string
	log       *logger.Logger
	limiter   *rate.Limiter
}

type BigQueryConfig struct {
	ProjectID string
	Dataset   string
	Bucket    string // backs the gs:// URI the loader is pointed at
	GPSTable  string
	MobileTable string
	// EmulatorHost, when set, routes the client at a local BigQuery-
	// compatible emulator instead of the real service (mirrors
	// internal/objectstore's emulator-mode switch).
	EmulatorHost string
	// RequestsPerSecond caps outbound job submit/poll calls. Zero falls
	// back to defaultRequestsPerSecond.
	RequestsPerSecond float64
}

func NewBigQueryClient(ctx context.Context, cfg BigQueryConfig, log *logger.Logger) (*BigQueryClient, error) {
	var opts []option.ClientOption
	if cfg.EmulatorHost != "" {
		opts = append(opts, option.WithEndpoint(cfg.EmulatorHost), option.WithoutAuthentication())
	}
	client, err := bigquery.NewClient(ctx, cfg.ProjectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("init bigquery client: %w", err)
	}
	rps := cfg.RequestsPerSecond
	if rps <= 0 {
		rps = defaultRequestsPerSecond
	}
	return &BigQueryClient{
		client:    client,
		datasetID: cfg.Dataset,
		bucket:    cfg.Bucket,
		tables: map[model.StreamType]string{
			model.StreamGPS:    cfg.GPSTable,
			model.StreamMobile: cfg.MobileTable,
		},
		log:     log.With("component", "bigquery_client"),
		limiter: rate.NewLimiter(rate.Limit(rps), int(rps)),
	}, nil
}

func (c *BigQueryClient) Close() error { return c.client.Close() }

// SubmitJob implements Client.SubmitJob: a newline-delimited-JSON load job
// from the staged object's gs:// URI into the stream's table, with the
// job id derived from the processing id ("stage-<processingId>").
func (c *BigQueryClient) SubmitJob(ctx context.Context, req LoadRequest) (string, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return "", err
	}
	table, ok := c.tables[req.StreamType]
	if !ok || table == "" {
		return "", fmt.Errorf("no warehouse table configured for stream %q", req.StreamType)
	}

	uri := fmt.Sprintf("gs://%s/%s", c.bucket, req.StagedObjectKey)
	ref := bigquery.NewGCSReference(uri)
	ref.SourceFormat = bigquery.JSON

	loader := c.client.Dataset(c.datasetID).Table(table).LoaderFrom(ref)
	loader.WriteDisposition = bigquery.WriteAppend
	loader.JobIDConfig = bigquery.JobIDConfig{
		JobID:          "stage-" + req.ProcessingID,
		AddJobIDSuffix: false,
	}

	job, err := loader.Run(ctx)
	if err != nil {
		return "", err
	}
	return job.ID(), nil
}

// PollJob implements Client.PollJob by fetching the job's current status.
// The caller (Loader.poll) re-invokes this on an interval; BigQuery jobs
// are themselves async, so one call here is one status check, not a
// blocking wait.
func (c *BigQueryClient) PollJob(ctx context.Context, jobID string) (PollResult, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return PollResult{}, err
	}
	job, err := c.client.JobFromID(ctx, jobID)
	if err != nil {
		return PollResult{}, err
	}
	status, err := job.Status(ctx)
	if err != nil {
		return PollResult{}, err
	}
	if status.Done() {
		if status.Err() != nil {
			return PollResult{Status: JobStatusFailed, FailureKind: classifyBigQueryError(status.Err()), FailureDetail: status.Err().Error()}, nil
		}
		loaded := 0
		if qstats, ok := status.Statistics.Details.(*bigquery.LoadStatistics); ok {
			loaded = int(qstats.OutputRows)
		}
		return PollResult{Status: JobStatusSucceeded, RecordsLoaded: loaded}, nil
	}
	return PollResult{Status: JobStatusRunning}, nil
}

// classifyBigQueryError maps a BigQuery job error onto spec §4.B's closed
// failure-kind vocabulary.
func classifyBigQueryError(err error) FailureKind {
	if apiErr, ok := err.(*bigquery.Error); ok {
		switch {
		case apiErr.Reason == "invalid" || apiErr.Reason == "notFound":
			return FailureSchema
		case apiErr.Reason == "quotaExceeded" || apiErr.Reason == "rateLimitExceeded":
			return FailureQuota
		}
	}
	return FailureTransientJob
}

var _ Client = (*BigQueryClient)(nil)
