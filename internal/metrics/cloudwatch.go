package metrics

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
)

// maxDatumsPerPut is the PutMetricData batch limit.
const maxDatumsPerPut = 1000

// metricPutter is the subset of the CloudWatch client used by the sink.
type metricPutter interface {
	PutMetricData(ctx context.Context, params *cloudwatch.PutMetricDataInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error)
}

type point struct {
	name string
	dims []string
}

// CloudWatch aggregates increments and publishes them with PutMetricData on
// every flush.
type CloudWatch struct {
	client    metricPutter
	namespace string
	interval  time.Duration
	log       *slog.Logger

	mu      sync.Mutex
	pending map[string]int64
	points  map[string]point
}

var _ Sink = (*CloudWatch)(nil)

// NewCloudWatch loads the default AWS configuration for region (falling
// back to AWS_REGION) and returns a sink publishing under namespace.
func NewCloudWatch(ctx context.Context, region, namespace string, interval time.Duration, log *slog.Logger) (*CloudWatch, error) {
	if region == "" {
		region = os.Getenv("AWS_REGION")
	}
	opts := []func(*config.LoadOptions) error{}
	if region != "" {
		opts = append(opts, config.WithRegion(region))
	}
	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, err
	}
	return newCloudWatch(cloudwatch.NewFromConfig(cfg), namespace, interval, log), nil
}

func newCloudWatch(client metricPutter, namespace string, interval time.Duration, log *slog.Logger) *CloudWatch {
	if interval <= 0 {
		interval = time.Minute
	}
	if log == nil {
		log = slog.Default()
	}
	return &CloudWatch{
		client:    client,
		namespace: namespace,
		interval:  interval,
		log:       log.With("component", "cloudwatch"),
		pending:   make(map[string]int64),
		points:    make(map[string]point),
	}
}

// Incr accumulates delta until the next flush.
func (c *CloudWatch) Incr(name string, delta int64, dims ...string) {
	key := Key(name, dims...)
	c.mu.Lock()
	c.pending[key] += delta
	if _, ok := c.points[key]; !ok {
		c.points[key] = point{name: name, dims: append([]string(nil), dims...)}
	}
	c.mu.Unlock()
}

// Run flushes every interval until ctx is cancelled, then flushes once more.
func (c *CloudWatch) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			c.Flush(flushCtx)
			cancel()
			return nil
		case <-ticker.C:
			c.Flush(ctx)
		}
	}
}

// Flush publishes and clears the accumulated counters. Failures are logged
// and the batch is dropped.
func (c *CloudWatch) Flush(ctx context.Context) {
	now := time.Now()
	c.mu.Lock()
	data := make([]cwtypes.MetricDatum, 0, len(c.pending))
	for key, v := range c.pending {
		p := c.points[key]
		dims := make([]cwtypes.Dimension, 0, len(p.dims)/2)
		for i := 0; i+1 < len(p.dims); i += 2 {
			dims = append(dims, cwtypes.Dimension{Name: aws.String(p.dims[i]), Value: aws.String(p.dims[i+1])})
		}
		data = append(data, cwtypes.MetricDatum{
			MetricName: aws.String(p.name),
			Dimensions: dims,
			Unit:       cwtypes.StandardUnitCount,
			Value:      aws.Float64(float64(v)),
			Timestamp:  aws.Time(now),
		})
	}
	c.pending = make(map[string]int64)
	c.mu.Unlock()

	for start := 0; start < len(data); start += maxDatumsPerPut {
		end := min(start+maxDatumsPerPut, len(data))
		if _, err := c.client.PutMetricData(ctx, &cloudwatch.PutMetricDataInput{
			Namespace:  aws.String(c.namespace),
			MetricData: data[start:end],
		}); err != nil {
			c.log.Warn("failed to publish CloudWatch metrics", "error", err, "count", end-start)
		}
	}
}
