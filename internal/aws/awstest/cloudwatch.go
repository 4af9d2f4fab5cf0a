package awstest

import (
	"context"
	"sync"

	sdkaws "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
)

// CloudWatch records metric names pushed through PutMetricData.
type CloudWatch struct {
	mu      sync.Mutex
	metrics []string
}

func (c *CloudWatch) PutMetricData(ctx context.Context, params *cloudwatch.PutMetricDataInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, d := range params.MetricData {
		c.metrics = append(c.metrics, sdkaws.ToString(d.MetricName))
	}
	return &cloudwatch.PutMetricDataOutput{}, nil
}

// Metrics returns the recorded metric names in order.
func (c *CloudWatch) Metrics() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.metrics...)
}
