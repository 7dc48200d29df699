package aws

import (
	"context"
	"log"
	"time"

	sdkaws "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
)

// Metric names published by the service.
const (
	MetricWebhookRejected = "WebhookRejected"
	MetricSignalApplied   = "SignalApplied"
	MetricSignalDuplicate = "SignalDuplicate"
	MetricSweepRecovered  = "SweepRecovered"
	MetricSweepAbandoned  = "SweepAbandoned"
)

// Metrics publishes counters to CloudWatch. A nil *Metrics, or one without a
// client or namespace, drops every call.
type Metrics struct {
	client    CloudWatchAPI
	namespace string
	nowFunc   func() time.Time
}

// NewMetrics returns a Metrics publishing under namespace.
func NewMetrics(client CloudWatchAPI, namespace string) *Metrics {
	return &Metrics{
		client:    client,
		namespace: namespace,
		nowFunc:   time.Now,
	}
}

// Incr adds one to the named counter. Failures are logged and swallowed;
// metrics never fail a request.
func (m *Metrics) Incr(ctx context.Context, name string, dims map[string]string) {
	if m == nil || m.client == nil || m.namespace == "" {
		return
	}
	datum := cwtypes.MetricDatum{
		MetricName: sdkaws.String(name),
		Timestamp:  sdkaws.Time(m.nowFunc()),
		Unit:       cwtypes.StandardUnitCount,
		Value:      sdkaws.Float64(1),
	}
	for k, v := range dims {
		datum.Dimensions = append(datum.Dimensions, cwtypes.Dimension{
			Name:  sdkaws.String(k),
			Value: sdkaws.String(v),
		})
	}
	_, err := m.client.PutMetricData(ctx, &cloudwatch.PutMetricDataInput{
		Namespace:  sdkaws.String(m.namespace),
		MetricData: []cwtypes.MetricDatum{datum},
	})
	if err != nil {
		log.Printf("[metrics] put %s failed: %v", name, err)
	}
}
