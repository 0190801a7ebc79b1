package e2e

import (
	"context"
	"fmt"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
)

// InfluxClient reads back what the service's influx sink wrote.
type InfluxClient struct {
	org    string
	bucket string
	client influxdb2.Client
	query  api.QueryAPI
}

// NewInfluxClient creates a client for a running InfluxDB instance.
func NewInfluxClient(url, org, bucket, token string) *InfluxClient {
	c := influxdb2.NewClient(url, token)
	return &InfluxClient{org: org, bucket: bucket, client: c, query: c.QueryAPI(org)}
}

// CountPoints counts the records of a measurement written in the last window
// whose tag equals value.
func (c *InfluxClient) CountPoints(ctx context.Context, measurement, tag, value, window string) (int, error) {
	flux := fmt.Sprintf(`from(bucket:%q) |> range(start:-%s) |> filter(fn:(r) => r._measurement == %q and r[%q] == %q)`,
		c.bucket, window, measurement, tag, value)
	res, err := c.query.Query(ctx, flux)
	if err != nil {
		return 0, err
	}
	defer res.Close()
	n := 0
	for res.Next() {
		n++
	}
	return n, res.Err()
}

// Close releases the underlying client resources.
func (c *InfluxClient) Close() { c.client.Close() }
