// Package telemetry exports transport datapath counters over OTLP.
package telemetry

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// Metrics holds the datapath instruments for one endpoint process.
type Metrics struct {
	provider *sdkmetric.MeterProvider
	meter    metric.Meter

	txDatagrams metric.Int64Counter
	rxDatagrams metric.Int64Counter
	postedRecvs metric.Int64Counter

	burstSize metric.Float64Histogram
}

// NewMetrics connects an OTLP gRPC exporter to collectorAddr and builds the
// instruments. collectorAddr accepts grpc:// and grpcs:// schemes, or a bare
// host:port which defaults to insecure gRPC.
func NewMetrics(ctx context.Context, instanceID, collectorAddr string) (*Metrics, error) {
	parsedURL, err := url.Parse(collectorAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to parse otel-collector-addr '%s': %w", collectorAddr, err)
	}

	endpoint := parsedURL.Host
	if endpoint == "" {
		// Schemeless addresses like "localhost:4317" parse into Opaque or Path.
		switch {
		case parsedURL.Opaque != "":
			endpoint = parsedURL.Scheme + ":" + parsedURL.Opaque
			parsedURL.Scheme = ""
		case parsedURL.Path != "":
			endpoint = parsedURL.Path
		default:
			return nil, fmt.Errorf("otel-collector-addr '%s' is missing a host", collectorAddr)
		}
	}
	if parsedURL.Scheme == "" {
		parsedURL.Scheme = "grpc"
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName("fabrpc"),
			semconv.ServiceInstanceID(instanceID),
		),
	)
	if err != nil {
		return nil, err
	}

	var exporter sdkmetric.Exporter
	switch strings.ToLower(parsedURL.Scheme) {
	case "grpc":
		exporter, err = otlpmetricgrpc.New(ctx,
			otlpmetricgrpc.WithEndpoint(endpoint),
			otlpmetricgrpc.WithInsecure(),
		)
	case "grpcs":
		exporter, err = otlpmetricgrpc.New(ctx,
			otlpmetricgrpc.WithEndpoint(endpoint),
		)
	default:
		return nil, fmt.Errorf("unsupported OTLP scheme '%s' in %s, use 'grpc' or 'grpcs'",
			parsedURL.Scheme, collectorAddr)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP exporter (%s): %w", endpoint, err)
	}

	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(
			sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(10*time.Second)),
		),
	)
	otel.SetMeterProvider(provider)

	meter := provider.Meter("github.com/fabrpc/fabrpc")

	m := &Metrics{provider: provider, meter: meter}

	m.txDatagrams, err = meter.Int64Counter(
		"fabrpc.tx_datagrams",
		metric.WithDescription("Datagrams posted to the send queue"),
		metric.WithUnit("{datagram}"),
	)
	if err != nil {
		return nil, err
	}

	m.rxDatagrams, err = meter.Int64Counter(
		"fabrpc.rx_datagrams",
		metric.WithDescription("Datagrams drained from the receive completion queue"),
		metric.WithUnit("{datagram}"),
	)
	if err != nil {
		return nil, err
	}

	m.postedRecvs, err = meter.Int64Counter(
		"fabrpc.posted_recvs",
		metric.WithDescription("Receive descriptors returned to the hardware"),
		metric.WithUnit("{descriptor}"),
	)
	if err != nil {
		return nil, err
	}

	m.burstSize, err = meter.Float64Histogram(
		"fabrpc.burst_size",
		metric.WithDescription("Datagrams per send burst"),
		metric.WithUnit("{datagram}"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

// RecordTxBurst records a send burst of n datagrams.
func (m *Metrics) RecordTxBurst(ctx context.Context, n int) {
	m.txDatagrams.Add(ctx, int64(n))
	m.burstSize.Record(ctx, float64(n))
}

// RecordRxBurst records n received datagrams.
func (m *Metrics) RecordRxBurst(ctx context.Context, n int) {
	m.rxDatagrams.Add(ctx, int64(n))
}

// RecordPostedRecvs records n re-posted receive descriptors.
func (m *Metrics) RecordPostedRecvs(ctx context.Context, n int) {
	m.postedRecvs.Add(ctx, int64(n))
}

// Shutdown flushes pending exports and stops the provider.
func (m *Metrics) Shutdown(ctx context.Context) error {
	if m.provider == nil {
		return nil
	}
	return m.provider.Shutdown(ctx)
}
