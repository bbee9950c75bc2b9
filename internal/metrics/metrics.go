// Copyright 2024 The disttest Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package metrics counts test and host outcomes of a run with OpenTelemetry.
package metrics

import (
	"context"
	"os"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"

	"github.com/ekmixon/glusterfs/errors"
	"github.com/ekmixon/glusterfs/internal/fleet"
)

// Exporter selects where counters are sent.
type Exporter string

const (
	// ExporterNone keeps counters in memory only.
	ExporterNone Exporter = "none"
	// ExporterStdout periodically prints counters to stdout.
	ExporterStdout Exporter = "stdout"
	// ExporterOTLP pushes counters to an OTLP/gRPC collector configured
	// through the OTEL_EXPORTER_OTLP_* environment variables.
	ExporterOTLP Exporter = "otlp"
)

// ParseExporter parses the value of the -metrics flag.
func ParseExporter(s string) (Exporter, error) {
	switch e := Exporter(s); e {
	case ExporterNone, ExporterStdout, ExporterOTLP:
		return e, nil
	case "":
		return ExporterNone, nil
	default:
		return "", errors.Errorf("unknown metrics exporter %q", s)
	}
}

const meterName = "github.com/ekmixon/glusterfs/disttest"

// Counters records run outcomes. It implements queue.Observer.
type Counters struct {
	passed         metric.Int64Counter
	failed         metric.Int64Counter
	attemptsFailed metric.Int64Counter
	requeued       metric.Int64Counter
	hostsLost      metric.Int64Counter
	hostsFaulty    metric.Int64Counter
}

// NewCounters creates counters on meter.
func NewCounters(meter metric.Meter) (*Counters, error) {
	c := &Counters{}
	for _, inst := range []struct {
		dst        *metric.Int64Counter
		name, desc string
	}{
		{&c.passed, "disttest.tests.passed", "Tests that passed"},
		{&c.failed, "disttest.tests.failed", "Tests that failed every attempt"},
		{&c.attemptsFailed, "disttest.tests.attempts_failed", "Failed test attempts"},
		{&c.requeued, "disttest.tests.requeued", "Tests requeued after losing their worker"},
		{&c.hostsLost, "disttest.hosts.lost", "Worker connections lost"},
		{&c.hostsFaulty, "disttest.hosts.faulty", "Hosts marked faulty after a setup failure"},
	} {
		ctr, err := meter.Int64Counter(inst.name, metric.WithDescription(inst.desc))
		if err != nil {
			return nil, errors.Wrapf(err, "failed to create counter %s", inst.name)
		}
		*inst.dst = ctr
	}
	return c, nil
}

// TestPassed records that a test passed.
func (c *Counters) TestPassed(ctx context.Context) { c.passed.Add(ctx, 1) }

// TestFailed records that a test failed for good.
func (c *Counters) TestFailed(ctx context.Context) { c.failed.Add(ctx, 1) }

// AttemptFailed records one failed attempt of a test.
func (c *Counters) AttemptFailed(ctx context.Context) { c.attemptsFailed.Add(ctx, 1) }

// TestRequeued records that a test went back to the queue because its
// worker was lost.
func (c *Counters) TestRequeued(ctx context.Context) { c.requeued.Add(ctx, 1) }

// HostLost records that the connection to h was lost.
func (c *Counters) HostLost(ctx context.Context, h fleet.Host) {
	c.hostsLost.Add(ctx, 1, metric.WithAttributes(hostAttr(h)))
}

// HostFaulty records that h failed to set up.
func (c *Counters) HostFaulty(ctx context.Context, h fleet.Host) {
	c.hostsFaulty.Add(ctx, 1, metric.WithAttributes(hostAttr(h)))
}

func hostAttr(h fleet.Host) attribute.KeyValue {
	return attribute.String("host", h.String())
}

// Provider owns the meter provider behind a set of Counters.
type Provider struct {
	mp *sdkmetric.MeterProvider
	*Counters
}

// NewProvider sets up counters exporting to exp. With ExporterNone the
// counters are kept in memory and never exported.
func NewProvider(ctx context.Context, exp Exporter) (*Provider, error) {
	var opts []sdkmetric.Option
	switch exp {
	case ExporterNone:
	case ExporterStdout:
		e, err := stdoutmetric.New(stdoutmetric.WithWriter(os.Stdout))
		if err != nil {
			return nil, errors.Wrap(err, "failed to create stdout exporter")
		}
		opts = append(opts, sdkmetric.WithReader(sdkmetric.NewPeriodicReader(e)))
	case ExporterOTLP:
		// Endpoint and credentials come from the OTEL_EXPORTER_OTLP_* variables.
		e, err := otlpmetricgrpc.New(ctx)
		if err != nil {
			return nil, errors.Wrap(err, "failed to create OTLP exporter")
		}
		opts = append(opts, sdkmetric.WithReader(sdkmetric.NewPeriodicReader(e)))
	default:
		return nil, errors.Errorf("unknown metrics exporter %q", exp)
	}
	opts = append(opts, sdkmetric.WithResource(resource.NewSchemaless(
		attribute.String("service.name", "disttest"),
		attribute.Int("process.pid", os.Getpid()),
	)))

	mp := sdkmetric.NewMeterProvider(opts...)
	c, err := NewCounters(mp.Meter(meterName))
	if err != nil {
		mp.Shutdown(ctx)
		return nil, err
	}
	return &Provider{mp: mp, Counters: c}, nil
}

// Shutdown flushes pending exports and releases the exporter.
func (p *Provider) Shutdown(ctx context.Context) error {
	if err := p.mp.Shutdown(ctx); err != nil {
		return errors.Wrap(err, "failed to shut down metrics")
	}
	return nil
}
