// Copyright 2024 The disttest Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package metrics

import (
	"context"
	"testing"

	"github.com/google/go-cmp/cmp"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/ekmixon/glusterfs/internal/fleet"
)

func collect(t *testing.T, reader *sdkmetric.ManualReader) map[string]int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatal("Collect failed: ", err)
	}
	sums := make(map[string]int64)
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			data, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				t.Errorf("%s has data %T; want Sum[int64]", m.Name, m.Data)
				continue
			}
			for _, dp := range data.DataPoints {
				sums[m.Name] += dp.Value
			}
		}
	}
	return sums
}

func TestCounters(t *testing.T) {
	ctx := context.Background()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	defer mp.Shutdown(ctx)

	c, err := NewCounters(mp.Meter("test"))
	if err != nil {
		t.Fatal(err)
	}
	h1 := fleet.Host{Address: "10.0.0.1", Port: 9999}
	h2 := fleet.Host{Address: "10.0.0.2", Port: 9999}

	c.TestPassed(ctx)
	c.TestPassed(ctx)
	c.AttemptFailed(ctx)
	c.AttemptFailed(ctx)
	c.AttemptFailed(ctx)
	c.TestFailed(ctx)
	c.TestRequeued(ctx)
	c.HostLost(ctx, h1)
	c.HostLost(ctx, h2)
	c.HostFaulty(ctx, h2)

	want := map[string]int64{
		"disttest.tests.passed":          2,
		"disttest.tests.failed":          1,
		"disttest.tests.attempts_failed": 3,
		"disttest.tests.requeued":        1,
		"disttest.hosts.lost":            2,
		"disttest.hosts.faulty":          1,
	}
	if diff := cmp.Diff(collect(t, reader), want); diff != "" {
		t.Errorf("Counters mismatch (-got +want):\n%s", diff)
	}
}

func TestHostAttribute(t *testing.T) {
	ctx := context.Background()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	defer mp.Shutdown(ctx)

	c, err := NewCounters(mp.Meter("test"))
	if err != nil {
		t.Fatal(err)
	}
	c.HostFaulty(ctx, fleet.Host{Address: "fe80::1", Port: 2000})

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(ctx, &rm); err != nil {
		t.Fatal(err)
	}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != "disttest.hosts.faulty" {
				continue
			}
			dps := m.Data.(metricdata.Sum[int64]).DataPoints
			if len(dps) != 1 {
				t.Fatalf("Got %d data points; want 1", len(dps))
			}
			if v, ok := dps[0].Attributes.Value(attribute.Key("host")); !ok || v.AsString() != "[fe80::1]:2000" {
				t.Errorf("host attribute = %v; want [fe80::1]:2000", v.AsString())
			}
			return
		}
	}
	t.Error("disttest.hosts.faulty not reported")
}

func TestParseExporter(t *testing.T) {
	for _, c := range []struct {
		in   string
		want Exporter
	}{
		{"", ExporterNone},
		{"none", ExporterNone},
		{"stdout", ExporterStdout},
		{"otlp", ExporterOTLP},
	} {
		got, err := ParseExporter(c.in)
		if err != nil {
			t.Errorf("ParseExporter(%q) failed: %v", c.in, err)
		} else if got != c.want {
			t.Errorf("ParseExporter(%q) = %q; want %q", c.in, got, c.want)
		}
	}
	if _, err := ParseExporter("prometheus"); err == nil {
		t.Error("ParseExporter accepted an unknown exporter")
	}
}

func TestProviderNone(t *testing.T) {
	ctx := context.Background()
	p, err := NewProvider(ctx, ExporterNone)
	if err != nil {
		t.Fatal(err)
	}
	p.TestPassed(ctx)
	p.HostLost(ctx, fleet.Host{Address: "h", Port: 1})
	if err := p.Shutdown(ctx); err != nil {
		t.Error("Shutdown failed: ", err)
	}
}
