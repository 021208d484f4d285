/*
 * Copyright 2025 SREDiag Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package migration is the raw-descriptor migration backend: it starts
// outgoing migrations to a descriptor or path, accepts incoming migrations
// from a descriptor number or path, and exports non-live device state
// snapshots through a transient spill file.
package migration

import (
	"fmt"
	"os"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/srediag/rawmig/adapter"
	"github.com/srediag/rawmig/api"
	"github.com/srediag/rawmig/internal/debuglog"
	"github.com/srediag/rawmig/internal/metrics"
	"github.com/srediag/rawmig/pkg/stream"
	"github.com/srediag/rawmig/pkg/transport"
)

const (
	dirOutgoing = "outgoing"
	dirIncoming = "incoming"
	dirDump     = "dump"
)

var logger = debuglog.New("migration", os.Stdout)

// Deps are the collaborators a Backend hands work to. Only the ones needed by
// the operations in use must be set.
type Deps struct {
	// Broker resolves outgoing destinations to pre-opened descriptors.
	Broker api.Broker
	// Connector takes over outgoing handles.
	Connector api.Connector
	// Streams defaults to a stream.Factory sized by Config.StreamBufferSize.
	Streams api.StreamFactory
	// Applier restores incoming streams.
	Applier api.Applier
	// Serializer produces non-live dumps.
	Serializer api.Serializer
	// Readiness is the host event loop used by incoming migrations.
	Readiness api.Readiness
	Metrics   *metrics.Collectors
	Telemetry adapter.Telemetry
}

// Backend runs raw-descriptor migrations. It holds no per-attempt state:
// every outgoing attempt works on a caller-owned api.Handle.
type Backend struct {
	cfg   *Config
	deps  Deps
	stats *metrics.Collectors
	tel   adapter.Telemetry
	pages metric.Int64Counter
}

// New returns a Backend. A nil cfg means DefaultConfig.
func New(cfg *Config, deps Deps) (*Backend, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := VerifyConfig(cfg); err != nil {
		return nil, err
	}
	if cfg.LogLevel >= debuglog.LevelTrace {
		debuglog.SetLogLevel(cfg.LogLevel)
	}
	if deps.Streams == nil {
		deps.Streams = stream.Factory{BufferSize: cfg.StreamBufferSize}
	}
	b := &Backend{
		cfg:   cfg,
		deps:  deps,
		stats: deps.Metrics,
		tel:   deps.Telemetry.WithDefaults(),
	}
	if b.stats == nil {
		b.stats = metrics.Discard()
	}
	pages, err := b.tel.Meter.Int64Counter("rawmig.dump.pages",
		metric.WithDescription("Pages exported by non-live device state dumps."),
		metric.WithUnit("{page}"))
	if err != nil {
		return nil, fmt.Errorf("migration: page counter: %w", err)
	}
	b.pages = pages
	return b, nil
}

// Config returns the backend configuration.
func (b *Backend) Config() Config {
	return *b.cfg
}

func (b *Backend) newTransport(fd int) *transport.FD {
	return transport.New(fd, transport.WithMetrics(b.stats))
}

func (b *Backend) failed(direction string, err error) {
	b.stats.Failures.WithLabelValues(direction).Inc()
	logger.Errorf("%s migration failed: %v", direction, err)
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
