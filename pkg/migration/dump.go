package migration

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/srediag/rawmig/api"
	"github.com/srediag/rawmig/internal/fdio"
)

const spillPrefix = "rawmig."

// DumpDeviceState runs a synchronous non-live export of the VM state into a
// transient spill file and returns the number of pages the serializer wrote.
//
// The handle used for the export starts out active and never goes through
// setup. suspend and print are passed through to the serializer. The spill
// file is removed before returning, whatever the outcome. A non-nil error
// means the export cannot be trusted; the page count is then only what the
// serializer reported before failing.
func (b *Backend) DumpDeviceState(ctx context.Context, suspend, print bool) (pages uint64, err error) {
	if b.deps.Serializer == nil {
		return 0, fmt.Errorf("%w: serializer", ErrNoCollaborator)
	}
	ctx, span := b.tel.Tracer.Start(ctx, "rawmig.dump", trace.WithAttributes(
		attribute.Bool("rawmig.suspend", suspend),
		attribute.Bool("rawmig.print", print),
	))
	defer func() {
		span.SetAttributes(attribute.Int64("rawmig.pages", int64(pages)))
		endSpan(span, err)
	}()

	b.stats.Attempts.WithLabelValues(dirDump).Inc()
	defer func() {
		if err != nil {
			b.failed(dirDump, err)
		}
	}()

	if err := b.checkSpillSpace(); err != nil {
		return 0, err
	}
	fd, name, err := fdio.CreateTemp(b.cfg.SpillDir, spillPrefix)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrSpillSetup, err)
	}
	logger.Debugf("dumping device state through %s", name)
	defer func() {
		if uerr := fdio.Unlink(name); uerr != nil {
			logger.Warnf("remove spill file: %v", uerr)
		}
	}()

	t := b.newTransport(fd)
	h := &api.Handle{Transport: t, State: api.StateActive}
	f, err := b.deps.Streams.OpenWriter(h)
	if err != nil {
		_ = t.Abort()
		return 0, fmt.Errorf("%w: %w", ErrSpillSetup, err)
	}

	pages, exportErr := b.deps.Serializer.ExportNonLive(ctx, f, suspend, print)
	closeErr := f.Close()
	if closeErr != nil {
		// the spill file is discarded anyway
		_ = t.Abort()
	}
	if err := errors.Join(exportErr, closeErr); err != nil {
		return pages, err
	}

	b.stats.DumpedPages.Add(float64(pages))
	b.pages.Add(ctx, int64(pages), metric.WithAttributes(attribute.Bool("rawmig.suspend", suspend)))
	if print {
		logger.Infof("device state dump exported %d pages", pages)
	}
	return pages, nil
}

func (b *Backend) checkSpillSpace() error {
	if b.cfg.MinSpillFreeBytes == 0 {
		return nil
	}
	free, err := fdio.FreeSpace(b.cfg.SpillDir)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrSpillSetup, err)
	}
	if free < b.cfg.MinSpillFreeBytes {
		return fmt.Errorf("%w: %s has %d bytes, need %d", ErrSpillSpace, b.cfg.SpillDir, free, b.cfg.MinSpillFreeBytes)
	}
	return nil
}
