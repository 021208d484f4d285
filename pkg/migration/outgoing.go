package migration

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/srediag/rawmig/api"
	"github.com/srediag/rawmig/internal/fdio"
)

// StartOutgoing resolves dest to a writable descriptor, installs the raw
// transport into h and hands h to the connector.
//
// dest is first looked up in the broker; if no descriptor is registered under
// that name it is treated as a path, created or truncated write-only. When no
// descriptor can be obtained nothing is installed and the connector is not
// called.
func (b *Backend) StartOutgoing(ctx context.Context, h *api.Handle, dest string, kind api.TransportKind) (err error) {
	if h == nil {
		return ErrNilHandle
	}
	if b.deps.Connector == nil {
		return fmt.Errorf("%w: connector", ErrNoCollaborator)
	}
	ctx, span := b.tel.Tracer.Start(ctx, "rawmig.outgoing", trace.WithAttributes(
		attribute.String("rawmig.dest", dest),
		attribute.String("rawmig.kind", string(kind)),
	))
	defer func() { endSpan(span, err) }()

	b.stats.Attempts.WithLabelValues(dirOutgoing).Inc()
	logger.Debugf("start outgoing migration to %s", dest)

	fd, err := b.resolveOutgoing(dest)
	if err != nil {
		b.failed(dirOutgoing, err)
		return err
	}
	h.Transport = b.newTransport(fd)
	b.deps.Connector.Establish(ctx, h, kind)
	return nil
}

func (b *Backend) resolveOutgoing(dest string) (int, error) {
	if b.deps.Broker != nil {
		if fd, ok := b.deps.Broker.Resolve(dest); ok {
			logger.Debugf("using broker descriptor %q (fd %d)", dest, fd)
			return fd, nil
		}
	}
	fd, err := fdio.OpenWrite(dest, b.cfg.OutgoingFileMode)
	if err != nil {
		return fdio.Closed, fmt.Errorf("%w: %w", ErrResolveDescriptor, err)
	}
	return fd, nil
}
