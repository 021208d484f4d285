package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/srediag/rawmig/adapter"
	"github.com/srediag/rawmig/api"
	"github.com/srediag/rawmig/internal/eventloop"
	"github.com/srediag/rawmig/pkg/broker"
	"github.com/srediag/rawmig/pkg/migration"
	"github.com/srediag/rawmig/pkg/migrator"
	"github.com/srediag/rawmig/pkg/vmstate"
)

const defaultPages = 64

// seedMachine returns a reference VM with every third page and a couple of
// devices populated.
func seedMachine(pages int) (*vmstate.Machine, error) {
	m := vmstate.NewMachine(pages)
	for i := 0; i < pages; i += 3 {
		if err := m.WritePage(i, []byte(fmt.Sprintf("rawmig page %d", i))); err != nil {
			return nil, err
		}
	}
	m.SetDevice("cpu0", []byte{0x1, 0x0, 0x0, 0x0})
	m.SetDevice("serial0", []byte("16550A"))
	return m, nil
}

func runSave(ctx context.Context, e *env, args []string) error {
	fs := flag.NewFlagSet("save", flag.ExitOnError)
	dest := fs.String("dest", "", "destination path")
	pages := fs.Int("pages", defaultPages, "guest RAM pages")
	_ = fs.Parse(args)
	if *dest == "" {
		return fmt.Errorf("%w: -dest", errUsage)
	}

	src, err := seedMachine(*pages)
	if err != nil {
		return err
	}
	m, err := migrator.New(src, migrator.WithMetrics(e.stats))
	if err != nil {
		return err
	}
	defer m.Close() //nolint:errcheck

	b, err := migration.New(e.cfg, migration.Deps{Connector: m, Metrics: e.stats})
	if err != nil {
		return err
	}
	h := &api.Handle{}
	if err := b.StartOutgoing(ctx, h, *dest, api.KindRaw); err != nil {
		return err
	}
	if err := m.Wait(ctx, h); err != nil {
		return err
	}
	logger.Infof("saved to %s, state %s", *dest, h.State)
	return nil
}

func runRestore(ctx context.Context, e *env, args []string) error {
	fs := flag.NewFlagSet("restore", flag.ExitOnError)
	src := fs.String("src", "", "source descriptor number or path")
	pages := fs.Int("pages", defaultPages, "guest RAM pages")
	_ = fs.Parse(args)
	if *src == "" {
		return fmt.Errorf("%w: -src", errUsage)
	}

	loop, err := eventloop.New()
	if err != nil {
		return err
	}
	defer loop.Close() //nolint:errcheck
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		if err := loop.Run(ctx); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, eventloop.ErrClosed) {
			logger.Errorf("event loop: %v", err)
		}
	}()

	dst := vmstate.NewMachine(*pages)
	dst.Pause()
	m, err := migrator.New(nil, migrator.WithTarget(dst), migrator.WithMetrics(e.stats))
	if err != nil {
		return err
	}
	defer m.Close() //nolint:errcheck

	b, err := migration.New(e.cfg, migration.Deps{Applier: m, Readiness: loop, Metrics: e.stats})
	if err != nil {
		return err
	}
	if err := b.StartIncoming(ctx, *src, api.KindRaw); err != nil {
		return err
	}
	select {
	case err := <-m.Applied():
		if err != nil {
			return err
		}
	case <-ctx.Done():
		return ctx.Err()
	}
	fmt.Printf("restored %d devices, running=%v\n", len(dst.DeviceNames()), dst.Running())
	return nil
}

func runDump(ctx context.Context, e *env, args []string) error {
	fs := flag.NewFlagSet("dump", flag.ExitOnError)
	suspend := fs.Bool("suspend", false, "pause the guest for the dump")
	print := fs.Bool("print", false, "print per-section accounting")
	pages := fs.Int("pages", defaultPages, "guest RAM pages")
	_ = fs.Parse(args)

	vm, err := seedMachine(*pages)
	if err != nil {
		return err
	}
	b, err := migration.New(e.cfg, migration.Deps{Serializer: vm, Metrics: e.stats})
	if err != nil {
		return err
	}
	n, err := b.DumpDeviceState(ctx, *suspend, *print)
	if err != nil {
		return err
	}
	fmt.Printf("dumped %d pages\n", n)
	return nil
}

func runServe(ctx context.Context, e *env, args []string) error {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	addr := fs.String("addr", "127.0.0.1:9464", "admin HTTP listen address")
	socket := fs.String("socket", "", "unix socket receiving migration descriptors")
	pages := fs.Int("pages", defaultPages, "guest RAM pages")
	_ = fs.Parse(args)

	loop, err := eventloop.New()
	if err != nil {
		return err
	}
	defer loop.Close() //nolint:errcheck
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		if err := loop.Run(ctx); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, eventloop.ErrClosed) {
			logger.Errorf("event loop: %v", err)
		}
	}()

	health := adapter.NewHealthHandler(adapter.HealthOptions{
		Registry:      e.registry,
		Loop:          loop,
		SpillDir:      e.cfg.SpillDir,
		MinSpillFree:  e.cfg.MinSpillFreeBytes,
		MaxGoroutines: adapter.GoroutineBudget(),
	})
	mux := http.NewServeMux()
	mux.Handle("/live", health)
	mux.Handle("/ready", health)
	mux.Handle("/metrics", promhttp.HandlerFor(e.registry, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: *addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
		defer done()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if *socket != "" {
		vm, err := seedMachine(*pages)
		if err != nil {
			return err
		}
		go func() {
			if err := intake(ctx, e, loop, vm, *socket); err != nil {
				logger.Errorf("descriptor intake: %v", err)
				cancel()
			}
		}()
	}

	logger.Infof("admin endpoint on %s", *addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// intake accepts connections on socket, each passing one descriptor, and
// migrates vm out to every descriptor received.
func intake(ctx context.Context, e *env, loop *eventloop.Loop, vm *vmstate.Machine, socket string) error {
	_ = os.Remove(socket)
	ln, err := net.ListenUnix("unix", &net.UnixAddr{Name: socket, Net: "unix"})
	if err != nil {
		return err
	}
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	fds := broker.New()
	defer fds.Close() //nolint:errcheck
	m, err := migrator.New(vm, migrator.WithPoster(loop), migrator.WithMetrics(e.stats),
		migrator.WithCompletion(func(h *api.Handle, err error) {
			if err != nil {
				logger.Errorf("outgoing migration ended %s: %v", h.State, err)
				return
			}
			logger.Infof("outgoing migration %s", h.State)
		}))
	if err != nil {
		return err
	}
	defer m.Close() //nolint:errcheck
	b, err := migration.New(e.cfg, migration.Deps{Broker: fds, Connector: m, Metrics: e.stats})
	if err != nil {
		return err
	}

	seq := 0
	for {
		conn, err := ln.AcceptUnix()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		seq++
		name := fmt.Sprintf("conn%d", seq)
		err = fds.Receive(conn, name)
		_ = conn.Close()
		if err != nil {
			logger.Warnf("%s: %v", name, err)
			continue
		}
		h := &api.Handle{}
		if err := b.StartOutgoing(ctx, h, name, api.KindRaw); err != nil {
			logger.Warnf("%s: %v", name, err)
			continue
		}
		go func() {
			_ = m.Wait(ctx, h)
		}()
	}
}
