// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package lifecycle drives one loaded module through configure, start,
// migrate, stop and dispose. Module faults are caught at this boundary and
// returned as coded errors; a failed activation is rolled back completely.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/holomush/plughost/internal/plugin/loader"
	"github.com/holomush/plughost/internal/plugin/services"
	"github.com/holomush/plughost/pkg/errutil"
	"github.com/holomush/plughost/pkg/plugin"
)

// Error codes returned by the controller.
const (
	CodeConfigureFailed = "CONFIGURE_FAILED"
	CodeStartFailed     = "START_FAILED"
	CodeMigrationFailed = "MIGRATION_FAILED"
	CodeStopFailed      = "STOP_FAILED"
	CodeDisposeFailed   = "DISPOSE_FAILED"
)

// ErrInvalidTransition is returned when an operation is called in a state
// that does not allow it.
var ErrInvalidTransition = errors.New("invalid lifecycle transition")

var tracer = otel.Tracer("plughost/lifecycle")

// Registries is the part of the service composer the controller needs.
type Registries interface {
	AddRegistry(ctx context.Context, name string, spec *plugin.ServiceSpec) (*services.Registry, error)
	RemoveRegistry(ctx context.Context, name string) error
}

// Releaser unloads module handles.
type Releaser interface {
	Unload(ctx context.Context, h *loader.Handle) error
}

// Options configures a Controller.
type Options struct {
	Registries Registries
	Releaser   Releaser
	Observer   Observer
	// StartTimeout bounds Start and the migration step. Zero means no limit.
	StartTimeout time.Duration
	// StopTimeout bounds Stop and Dispose. Zero means no limit.
	StopTimeout time.Duration
	Logger      *slog.Logger
}

// Controller owns the lifecycle of one loaded module instance.
type Controller struct {
	desc       plugin.Descriptor
	handle     *loader.Handle
	opts       Options
	generation ulid.ULID
	identity   string
	path       string

	mu         sync.Mutex
	state      State
	migration  plugin.Migration
	registered bool

	releaseOnce sync.Once
	releaseErrs []error
}

// New wraps a freshly loaded module. The controller starts in StateLoaded.
func New(d plugin.Descriptor, h *loader.Handle, opts Options) *Controller {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	c := &Controller{desc: d, handle: h, opts: opts, state: StateDiscovered}
	if h != nil {
		c.generation = h.ID()
		c.identity = h.Identity()
		c.path = h.Path()
	} else {
		c.generation = ulid.Make()
	}
	_ = c.transition(StateLoaded, nil) //nolint:errcheck // discovered → loaded is always legal
	return c
}

// Name is the module name.
func (c *Controller) Name() string { return c.desc.Name() }

// Descriptor returns the module descriptor.
func (c *Controller) Descriptor() plugin.Descriptor { return c.desc }

// Handle returns the module handle. It may be released.
func (c *Controller) Handle() *loader.Handle { return c.handle }

// Generation identifies this load of the module.
func (c *Controller) Generation() ulid.ULID { return c.generation }

// State returns the current state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Configure declares the module's services and registers them with the
// composer under the module name. On failure the attempt is rolled back.
func (c *Controller) Configure(ctx context.Context) (err error) {
	ctx, span := c.span(ctx, "configure")
	defer func() { endSpan(span, err) }()

	if st := c.State(); st != StateLoaded {
		return c.invalid("configure", st)
	}

	spec := plugin.NewServiceSpec()
	if err := c.guard("configure services", func() error { return c.desc.ConfigureServices(spec) }); err != nil {
		c.Abort(ctx)
		return c.errb("configure").Code(CodeConfigureFailed).Wrap(errutil.Detach(err))
	}
	if c.opts.Registries != nil {
		if _, err := c.opts.Registries.AddRegistry(ctx, c.Name(), spec); err != nil {
			c.Abort(ctx)
			return c.errb("configure").Code(CodeConfigureFailed).Wrap(errutil.Detach(err))
		}
		c.mu.Lock()
		c.registered = true
		c.mu.Unlock()
	}
	return c.transition(StateConfigured, nil)
}

// Start runs the module's Start once. A failure, panic, or cancellation of
// ctx rolls the module back and returns START_FAILED.
func (c *Controller) Start(ctx context.Context) (err error) {
	ctx, span := c.span(ctx, "start")
	defer func() { endSpan(span, err) }()

	if st := c.State(); st != StateConfigured {
		return c.invalid("start", st)
	}
	if err := c.transition(StateStarting, nil); err != nil {
		return err
	}

	callCtx, cancel := withTimeout(ctx, c.opts.StartTimeout)
	var res plugin.StartResult
	startErr := c.guard("start", func() error {
		res = c.desc.Start(callCtx)
		return res.Err
	})
	if startErr == nil {
		startErr = callCtx.Err()
	}
	cancel()

	if startErr != nil {
		_ = c.transition(StateStartFailed, startErr) //nolint:errcheck // starting → start_failed is legal
		c.Abort(context.WithoutCancel(ctx))
		return c.errb("start").Code(CodeStartFailed).Wrap(errutil.Detach(startErr))
	}

	c.mu.Lock()
	c.migration = res.Migration
	c.mu.Unlock()
	return c.transition(StateStarted, nil)
}

// Migrate runs the migration step returned by Start. A nil step succeeds.
// The module ends up running whether or not the step fails.
func (c *Controller) Migrate(ctx context.Context) (err error) {
	ctx, span := c.span(ctx, "migrate")
	defer func() { endSpan(span, err) }()

	if st := c.State(); st != StateStarted {
		return c.invalid("migrate", st)
	}
	if err := c.transition(StateMigrating, nil); err != nil {
		return err
	}

	c.mu.Lock()
	m := c.migration
	c.migration = nil
	c.mu.Unlock()

	callCtx, cancel := withTimeout(ctx, c.opts.StartTimeout)
	migErr := c.guard("migration", func() error { return plugin.StartResult{Migration: m}.Migrate(callCtx) })
	cancel()

	if migErr != nil {
		_ = c.transition(StateMigrationFailed, migErr) //nolint:errcheck // migrating → migration_failed is legal
		_ = c.transition(StateRunning, nil)            //nolint:errcheck // migration_failed → running is legal
		return c.errb("migrate").Code(CodeMigrationFailed).Wrap(errutil.Detach(migErr))
	}
	return c.transition(StateRunning, nil)
}

// Teardown stops the module, disposes it, removes its registry and releases
// its handle, in that order. Every step is attempted; the failures are
// returned. Calling Teardown again returns the first call's failures.
func (c *Controller) Teardown(ctx context.Context, shutdown bool) []error {
	ctx, span := c.span(ctx, "teardown")
	span.SetAttributes(attribute.Bool("plugin.shutdown", shutdown))

	errs := c.release(ctx, shutdown)
	endSpan(span, errors.Join(errs...))
	return errs
}

// Abort rolls back a failed or rejected activation. Failures during the
// rollback are logged; the failure that caused it is the one reported.
func (c *Controller) Abort(ctx context.Context) {
	for _, err := range c.release(ctx, false) {
		c.opts.Logger.Warn("rollback step failed",
			"plugin", c.Name(), "path", c.path, "code", errutil.Code(err), "error", err)
	}
}

func (c *Controller) release(ctx context.Context, shutdown bool) []error {
	c.releaseOnce.Do(func() {
		c.releaseErrs = c.releaseSteps(ctx, shutdown)
	})
	return c.releaseErrs
}

func (c *Controller) releaseSteps(ctx context.Context, shutdown bool) []error {
	var errs []error

	switch c.State() {
	case StateStarted, StateRunning, StateStartFailed:
		if err := c.stop(ctx, shutdown); err != nil {
			errs = append(errs, err)
		}
	}

	if err := c.dispose(ctx); err != nil {
		errs = append(errs, err)
	}

	c.mu.Lock()
	registered := c.registered
	c.registered = false
	c.mu.Unlock()
	if registered && c.opts.Registries != nil {
		if err := c.opts.Registries.RemoveRegistry(ctx, c.Name()); err != nil {
			errs = append(errs, c.errb("dispose").Code(CodeDisposeFailed).
				With("step", "registry").Wrap(errutil.Detach(err)))
		}
	}

	if c.opts.Releaser != nil && c.handle != nil {
		if err := c.opts.Releaser.Unload(ctx, c.handle); err != nil {
			errs = append(errs, c.errb("unload").Wrap(err))
		}
	}
	return errs
}

func (c *Controller) stop(ctx context.Context, shutdown bool) error {
	if err := c.transition(StateStopping, nil); err != nil {
		return err
	}
	callCtx, cancel := withTimeout(ctx, c.opts.StopTimeout)
	stopErr := c.guard("stop", func() error { return c.desc.Stop(callCtx, shutdown) })
	cancel()

	_ = c.transition(StateStopped, stopErr) //nolint:errcheck // stopping → stopped is legal
	if stopErr != nil {
		return c.errb("stop").Code(CodeStopFailed).With("shutdown", shutdown).Wrap(errutil.Detach(stopErr))
	}
	return nil
}

func (c *Controller) dispose(ctx context.Context) error {
	callCtx, cancel := withTimeout(ctx, c.opts.StopTimeout)
	dispErr := c.guard("dispose", func() error { return c.desc.Dispose(callCtx) })
	cancel()

	if st := c.State(); CanTransition(st, StateDisposed) {
		_ = c.transition(StateDisposed, dispErr) //nolint:errcheck // checked above
	}
	if dispErr != nil {
		return c.errb("dispose").Code(CodeDisposeFailed).Wrap(errutil.Detach(dispErr))
	}
	return nil
}

// guard runs a module callback, turning a panic into an error.
func (c *Controller) guard(what string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%s panicked: %v", what, r)
		}
	}()
	return fn()
}

func (c *Controller) transition(to State, cause error) error {
	c.mu.Lock()
	from := c.state
	if !CanTransition(from, to) {
		c.mu.Unlock()
		return c.invalid(to.String(), from)
	}
	c.state = to
	c.mu.Unlock()

	c.opts.Logger.Debug("plugin state changed",
		"plugin", c.Name(), "from", from.String(), "to", to.String())
	if c.opts.Observer != nil {
		c.opts.Observer(Transition{
			Plugin:     c.Name(),
			Identity:   c.identity,
			Path:       c.path,
			Generation: c.generation,
			From:       from,
			To:         to,
			Err:        cause,
			At:         time.Now(),
		})
	}
	return nil
}

func (c *Controller) invalid(op string, st State) error {
	return c.errb(op).With("state", st.String()).
		Wrapf(ErrInvalidTransition, "cannot %s module %q in state %s", op, c.Name(), st)
}

func (c *Controller) errb(op string) oops.OopsErrorBuilder {
	return oops.In("lifecycle").
		With("plugin", c.Name()).
		With("path", c.path).
		With("operation", op)
}

func (c *Controller) span(ctx context.Context, op string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "plugin."+op, trace.WithAttributes(
		attribute.String("plugin.name", c.Name()),
		attribute.String("plugin.path", c.path),
		attribute.String("plugin.generation", c.generation.String()),
	))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
