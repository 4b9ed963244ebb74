// Package triggers attaches wait_for_trigger specs to event sources.
//
// Supported platforms:
//   - event: fires when a matching event is published on the hub. event_data
//     is matched as a subset of the event payload.
//   - state: fires when a state_changed event reports entity_id moving to
//     the optional to value from the optional from value.
//   - time_pattern / cron: fires at the next instant of a cron expression
//     (optional leading seconds field, descriptors such as @every 5s).
package triggers

import (
	"context"
	"log/slog"
	"reflect"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/rendis/scriptd/internal/streaming"
	"github.com/rendis/scriptd/pkg/schema"
)

// Platform names.
const (
	PlatformEvent       = "event"
	PlatformCron        = "cron"
	PlatformTimePattern = "time_pattern"
	PlatformState       = "state"
)

// Renderer resolves templated trigger fields against run variables.
type Renderer interface {
	Render(ctx context.Context, value any, vars map[string]any) (any, error)
}

// Registry owns every attached trigger listener.
type Registry struct {
	hub      streaming.EventHub
	renderer Renderer
	parser   cron.Parser
	logger   *slog.Logger
	now      func() time.Time
}

// NewRegistry creates a Registry listening on hub. renderer may
// be nil, in which case trigger fields are used verbatim.
func NewRegistry(hub streaming.EventHub, renderer Renderer, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		hub:      hub,
		renderer: renderer,
		parser: cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour |
			cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		logger: logger,
		now:    time.Now,
	}
}

// Attach starts listening for spec and calls onFire every time it fires,
// until the returned detach function is called or ctx is done. detach is
// idempotent and waits for the listener goroutine to exit.
func (r *Registry) Attach(ctx context.Context, spec schema.TriggerSpec, vars map[string]any, onFire func(trigger map[string]any)) (func(), error) {
	spec, err := r.resolve(ctx, spec, vars)
	if err != nil {
		return nil, err
	}

	switch spec.Platform {
	case PlatformEvent:
		return r.attachEvent(ctx, spec, onFire)
	case PlatformState:
		return r.attachState(ctx, spec, onFire)
	case PlatformCron, PlatformTimePattern:
		return r.attachCron(ctx, spec, onFire)
	default:
		return nil, schema.NewErrorf(schema.ErrCodeAttach, "unknown trigger platform %q", spec.Platform)
	}
}

func (r *Registry) resolve(ctx context.Context, spec schema.TriggerSpec, vars map[string]any) (schema.TriggerSpec, error) {
	if r.renderer == nil {
		return spec, nil
	}
	var err error
	if spec.EventType, err = r.renderString(ctx, "event_type", spec.EventType, vars); err != nil {
		return spec, err
	}
	if spec.EntityID, err = r.renderString(ctx, "entity_id", spec.EntityID, vars); err != nil {
		return spec, err
	}
	if len(spec.EventData) > 0 {
		v, err := r.renderer.Render(ctx, spec.EventData, vars)
		if err != nil {
			return spec, schema.NewError(schema.ErrCodeAttach, "render event_data").WithCause(err)
		}
		m, ok := v.(map[string]any)
		if !ok {
			return spec, schema.NewErrorf(schema.ErrCodeAttach, "event_data rendered to %T, want mapping", v)
		}
		spec.EventData = m
	}
	for _, f := range []struct {
		name string
		dst  *any
	}{{"to", &spec.To}, {"from", &spec.From}} {
		if *f.dst == nil {
			continue
		}
		v, err := r.renderer.Render(ctx, *f.dst, vars)
		if err != nil {
			return spec, schema.NewErrorf(schema.ErrCodeAttach, "render %s", f.name).WithCause(err)
		}
		*f.dst = v
	}
	return spec, nil
}

func (r *Registry) renderString(ctx context.Context, field, value string, vars map[string]any) (string, error) {
	if !schema.IsTemplate(value) {
		return value, nil
	}
	v, err := r.renderer.Render(ctx, value, vars)
	if err != nil {
		return value, schema.NewErrorf(schema.ErrCodeAttach, "render %s", field).WithCause(err)
	}
	s, ok := v.(string)
	if !ok {
		return value, schema.NewErrorf(schema.ErrCodeAttach, "%s rendered to %T, want string", field, v)
	}
	return s, nil
}

func (r *Registry) attachEvent(ctx context.Context, spec schema.TriggerSpec, onFire func(trigger map[string]any)) (func(), error) {
	if spec.EventType == "" {
		return nil, schema.NewError(schema.ErrCodeAttach, "event trigger requires event_type")
	}
	events, cancel, err := r.hub.Subscribe(ctx, streaming.EventFilter{EventTypes: []string{spec.EventType}})
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeAttach, "subscribe to event bus").WithCause(err)
	}

	return listen(ctx, cancel, func(stop <-chan struct{}) {
		for {
			select {
			case evt := <-events:
				if !subset(spec.EventData, evt.Data()) {
					continue
				}
				onFire(map[string]any{
					"platform": PlatformEvent,
					"id":       spec.ID,
					"event": map[string]any{
						"event_type": evt.EventType,
						"data":       evt.Data(),
						"time_fired": evt.Time,
					},
				})
			case <-stop:
				return
			}
		}
	}), nil
}

func (r *Registry) attachState(ctx context.Context, spec schema.TriggerSpec, onFire func(trigger map[string]any)) (func(), error) {
	if spec.EntityID == "" {
		return nil, schema.NewError(schema.ErrCodeAttach, "state trigger requires entity_id")
	}
	events, cancel, err := r.hub.Subscribe(ctx, streaming.EventFilter{EventTypes: []string{schema.EventStateChanged}})
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeAttach, "subscribe to event bus").WithCause(err)
	}

	return listen(ctx, cancel, func(stop <-chan struct{}) {
		for {
			select {
			case evt := <-events:
				data := evt.Data()
				if data["entity_id"] != spec.EntityID {
					continue
				}
				if spec.To != nil && !equalValue(spec.To, data["new_state"]) {
					continue
				}
				if spec.From != nil && !equalValue(spec.From, data["old_state"]) {
					continue
				}
				onFire(map[string]any{
					"platform":   PlatformState,
					"id":         spec.ID,
					"entity_id":  spec.EntityID,
					"to_state":   data["new_state"],
					"from_state": data["old_state"],
				})
			case <-stop:
				return
			}
		}
	}), nil
}

func (r *Registry) attachCron(ctx context.Context, spec schema.TriggerSpec, onFire func(trigger map[string]any)) (func(), error) {
	if spec.Cron == "" {
		return nil, schema.NewErrorf(schema.ErrCodeAttach, "%s trigger requires cron", spec.Platform)
	}
	sched, err := r.parser.Parse(spec.Cron)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeAttach, "parse cron expression %q", spec.Cron).WithCause(err)
	}

	return listen(ctx, func() {}, func(stop <-chan struct{}) {
		for {
			now := r.now()
			next := sched.Next(now)
			if next.IsZero() {
				r.logger.WarnContext(ctx, "cron trigger has no next activation", slog.String("cron", spec.Cron))
				return
			}
			timer := time.NewTimer(next.Sub(now))
			select {
			case <-timer.C:
				onFire(map[string]any{
					"platform": spec.Platform,
					"id":       spec.ID,
					"now":      next,
				})
			case <-stop:
				timer.Stop()
				return
			}
		}
	}), nil
}

// listen runs loop in a goroutine until ctx is done or the returned detach
// is called. release is invoked once after the loop exits.
func listen(ctx context.Context, release func(), loop func(stop <-chan struct{})) func() {
	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		defer release()
		inner := make(chan struct{})
		go func() {
			select {
			case <-ctx.Done():
			case <-stop:
			}
			close(inner)
		}()
		loop(inner)
	}()

	var once sync.Once
	return func() {
		once.Do(func() { close(stop) })
		<-done
	}
}

// subset reports whether every key of want is present in got with an
// equal value. Nested maps are compared recursively.
func subset(want, got map[string]any) bool {
	for k, wv := range want {
		gv, ok := got[k]
		if !ok {
			return false
		}
		if wm, ok := wv.(map[string]any); ok {
			gm, ok := gv.(map[string]any)
			if !ok || !subset(wm, gm) {
				return false
			}
			continue
		}
		if !equalValue(wv, gv) {
			return false
		}
	}
	return true
}

func equalValue(a, b any) bool {
	if af, ok := number(a); ok {
		if bf, ok := number(b); ok {
			return af == bf
		}
	}
	return reflect.DeepEqual(a, b)
}

func number(v any) (float64, bool) {
	if _, isStr := v.(string); isStr {
		return 0, false
	}
	f, err := schema.ToFloat(v)
	return f, err == nil
}
