package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rendis/scriptd/internal/actions"
	"github.com/rendis/scriptd/internal/bridge"
	"github.com/rendis/scriptd/internal/engine"
	"github.com/rendis/scriptd/internal/expressions"
	"github.com/rendis/scriptd/internal/logging"
	"github.com/rendis/scriptd/internal/store"
	"github.com/rendis/scriptd/internal/streaming"
	"github.com/rendis/scriptd/internal/trace"
	"github.com/rendis/scriptd/internal/triggers"
	"github.com/rendis/scriptd/internal/validation"
	"github.com/rendis/scriptd/internal/wait"
	"github.com/rendis/scriptd/pkg/mcp"
	"github.com/rendis/scriptd/pkg/schema"
)

// app is the wired server process.
type app struct {
	cfg    Config
	level  *slog.LevelVar
	logger *slog.Logger

	store    *store.LibSQLStore
	engine   *engine.Engine
	registry *actions.Registry
	server   *mcp.Server
	bridge   *bridge.Bridge // nil without a broker

	mu         sync.Mutex
	dirScripts map[string]bool
}

func newApp(ctx context.Context, cfg Config, logOut io.Writer) (*app, error) {
	level := new(slog.LevelVar)
	level.Set(logging.ParseLevel(cfg.LogLevel))
	logger := logging.NewLeveled(logOut, level, cfg.LogFormat)

	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	st, err := store.NewLibSQLStore("file:" + cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("migrate store: %w", err)
	}
	events := store.NewEventLog(st)

	hub := streaming.NewMemoryHub()
	bus := streaming.NewBus(hub)
	states := streaming.NewStates(bus)

	renderer := expressions.NewRenderer()
	conditions, err := expressions.NewConditions()
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	jsv, err := validation.NewJSONSchemaValidator()
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	reg := actions.NewRegistry(jsv)
	sv, err := validation.NewScriptValidator(reg)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	eng, err := engine.New(engine.Config{
		Actions:     reg,
		Events:      bus,
		Conditions:  conditions,
		Renderer:    renderer,
		Waiter:      wait.NewCoordinator(bus, triggers.NewRegistry(hub, renderer, logger), logger),
		Traces:      trace.NewController(store.NewTraceArchive(st, cfg.KeepRuns), logger),
		Appender:    events,
		Validator:   sv,
		Breakpoints: bus,
		Globals: func() map[string]any {
			return map[string]any{"states": states.Snapshot()}
		},
		ShutdownGrace: time.Duration(cfg.ShutdownGrace),
		Logger:        logger,
	})
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	if err := actions.RegisterBuiltins(reg, actions.BuiltinDeps{
		Events:    bus,
		RunScript: scriptRunner(eng),
		HTTP:      actions.HTTPConfig{Timeout: time.Duration(cfg.HTTPTimeout)},
		Logger:    logger,
	}); err != nil {
		_ = st.Close()
		return nil, err
	}

	var br *bridge.Bridge
	if cfg.MQTT.Broker != "" {
		br, err = bridge.Connect(cfg.MQTT, bridge.Deps{Hub: hub, Events: bus, States: states, Logger: logger})
		if err != nil {
			_ = st.Close()
			return nil, err
		}
		if err := br.Start(ctx); err != nil {
			br.Stop()
			_ = st.Close()
			return nil, err
		}
		logger.InfoContext(ctx, "mqtt bridge connected", slog.String("broker", cfg.MQTT.Broker))
	}

	return &app{
		cfg:      cfg,
		level:    level,
		logger:   logger,
		store:    st,
		engine:   eng,
		registry: reg,
		server: mcp.NewServer(mcp.ServerDeps{
			Engine:   eng,
			Store:    st,
			Events:   events,
			Registry: reg,
			Hub:      hub,
			Logger:   logger,
		}),
		bridge:     br,
		dirScripts: make(map[string]bool),
	}, nil
}

// scriptRunner backs the script.run action. A rejected child run fails the
// calling node.
func scriptRunner(eng *engine.Engine) actions.ScriptRunner {
	return func(ctx context.Context, scriptID string, vars map[string]any) (any, error) {
		res, err := eng.RunScript(ctx, scriptID, vars)
		if err != nil {
			return nil, err
		}
		switch res.Execution {
		case schema.ExecutionFailedSingle, schema.ExecutionFailedMaxRuns:
			return nil, schema.NewErrorf(schema.ErrCodeRejected, "script %s rejected run: %s", scriptID, res.Execution)
		}
		return res.Response, nil
	}
}

// loadScripts installs persisted scripts, then the scripts directory. A file
// in the directory replaces a stored script with the same id.
func (a *app) loadScripts(ctx context.Context) error {
	recs, err := a.store.ListScripts(ctx)
	if err != nil {
		return fmt.Errorf("list stored scripts: %w", err)
	}
	for _, rec := range recs {
		def, err := schema.ParseDefinition(rec.Definition, "json")
		if err != nil {
			a.logger.ErrorContext(ctx, "stored script unreadable", slog.String("script_id", rec.ID), slog.String("error", err.Error()))
			continue
		}
		if _, err := a.engine.Load(ctx, def); err != nil {
			a.logger.ErrorContext(ctx, "stored script rejected", slog.String("script_id", rec.ID), slog.String("error", err.Error()))
		}
	}
	a.loadDir(ctx, a.cfg.ScriptsDir)
	a.checkCalls(ctx)
	return nil
}

// loadDir (re)loads every definition in dir. Scripts that came from the
// directory earlier and are gone now are unloaded unless persisted.
func (a *app) loadDir(ctx context.Context, dir string) {
	defs, err := schema.LoadDefinitionDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			a.logger.DebugContext(ctx, "scripts dir missing", slog.String("dir", dir))
		} else {
			a.logger.ErrorContext(ctx, "load scripts dir", slog.String("dir", dir), slog.String("error", err.Error()))
			return
		}
	}

	seen := make(map[string]bool, len(defs))
	for _, def := range defs {
		if _, err := a.engine.Load(ctx, def); err != nil {
			a.logger.ErrorContext(ctx, "script rejected", slog.String("script_id", def.ID), slog.String("error", err.Error()))
			continue
		}
		seen[def.ID] = true
	}

	a.mu.Lock()
	previous := a.dirScripts
	a.dirScripts = seen
	a.mu.Unlock()

	for id := range previous {
		if seen[id] {
			continue
		}
		if _, err := a.store.GetScript(ctx, id); err == nil {
			continue
		}
		if err := a.engine.Unload(ctx, id); err != nil && !schema.IsCode(err, schema.ErrCodeNotFound) {
			a.logger.WarnContext(ctx, "unload removed script", slog.String("script_id", id), slog.String("error", err.Error()))
		}
	}
	a.logger.InfoContext(ctx, "scripts loaded", slog.String("dir", dir), slog.Int("count", len(seen)))
}

// checkCalls reports script.run problems across every loaded script.
func (a *app) checkCalls(ctx context.Context) {
	scripts := a.engine.Scripts()
	defs := make([]*schema.ScriptDefinition, 0, len(scripts))
	for _, s := range scripts {
		defs = append(defs, s.Definition())
	}
	r := validation.ValidateCalls(defs)
	for _, w := range r.Warnings {
		a.logger.WarnContext(ctx, w.Message, slog.String("path", w.Path))
	}
	for _, e := range r.Errors {
		a.logger.ErrorContext(ctx, e.Message, slog.String("path", e.Path))
	}
}

// reload applies a new configuration. Fields that cannot change at runtime
// are logged and kept.
func (a *app) reload(ctx context.Context, next Config) {
	diff := diffConfigs(a.cfg, next)
	if diff.LogLevelChanged {
		a.level.Set(logging.ParseLevel(next.LogLevel))
		a.cfg.LogLevel = next.LogLevel
		a.logger.InfoContext(ctx, "log level changed", slog.String("level", next.LogLevel))
	}
	if diff.ScriptsDirChanged {
		a.cfg.ScriptsDir = next.ScriptsDir
	}
	if len(diff.RestartNeeded) > 0 {
		a.logger.WarnContext(ctx, "config changes need a restart", slog.Any("fields", diff.RestartNeeded))
	}
	a.loadDir(ctx, a.cfg.ScriptsDir)
	a.checkCalls(ctx)
}

// close stops every run, then the bridge, compacts the store after the
// pruning done while serving, and releases it.
func (a *app) close(ctx context.Context) error {
	err := a.engine.Shutdown(ctx)
	if a.bridge != nil {
		a.bridge.Stop()
	}
	if verr := a.store.Vacuum(context.WithoutCancel(ctx)); verr != nil {
		a.logger.WarnContext(ctx, "vacuum store", slog.String("error", verr.Error()))
	}
	return errors.Join(err, a.store.Close())
}
