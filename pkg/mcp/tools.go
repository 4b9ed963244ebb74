package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/rendis/scriptd/internal/engine"
	"github.com/rendis/scriptd/internal/store"
	"github.com/rendis/scriptd/internal/trace"
	"github.com/rendis/scriptd/pkg/schema"
)

// handleList describes every loaded script and its active runs.
func (s *Server) handleList(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	scripts := make([]map[string]any, 0)
	for _, sc := range s.engine.Scripts() {
		def := sc.Definition()
		runs := make([]map[string]any, 0)
		for _, r := range sc.Runs() {
			runs = append(runs, map[string]any{
				"run_id":      r.ID,
				"status":      r.Status(),
				"started":     r.Started(),
				"current":     r.CurrentPaths(),
				"last_action": r.LastAction(),
			})
		}
		scripts = append(scripts, map[string]any{
			"id":          def.ID,
			"name":        def.Name,
			"domain":      def.Domain,
			"mode":        def.Mode,
			"max":         def.Max,
			"running":     sc.IsRunning(),
			"pending":     sc.Pending(),
			"last_action": sc.LastAction(),
			"runs":        runs,
		})
	}
	return marshalResult(map[string]any{"scripts": scripts})
}

// handleRun starts a run. With wait (the default) it returns the outcome,
// otherwise the run id as soon as the run is admitted.
func (s *Server) handleRun(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	scriptID, err := req.RequireString("script_id")
	if err != nil {
		return mcp.NewToolResultError("script_id is required"), nil
	}
	vars := mcp.ParseStringMap(req, "variables", nil)

	if !req.GetBool("wait", true) {
		sc, ok := s.engine.Script(scriptID)
		if !ok {
			return mcp.NewToolResultError(fmt.Sprintf("script %q not found", scriptID)), nil
		}
		run, runErr := sc.Submit(ctx, vars)
		if runErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("run rejected: %v", runErr)), nil
		}
		return marshalResult(map[string]any{
			"run_id":    run.ID,
			"script_id": scriptID,
			"status":    run.Status(),
		})
	}

	result, runErr := s.engine.RunScript(ctx, scriptID, vars)
	if result == nil {
		return mcp.NewToolResultError(fmt.Sprintf("run failed: %v", runErr)), nil
	}
	return marshalResult(runResultMap(result))
}

// handleStop stops one run or every run of a script.
func (s *Server) handleStop(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	scriptID, err := req.RequireString("script_id")
	if err != nil {
		return mcp.NewToolResultError("script_id is required"), nil
	}
	runID := req.GetString("run_id", "")

	sc, ok := s.engine.Script(scriptID)
	if !ok {
		return mcp.NewToolResultError(fmt.Sprintf("script %q not found", scriptID)), nil
	}
	if stopErr := sc.Stop(ctx, runID); stopErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("stop failed: %v", stopErr)), nil
	}
	return marshalResult(map[string]any{"ok": true, "script_id": scriptID, "run_id": runID})
}

// handleTrace returns the live trace of a run, falling back to the stored
// run once the trace has left memory.
func (s *Server) handleTrace(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID, err := req.RequireString("run_id")
	if err != nil {
		return mcp.NewToolResultError("run_id is required"), nil
	}

	snap, traceErr := s.engine.Trace(runID)
	if traceErr == nil {
		return marshalResult(snap)
	}
	if s.store == nil || !schema.IsCode(traceErr, schema.ErrCodeNotFound) {
		return mcp.NewToolResultError(fmt.Sprintf("trace lookup failed: %v", traceErr)), nil
	}

	rec, getErr := s.store.GetRun(ctx, runID)
	if getErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("trace lookup failed: %v", getErr)), nil
	}
	return marshalResult(rec)
}

// handleBreakpoint manages breakpoints. Setting one subscribes the calling
// session to hit notifications of the script.
func (s *Server) handleBreakpoint(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	op, err := req.RequireString("op")
	if err != nil {
		return mcp.NewToolResultError("op is required"), nil
	}
	scriptID := req.GetString("script_id", "")
	runID := req.GetString("run_id", trace.RunAny)
	node := req.GetString("node", trace.NodeAny)

	switch op {
	case "set":
		if scriptID == "" {
			return mcp.NewToolResultError("script_id is required"), nil
		}
		if setErr := s.engine.SetBreakpoint(scriptID, runID, node); setErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("set breakpoint failed: %v", setErr)), nil
		}
		s.captureSession(ctx, scriptID)
		return marshalResult(map[string]any{"ok": true, "breakpoint": trace.Breakpoint{ScriptID: scriptID, RunID: runID, Path: node}})
	case "clear":
		if scriptID == "" {
			return mcp.NewToolResultError("script_id is required"), nil
		}
		s.engine.ClearBreakpoint(scriptID, runID, node)
		return marshalResult(map[string]any{"ok": true})
	case "list":
		halted := make(map[string][]string)
		for _, sc := range s.engine.Scripts() {
			if scriptID != "" && sc.ID() != scriptID {
				continue
			}
			for _, r := range sc.Runs() {
				if paths := s.engine.Halted(r.ID); len(paths) > 0 {
					halted[r.ID] = paths
				}
			}
		}
		return marshalResult(map[string]any{
			"breakpoints": s.engine.Breakpoints(scriptID),
			"halted":      halted,
		})
	default:
		return mcp.NewToolResultError(fmt.Sprintf("unknown breakpoint op: %s", op)), nil
	}
}

// handleDebug releases a halted run.
func (s *Server) handleDebug(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	op, err := req.RequireString("op")
	if err != nil {
		return mcp.NewToolResultError("op is required"), nil
	}
	scriptID, err := req.RequireString("script_id")
	if err != nil {
		return mcp.NewToolResultError("script_id is required"), nil
	}
	runID, err := req.RequireString("run_id")
	if err != nil {
		return mcp.NewToolResultError("run_id is required"), nil
	}

	var debugErr error
	switch op {
	case "step":
		debugErr = s.engine.DebugStep(scriptID, runID)
	case "continue":
		debugErr = s.engine.DebugContinue(scriptID, runID)
	case "stop":
		debugErr = s.engine.DebugStop(scriptID, runID)
	default:
		return mcp.NewToolResultError(fmt.Sprintf("unknown debug op: %s", op)), nil
	}
	if debugErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("debug %s failed: %v", op, debugErr)), nil
	}
	return marshalResult(map[string]any{"ok": true, "op": op, "run_id": runID})
}

// handleHistory queries stored runs, or one run with its event log.
func (s *Server) handleHistory(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if s.store == nil {
		return mcp.NewToolResultError("history requires a store"), nil
	}

	if runID := req.GetString("run_id", ""); runID != "" {
		rec, err := s.store.GetRun(ctx, runID)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
		}
		events, err := s.store.GetEvents(ctx, runID, 0)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
		}
		out := map[string]any{"run": rec, "events": events}
		if s.events != nil {
			transitions, replayErr := s.events.ReplayRun(ctx, runID)
			if replayErr != nil {
				return mcp.NewToolResultError(fmt.Sprintf("replay failed: %v", replayErr)), nil
			}
			out["transitions"] = transitions
		}
		return marshalResult(out)
	}

	filter := mcp.ParseStringMap(req, "filter", nil)
	rf := store.RunFilter{
		Limit:  extractInt(filter, "limit", 50),
		Offset: extractInt(filter, "offset", 0),
	}
	if id, ok := filter["script_id"].(string); ok {
		rf.ScriptID = id
	}
	if ex, ok := filter["execution"].(string); ok {
		rf.Execution = schema.Execution(ex)
	}
	if since, ok := filter["since"].(string); ok && since != "" {
		if t, err := time.Parse(time.RFC3339, since); err == nil {
			rf.Since = &t
		}
	}

	runs, err := s.store.ListRuns(ctx, rf)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
	}
	return marshalResult(map[string]any{"runs": runs})
}

// handleLoad loads a definition given as an object or as YAML/JSON text.
func (s *Server) handleLoad(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var data []byte
	format := ""
	if raw := mcp.ParseStringMap(req, "definition", nil); raw != nil {
		b, err := json.Marshal(raw)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("invalid definition: %v", err)), nil
		}
		data, format = b, "json"
	} else if src := req.GetString("source", ""); src != "" {
		data = []byte(src)
	} else {
		return mcp.NewToolResultError("definition or source is required"), nil
	}

	def, err := schema.ParseDefinition(data, format)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid definition: %v", err)), nil
	}
	sc, err := s.engine.Load(ctx, def)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("load failed: %v", err)), nil
	}

	persisted := false
	if s.store != nil && req.GetBool("persist", true) {
		if err := s.persist(ctx, def); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("script loaded but not stored: %v", err)), nil
		}
		persisted = true
	}

	return marshalResult(map[string]any{
		"id":        sc.ID(),
		"mode":      def.Mode,
		"nodes":     len(sc.Steps()),
		"persisted": persisted,
	})
}

// handleUnload stops and removes a script, along with its stored definition.
func (s *Server) handleUnload(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	scriptID, err := req.RequireString("script_id")
	if err != nil {
		return mcp.NewToolResultError("script_id is required"), nil
	}
	if unloadErr := s.engine.Unload(ctx, scriptID); unloadErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("unload failed: %v", unloadErr)), nil
	}
	if s.store != nil {
		if delErr := s.store.DeleteScript(ctx, scriptID); delErr != nil && !schema.IsCode(delErr, schema.ErrCodeNotFound) {
			return mcp.NewToolResultError(fmt.Sprintf("script unloaded but not deleted: %v", delErr)), nil
		}
	}
	return marshalResult(map[string]any{"ok": true, "script_id": scriptID})
}

// handleActions lists registered actions.
func (s *Server) handleActions(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if s.registry == nil {
		return mcp.NewToolResultError("no action registry"), nil
	}
	return marshalResult(map[string]any{"actions": s.registry.List()})
}

// --- Internal helpers ---

func (s *Server) persist(ctx context.Context, def *schema.ScriptDefinition) error {
	raw, err := json.Marshal(def)
	if err != nil {
		return err
	}
	return s.store.SaveScript(ctx, &store.ScriptRecord{
		ID:         def.ID,
		Name:       def.Name,
		Mode:       def.Mode,
		Definition: raw,
		CreatedAt:  time.Now().UTC(),
	})
}

func runResultMap(r *engine.RunResult) map[string]any {
	out := map[string]any{
		"run_id":           r.RunID,
		"script_id":        r.ScriptID,
		"script_execution": r.Execution,
	}
	if r.Response != nil {
		out["response"] = r.Response
	}
	if len(r.Variables) > 0 {
		out["variables"] = r.Variables
	}
	if r.Error != nil {
		out["error"] = r.Error.Error()
		var se *schema.ScriptError
		if errors.As(r.Error, &se) {
			out["error_code"] = se.Code
			if se.Path != "" {
				out["error_path"] = se.Path
			}
		}
	}
	return out
}

// extractInt safely extracts an integer from a filter map.
func extractInt(filter map[string]any, key string, defaultVal int) int {
	if filter == nil {
		return defaultVal
	}
	v, ok := filter[key]
	if !ok {
		return defaultVal
	}
	switch val := v.(type) {
	case float64:
		return int(val)
	case int:
		return val
	case string:
		if n, err := strconv.Atoi(val); err == nil {
			return n
		}
	}
	return defaultVal
}

// captureSession subscribes the current MCP session to breakpoint hits of scriptID.
func (s *Server) captureSession(ctx context.Context, scriptID string) {
	if session := server.ClientSessionFromContext(ctx); session != nil {
		s.sessions.Watch(scriptID, session.SessionID())
	}
}

// marshalResult converts a value to a JSON text tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
