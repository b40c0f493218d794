// Package registry implements the Tool Registry (spec C2): it launches,
// supervises, and multiplexes calls to backend processes, and maintains
// the global tool catalog exposed to the orchestrator.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/relaymesh/toolgate/internal/apierr"
	"github.com/relaymesh/toolgate/internal/backend"
	"github.com/relaymesh/toolgate/internal/backoff"
	"github.com/relaymesh/toolgate/internal/chatmsg"
)

// ListToolsTimeout is the fixed per-backend timeout for list_tools at
// startup and during health sweeps, per §5.
const ListToolsTimeout = 30 * time.Second

// CatalogEntry is one exposed tool (spec's ToolCatalogEntry).
type CatalogEntry struct {
	QualifiedName string
	BackendName   string
	Spec          chatmsg.ToolSpec
}

// entrySnapshot is the registry's immutable view of the world: readers take
// a pointer to one of these under the read lock and then read it lock-free,
// so a restart swaps the whole snapshot atomically and no reader ever sees
// a torn catalog, per §5.
type entrySnapshot struct {
	catalog []CatalogEntry
	byName  map[string]CatalogEntry // qualified_name -> entry
	schemas map[string]*jsonschema.Schema // qualified_name -> compiled parameters schema
}

// Registry owns every BackendSession for the process's lifetime.
type Registry struct {
	logger *slog.Logger
	policy backoff.BackoffPolicy

	mu        sync.RWMutex
	sessions  map[string]*backend.Session
	snapshot  *entrySnapshot
	unhealthy map[string]bool

	restartAttempts map[string]int
	restartMu       sync.Mutex

	closing chan struct{}
	wg      sync.WaitGroup
}

// New constructs an empty Registry. Call Start to launch backends.
func New(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		logger:          logger.With("component", "registry"),
		policy:          backoff.DefaultPolicy(),
		sessions:        make(map[string]*backend.Session),
		snapshot:        &entrySnapshot{byName: map[string]CatalogEntry{}, schemas: map[string]*jsonschema.Schema{}},
		unhealthy:       make(map[string]bool),
		restartAttempts: make(map[string]int),
		closing:         make(chan struct{}),
	}
}

// Start launches every descriptor concurrently and joins before returning,
// per §4.2's startup ordering. A backend whose list_tools fails or times
// out is marked unhealthy and excluded from the catalog; its absence is
// logged, not fatal.
func (r *Registry) Start(ctx context.Context, descriptors []backend.Descriptor) error {
	type outcome struct {
		name    string
		session *backend.Session
		tools   []backend.ToolSpecWire
		err     error
	}

	results := make(chan outcome, len(descriptors))
	var wg sync.WaitGroup

	for _, desc := range descriptors {
		wg.Add(1)
		go func(d backend.Descriptor) {
			defer wg.Done()
			session := backend.NewSession(d, r.logger, func(err error) { r.handleCrash(d.Name, err) })
			if err := session.Start(ctx); err != nil {
				results <- outcome{name: d.Name, err: err}
				return
			}

			tools, err := r.listTools(ctx, session)
			results <- outcome{name: d.Name, session: session, tools: tools, err: err}
		}(desc)
	}

	wg.Wait()
	close(results)

	var entries []CatalogEntry
	byBareName := make(map[string][]CatalogEntry)

	for out := range results {
		if out.err != nil {
			r.logger.Warn("backend unavailable at startup", "backend", out.name, "error", out.err)
			r.mu.Lock()
			r.unhealthy[out.name] = true
			r.mu.Unlock()
			if out.session != nil {
				out.session.Close()
			}
			continue
		}

		r.mu.Lock()
		r.sessions[out.name] = out.session
		r.mu.Unlock()

		for _, tw := range out.tools {
			spec := toToolSpec(tw.Name, tw)
			entry := CatalogEntry{QualifiedName: tw.Name, BackendName: out.name, Spec: spec}
			byBareName[tw.Name] = append(byBareName[tw.Name], entry)
		}
	}

	entries = qualifyCollisions(byBareName)
	r.installSnapshot(entries)

	return nil
}

// qualifyCollisions resolves bare-name collisions across backends into
// `backend.tool` qualified names, per §4.2's deterministic collision
// policy: any bare name advertised by more than one backend is withdrawn,
// and both contenders are re-exposed qualified.
func qualifyCollisions(byBareName map[string][]CatalogEntry) []CatalogEntry {
	var out []CatalogEntry
	for bareName, candidates := range byBareName {
		if len(candidates) == 1 {
			out = append(out, candidates[0])
			continue
		}
		for _, c := range candidates {
			qualified := fmt.Sprintf("%s.%s", c.BackendName, bareName)
			c.QualifiedName = qualified
			c.Spec.Function.Name = qualified
			out = append(out, c)
		}
	}
	return out
}

func toToolSpec(qualifiedName string, tw backend.ToolSpecWire) chatmsg.ToolSpec {
	params := tw.Parameters
	if len(params) == 0 {
		params = json.RawMessage(`{}`)
	}
	return chatmsg.ToolSpec{
		Type: "function",
		Function: chatmsg.FunctionDefinition{
			Name:        qualifiedName,
			Description: tw.Description,
			Parameters:  params,
		},
	}
}

func (r *Registry) listTools(ctx context.Context, session *backend.Session) ([]backend.ToolSpecWire, error) {
	callCtx, cancel := context.WithTimeout(ctx, ListToolsTimeout)
	defer cancel()

	result, err := session.Call(callCtx, backend.MethodListTools, backend.ListToolsParams{})
	if err != nil {
		return nil, err
	}

	var tools []backend.ToolSpecWire
	if err := json.Unmarshal(result, &tools); err != nil {
		return nil, fmt.Errorf("decode list_tools result: %w", err)
	}
	return tools, nil
}

func (r *Registry) installSnapshot(entries []CatalogEntry) {
	byName := make(map[string]CatalogEntry, len(entries))
	schemas := make(map[string]*jsonschema.Schema, len(entries))
	for _, e := range entries {
		byName[e.QualifiedName] = e
		if schema, err := compileParameterSchema(e.QualifiedName, e.Spec.Function.Parameters); err == nil {
			schemas[e.QualifiedName] = schema
		} else {
			r.logger.Warn("tool parameters schema failed to compile, skipping validation", "tool", e.QualifiedName, "error", err)
		}
	}
	r.mu.Lock()
	r.snapshot = &entrySnapshot{catalog: entries, byName: byName, schemas: schemas}
	r.mu.Unlock()
}

// compileParameterSchema compiles a catalog entry's advertised JSON Schema
// once at catalog-build time, per §4.3's added schema-validation step. An
// empty or trivial `{}` schema compiles successfully but matches anything.
func compileParameterSchema(qualifiedName string, parameters json.RawMessage) (*jsonschema.Schema, error) {
	if len(parameters) == 0 {
		parameters = json.RawMessage(`{}`)
	}
	return jsonschema.CompileString(qualifiedName, string(parameters))
}

// Schema returns the compiled parameters schema for qualifiedName, if one
// compiled successfully, for the invoker to validate arguments against
// before contacting the backend.
func (r *Registry) Schema(qualifiedName string) (*jsonschema.Schema, bool) {
	r.mu.RLock()
	snap := r.snapshot
	r.mu.RUnlock()
	schema, ok := snap.schemas[qualifiedName]
	return schema, ok
}

// Catalog returns the current tool specs advertised to the model. Safe for
// concurrent use; reflects either the pre- or post-restart snapshot, never
// a torn mix.
func (r *Registry) Catalog() []chatmsg.ToolSpec {
	r.mu.RLock()
	snap := r.snapshot
	r.mu.RUnlock()

	specs := make([]chatmsg.ToolSpec, 0, len(snap.catalog))
	for _, e := range snap.catalog {
		specs = append(specs, e.Spec)
	}
	return specs
}

// HasBackends reports whether the catalog currently advertises at least one
// tool, deciding the Hybrid-vs-pass-through fork in the Request Dispatcher's
// mode table.
func (r *Registry) HasBackends() bool {
	r.mu.RLock()
	snap := r.snapshot
	r.mu.RUnlock()
	return len(snap.catalog) > 0
}

// Invoke calls qualifiedName with argumentsJSON against its owning backend,
// returning the tool's content string or a classified apierr.Error.
func (r *Registry) Invoke(ctx context.Context, qualifiedName string, argumentsJSON json.RawMessage) (string, error) {
	r.mu.RLock()
	snap := r.snapshot
	entry, known := snap.byName[qualifiedName]
	var session *backend.Session
	if known {
		session = r.sessions[entry.BackendName]
	}
	r.mu.RUnlock()

	if !known || session == nil {
		return "", apierr.New(apierr.BackendUnavailable, fmt.Sprintf("tool %q is not available", qualifiedName), nil)
	}

	result, err := session.Call(ctx, backend.MethodCallTool, backend.CallToolParams{Name: bareNameOf(entry), Arguments: argumentsJSON})
	if err != nil {
		if !session.Connected() {
			return "", apierr.New(apierr.BackendCrashed, err.Error(), err)
		}
		return "", apierr.New(apierr.BackendUnavailable, err.Error(), err)
	}

	var callResult backend.CallToolResult
	if err := json.Unmarshal(result, &callResult); err != nil {
		return "", apierr.New(apierr.BackendUnavailable, fmt.Sprintf("decode call_tool result: %v", err), err)
	}
	return callResult.Content, nil
}

// startOne launches a single new backend (added to the list after startup,
// discovered via WatchBackendList) and merges its tools into the catalog.
func (r *Registry) startOne(ctx context.Context, desc backend.Descriptor) {
	session := backend.NewSession(desc, r.logger, func(err error) { r.handleCrash(desc.Name, err) })
	if err := session.Start(ctx); err != nil {
		r.logger.Warn("newly added backend failed to start", "backend", desc.Name, "error", err)
		r.mu.Lock()
		r.unhealthy[desc.Name] = true
		r.mu.Unlock()
		return
	}

	tools, err := r.listTools(ctx, session)
	if err != nil {
		r.logger.Warn("newly added backend list_tools failed", "backend", desc.Name, "error", err)
		session.Close()
		r.mu.Lock()
		r.unhealthy[desc.Name] = true
		r.mu.Unlock()
		return
	}

	r.mu.Lock()
	r.sessions[desc.Name] = session
	rebuilt := r.rebuildSnapshotLocked(desc.Name, tools)
	r.mu.Unlock()
	r.installSnapshot(rebuilt)

	r.logger.Info("backend added", "backend", desc.Name)
}

// handleCrash is invoked by a Session's read loop when its process exits
// unexpectedly. It schedules a restart with exponential backoff.
func (r *Registry) handleCrash(name string, crashErr error) {
	r.logger.Warn("backend crashed", "backend", name, "error", crashErr)

	select {
	case <-r.closing:
		return // shutting down, do not restart
	default:
	}

	r.restartMu.Lock()
	r.restartAttempts[name]++
	attempt := r.restartAttempts[name]
	r.restartMu.Unlock()

	r.wg.Add(1)
	go r.restart(name, attempt)
}

// restart sleeps per the backoff policy then relaunches the named backend,
// re-issues list_tools, and atomically merges the refreshed schema into the
// snapshot, per §4.2.
func (r *Registry) restart(name string, attempt int) {
	defer r.wg.Done()

	if err := backoff.SleepWithBackoff(context.Background(), r.policy, attempt); err != nil {
		return // closing
	}

	r.mu.RLock()
	old := r.sessions[name]
	r.mu.RUnlock()

	var desc backend.Descriptor
	if old != nil {
		desc = old.Descriptor()
	} else {
		return
	}

	session := backend.NewSession(desc, r.logger, func(err error) { r.handleCrash(desc.Name, err) })
	ctx, cancel := context.WithTimeout(context.Background(), ListToolsTimeout)
	defer cancel()

	if err := session.Start(ctx); err != nil {
		r.logger.Warn("backend restart failed", "backend", name, "attempt", attempt, "error", err)
		r.restartMu.Lock()
		r.restartAttempts[name] = attempt
		r.restartMu.Unlock()
		r.wg.Add(1)
		go r.restart(name, attempt+1)
		return
	}

	tools, err := r.listTools(ctx, session)
	if err != nil {
		r.logger.Warn("backend restarted but list_tools failed", "backend", name, "error", err)
		session.Close()
		r.wg.Add(1)
		go r.restart(name, attempt+1)
		return
	}

	r.mu.Lock()
	r.sessions[name] = session
	delete(r.unhealthy, name)
	rebuilt := r.rebuildSnapshotLocked(name, tools)
	r.mu.Unlock()
	r.installSnapshot(rebuilt)

	r.restartMu.Lock()
	delete(r.restartAttempts, name)
	r.restartMu.Unlock()

	r.logger.Info("backend restarted", "backend", name, "attempt", attempt)
}

// rebuildSnapshotLocked replaces name's entries in the current catalog with
// freshly reported tools, reapplying collision qualification across the
// whole catalog so a restart can both gain and lose qualification.
// Must be called with r.mu held.
func (r *Registry) rebuildSnapshotLocked(name string, tools []backend.ToolSpecWire) []CatalogEntry {
	byBareName := make(map[string][]CatalogEntry)
	for _, e := range r.snapshot.catalog {
		if e.BackendName == name {
			continue
		}
		byBareName[bareNameOf(e)] = append(byBareName[bareNameOf(e)], e)
	}
	for _, tw := range tools {
		spec := toToolSpec(tw.Name, tw)
		byBareName[tw.Name] = append(byBareName[tw.Name], CatalogEntry{QualifiedName: tw.Name, BackendName: name, Spec: spec})
	}
	return qualifyCollisions(byBareName)
}

// bareNameOf recovers a catalog entry's bare tool name, stripping the
// `backend.` qualification prefix if present.
func bareNameOf(e CatalogEntry) string {
	prefix := e.BackendName + "."
	if len(e.QualifiedName) > len(prefix) && e.QualifiedName[:len(prefix)] == prefix {
		return e.QualifiedName[len(prefix):]
	}
	return e.QualifiedName
}

// Close shuts down every backend: closes stdin, awaits graceful exit up to
// 5s, then force-terminates, per §4.2. In-flight calls fail with Shutdown.
func (r *Registry) Close() {
	close(r.closing)

	r.mu.RLock()
	sessions := make([]*backend.Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.RUnlock()

	var wg sync.WaitGroup
	for _, s := range sessions {
		wg.Add(1)
		go func(s *backend.Session) {
			defer wg.Done()
			s.Close()
		}(s)
	}
	wg.Wait()
	r.wg.Wait()
}
