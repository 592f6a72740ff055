package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/arome3/vigil/pkg/async"
	"github.com/arome3/vigil/pkg/store"
)

// Embedder produces query vectors for knn and hybrid tools. The embedding
// backend is external; tests inject a stub.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Registry caches tool definitions by id and executes them against the store.
type Registry struct {
	store    store.Store
	embedder Embedder
	defs     map[string]*Definition
	timeout  time.Duration
	logger   *slog.Logger
}

// DefaultQueryTimeout bounds a single tool execution.
const DefaultQueryTimeout = 10 * time.Second

// NewRegistry creates a registry over the given store. embedder may be nil
// when no vector tools are loaded.
func NewRegistry(s store.Store, embedder Embedder) *Registry {
	return &Registry{
		store:    s,
		embedder: embedder,
		defs:     make(map[string]*Definition),
		timeout:  DefaultQueryTimeout,
		logger:   slog.Default().With("component", "tool-registry"),
	}
}

// Load reads every *.json definition in dir, validates it, and caches it by
// id. Duplicate ids are an error.
func (r *Registry) Load(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("reading tools directory %s: %w", dir, err)
	}

	loaded := 0
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		raw, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("reading tool definition %s: %w", path, err)
		}
		var def Definition
		if err := json.Unmarshal(raw, &def); err != nil {
			return fmt.Errorf("parsing tool definition %s: %w", path, err)
		}
		if err := def.Validate(); err != nil {
			return fmt.Errorf("validating %s: %w", path, err)
		}
		if _, exists := r.defs[def.ID]; exists {
			return fmt.Errorf("duplicate tool id %q in %s", def.ID, path)
		}
		r.defs[def.ID] = &def
		loaded++
	}

	r.logger.Info("Tool definitions loaded", "dir", dir, "count", loaded)
	return nil
}

// Add registers a definition directly. Tests and built-in defaults.
func (r *Registry) Add(def *Definition) error {
	if err := def.Validate(); err != nil {
		return err
	}
	r.defs[def.ID] = def
	return nil
}

// Get returns a cached definition.
func (r *Registry) Get(id string) (*Definition, bool) {
	def, ok := r.defs[id]
	return def, ok
}

// Execute runs the named tool with the given parameters under the registry
// timeout, retrying transient transport failures.
func (r *Registry) Execute(ctx context.Context, id string, params map[string]any) (*Result, error) {
	def, ok := r.defs[id]
	if !ok {
		return nil, fmt.Errorf("unknown tool %q", id)
	}

	return async.DeadlineRace(ctx, "tool "+id, r.timeout, func(raceCtx context.Context) (*Result, error) {
		return async.Retry(raceCtx, async.RetryConfig{}, func(retryCtx context.Context) (*Result, error) {
			switch def.RetrievalStrategy {
			case StrategyESQL:
				return r.executeESQL(retryCtx, def, params)
			default:
				return r.executeSearch(retryCtx, def, params)
			}
		})
	})
}

// executeESQL coerces parameters, expands array placeholders, and runs the
// query. When the tool is flagged as a lookup-join preview and the engine
// rejects the primary form with the lookup-join signature, the tool-specific
// client-side fallback runs instead.
func (r *Registry) executeESQL(ctx context.Context, def *Definition, params map[string]any) (*Result, error) {
	coerced, err := coerceParams(def, params)
	if err != nil {
		return nil, err
	}

	query, esqlParams := expandArrayParams(def.Configuration.Query, coerced)

	res, err := r.store.ESQL(ctx, query, esqlParams)
	if err != nil {
		if def.LookupJoinTechPreview && isLookupJoinError(err) {
			r.logger.Warn("Lookup-join rejected by query engine, running client-side fallback",
				"tool", def.ID, "error", err)
			return r.lookupJoinFallback(ctx, def, coerced)
		}
		return nil, fmt.Errorf("tool %s: %w", def.ID, err)
	}

	return fromESQL(def.ID, res), nil
}

func fromESQL(toolID string, res *store.ESQLResult) *Result {
	out := &Result{ToolID: toolID, Values: res.Values}
	for _, c := range res.Columns {
		out.Columns = append(out.Columns, Column{Name: c.Name, Type: c.Type})
	}
	return out
}

// isLookupJoinError matches the query engine's lookup-join rejection
// signature.
func isLookupJoinError(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "lookup join") || strings.Contains(msg, "lookup_join")
}
