package tools

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// Well-known tool types.
const (
	TypeWebSearch    = "web_search"
	TypeWebFetch     = "web_fetch"
	TypeWebFetchHTTP = "web_fetch_http"
	TypeRAGHybrid    = "rag_hybrid"
	TypeRAGNaive     = "rag_naive"
)

var (
	// ErrUnknownTool is returned when no tool is registered for a type.
	ErrUnknownTool = errors.New("unknown tool type")
	// ErrInvalidQuery marks a query the tool can never answer; it is not retried.
	ErrInvalidQuery = errors.New("invalid tool query")
)

// Tool performs one retrieval call.
type Tool interface {
	Name() string
	Call(ctx context.Context, query string) (string, error)
}

// Result is the outcome of an invocation. Failed results carry a JSON failure
// payload in Output instead of an error.
type Result struct {
	ToolType string        `json:"tool_type"`
	Output   string        `json:"output"`
	Failed   bool          `json:"failed"`
	Attempts int           `json:"attempts"`
	Duration time.Duration `json:"duration"`
}

// Invoker is the contract the research loop uses to reach external tools.
type Invoker interface {
	Invoke(ctx context.Context, toolType, query string) Result
}

// Func adapts a function to a Tool.
type Func struct {
	ToolName string
	Fn       func(ctx context.Context, query string) (string, error)
}

// Name implements Tool.
func (f Func) Name() string { return f.ToolName }

// Call implements Tool.
func (f Func) Call(ctx context.Context, query string) (string, error) { return f.Fn(ctx, query) }

// Registry maps tool types to implementations.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewRegistry registers the given tools under their names.
func NewRegistry(tools ...Tool) *Registry {
	r := &Registry{tools: make(map[string]Tool)}
	for _, t := range tools {
		r.Register(t)
	}
	return r
}

// Register adds or replaces a tool.
func (r *Registry) Register(t Tool) {
	if t == nil {
		return
	}
	r.mu.Lock()
	r.tools[normalizeType(t.Name())] = t
	r.mu.Unlock()
}

// Lookup returns the tool registered for toolType.
func (r *Registry) Lookup(toolType string) (Tool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[normalizeType(toolType)]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTool, toolType)
	}
	return t, nil
}

// Types lists registered tool types in sorted order.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.tools))
	for k := range r.tools {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func normalizeType(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
