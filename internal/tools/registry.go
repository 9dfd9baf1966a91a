// Package tools provides the tool catalog and execution framework. Tool
// descriptors load from a directory of JSON files; handlers are registered
// in code and referenced by name from the descriptors.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/Sculptor-AI/aiportal-backend-sub001/internal/domain"
)

// Handler executes one tool invocation. Implementations should call
// ctl.Checkpoint at suspension points so pause and cancel take effect.
type Handler func(ctx context.Context, ctl *Control, args map[string]any) (any, error)

type snapshot struct {
	tools map[string]*domain.ToolDescriptor
}

type Registry struct {
	dir      string
	snap     atomic.Pointer[snapshot]
	handlers map[string]Handler

	mu sync.Mutex
}

// NewRegistry loads tool descriptors from dir. A missing directory yields an
// empty catalog rather than an error; tools are optional.
func NewRegistry(dir string, handlers map[string]Handler) (*Registry, error) {
	r := &Registry{dir: dir, handlers: handlers}
	if err := r.Reload(); err != nil {
		return nil, err
	}
	return r, nil
}

// Reload re-reads the descriptor directory and publishes a new snapshot.
func (r *Registry) Reload() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.reloadLocked()
}

func (r *Registry) reloadLocked() error {
	tools := make(map[string]*domain.ToolDescriptor)

	entries, err := os.ReadDir(r.dir)
	if err != nil {
		if os.IsNotExist(err) {
			r.snap.Store(&snapshot{tools: tools})
			return nil
		}
		return fmt.Errorf("read tools dir: %w", err)
	}

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		path := filepath.Join(r.dir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read %s: %w", path, err)
		}
		var desc domain.ToolDescriptor
		if err := json.Unmarshal(data, &desc); err != nil {
			return fmt.Errorf("parse %s: %w", path, err)
		}
		if err := validateTool(&desc); err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		if _, ok := r.handlers[desc.Handler]; !ok {
			return fmt.Errorf("%s: unknown handler %q", path, desc.Handler)
		}
		if _, dup := tools[desc.ID]; dup {
			return fmt.Errorf("%s: duplicate tool id %q", path, desc.ID)
		}
		tools[desc.ID] = &desc
	}

	r.snap.Store(&snapshot{tools: tools})
	slog.Info("tool registry loaded", "dir", r.dir, "tools", len(tools))
	return nil
}

func validateTool(desc *domain.ToolDescriptor) error {
	if desc.ID == "" {
		return &domain.ValidationError{Field: "id", Reason: "required"}
	}
	if desc.Name == "" {
		return &domain.ValidationError{Field: "name", Reason: "required"}
	}
	if desc.Handler == "" {
		return &domain.ValidationError{Field: "handler", Reason: "required"}
	}
	if desc.MaxExecutionSecs < 0 {
		return &domain.ValidationError{Field: "max_execution_time", Reason: "must not be negative"}
	}
	return nil
}

// Get returns a tool descriptor by id regardless of enablement.
func (r *Registry) Get(id string) (*domain.ToolDescriptor, error) {
	if t, ok := r.snap.Load().tools[id]; ok {
		return t, nil
	}
	return nil, domain.ErrToolNotFound
}

// List returns all descriptors ordered by id.
func (r *Registry) List() []*domain.ToolDescriptor {
	snap := r.snap.Load()
	out := make([]*domain.ToolDescriptor, 0, len(snap.tools))
	for _, t := range snap.tools {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Handler resolves a descriptor's handler reference.
func (r *Registry) Handler(desc *domain.ToolDescriptor) (Handler, bool) {
	h, ok := r.handlers[desc.Handler]
	return h, ok
}

// ToolsFor computes the offered set for a model: the tool is globally
// enabled, the model's allowed list names it, and the tool's allowed-models
// list (empty meaning all) names the model.
func (r *Registry) ToolsFor(model *domain.ModelDescriptor) []*domain.ToolDescriptor {
	if len(model.Tools) == 0 {
		return nil
	}
	snap := r.snap.Load()
	out := make([]*domain.ToolDescriptor, 0, len(model.Tools))
	for _, id := range model.Tools {
		t, ok := snap.tools[id]
		if !ok || !t.Enabled {
			continue
		}
		if !modelAllowed(t, model.ID) {
			continue
		}
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Definitions converts the offered set into upstream function declarations.
func (r *Registry) Definitions(model *domain.ModelDescriptor) []domain.ToolDefinition {
	offered := r.ToolsFor(model)
	if len(offered) == 0 {
		return nil
	}
	defs := make([]domain.ToolDefinition, 0, len(offered))
	for _, t := range offered {
		defs = append(defs, domain.ToolDefinition{
			Type: "function",
			Function: domain.FunctionDef{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			},
		})
	}
	return defs
}

// ByName resolves a tool by its function name within a model's offered set.
func (r *Registry) ByName(model *domain.ModelDescriptor, name string) (*domain.ToolDescriptor, error) {
	for _, t := range r.ToolsFor(model) {
		if t.Name == name {
			return t, nil
		}
	}
	return nil, domain.ErrToolNotAllowed
}

func modelAllowed(t *domain.ToolDescriptor, modelID string) bool {
	if len(t.AllowedModels) == 0 {
		return true
	}
	for _, m := range t.AllowedModels {
		if m == modelID {
			return true
		}
	}
	return false
}

// SetEnabled flips a tool's enabled flag, persists the descriptor and
// reloads the catalog.
func (r *Registry) SetEnabled(id string, enabled bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.snap.Load().tools[id]
	if !ok {
		return domain.ErrToolNotFound
	}

	updated := *t
	updated.Enabled = enabled

	data, err := json.MarshalIndent(&updated, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal tool: %w", err)
	}
	path := filepath.Join(r.dir, id+".json")
	tmp, err := os.CreateTemp(r.dir, ".tool-*.json")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write tool: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close tool: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename tool: %w", err)
	}
	return r.reloadLocked()
}
