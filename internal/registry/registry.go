// Package registry loads model descriptors from a directory tree and serves
// them as immutable snapshots. A snapshot is replaced atomically on reload;
// readers keep whatever snapshot they started with.
package registry

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Sculptor-AI/aiportal-backend-sub001/internal/domain"
)

// Snapshot is one immutable view of the registry. Descriptors inside a
// snapshot are never mutated after publication.
type Snapshot struct {
	models   map[string]*domain.ModelDescriptor
	LoadedAt time.Time
}

// Get returns the descriptor for id, whether or not it is enabled.
func (s *Snapshot) Get(id string) (*domain.ModelDescriptor, bool) {
	m, ok := s.models[id]
	return m, ok
}

// List returns all descriptors ordered by id.
func (s *Snapshot) List() []*domain.ModelDescriptor {
	out := make([]*domain.ModelDescriptor, 0, len(s.models))
	for _, m := range s.models {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ListEnabled returns enabled descriptors ordered by id.
func (s *Snapshot) ListEnabled() []*domain.ModelDescriptor {
	out := make([]*domain.ModelDescriptor, 0, len(s.models))
	for _, m := range s.models {
		if m.Enabled {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// GlobalSettings are deployment-wide knobs read from config.json at the
// root of the models directory. Model descriptor files never carry them.
type GlobalSettings struct {
	MaxQueueSize    int   `json:"max_queue_size"`
	QueueingEnabled *bool `json:"queueing_enabled,omitempty"`
}

// QueueBound resolves the admission-queue capacity. Queueing switched off
// collapses the bound to zero regardless of max_queue_size.
func (s GlobalSettings) QueueBound() int {
	if s.QueueingEnabled != nil && !*s.QueueingEnabled {
		return 0
	}
	return s.MaxQueueSize
}

// LoadSettings reads config.json alongside the model descriptors. A missing
// file yields the defaults unchanged; a malformed one is an error.
func LoadSettings(dir string, defaults GlobalSettings) (GlobalSettings, error) {
	data, err := os.ReadFile(filepath.Join(dir, "config.json"))
	if os.IsNotExist(err) {
		return defaults, nil
	}
	if err != nil {
		return defaults, fmt.Errorf("read global settings: %w", err)
	}

	s := defaults
	if err := json.Unmarshal(data, &s); err != nil {
		return defaults, fmt.Errorf("parse global settings: %w", err)
	}
	if s.MaxQueueSize < 0 {
		return defaults, fmt.Errorf("global settings: max_queue_size must not be negative")
	}
	return s, nil
}

type Registry struct {
	dir  string
	snap atomic.Pointer[Snapshot]

	// mu serializes mutations (create/update/delete/reload). Reads never
	// take it.
	mu sync.Mutex
}

// New loads all descriptors under dir. The directory must exist and be
// readable; a missing registry directory is a fatal startup condition.
func New(dir string) (*Registry, error) {
	r := &Registry{dir: dir}
	if err := r.Reload(); err != nil {
		return nil, err
	}
	return r, nil
}

// Snapshot returns the current published snapshot.
func (r *Registry) Snapshot() *Snapshot {
	return r.snap.Load()
}

// Get resolves a model id against the current snapshot.
func (r *Registry) Get(id string) (*domain.ModelDescriptor, error) {
	m, ok := r.Snapshot().Get(id)
	if !ok {
		return nil, domain.ErrModelNotFound
	}
	return m, nil
}

// Reload re-reads the directory tree and publishes a new snapshot. If any
// file fails to parse or validate, the prior snapshot stays live and the
// error describes the offending file.
func (r *Registry) Reload() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.reloadLocked()
}

func (r *Registry) reloadLocked() error {
	models := make(map[string]*domain.ModelDescriptor)

	err := filepath.WalkDir(r.dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(d.Name(), ".json") {
			return nil
		}
		if d.Name() == "config.json" && filepath.Dir(path) == r.dir {
			return nil
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read %s: %w", path, err)
		}

		var desc domain.ModelDescriptor
		if err := json.Unmarshal(data, &desc); err != nil {
			return fmt.Errorf("parse %s: %w", path, err)
		}
		if err := Validate(&desc); err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		if _, dup := models[desc.ID]; dup {
			return fmt.Errorf("%s: duplicate model id %q", path, desc.ID)
		}

		models[desc.ID] = &desc
		return nil
	})
	if err != nil {
		return err
	}

	r.snap.Store(&Snapshot{models: models, LoadedAt: time.Now()})
	slog.Info("model registry loaded", "dir", r.dir, "models", len(models))
	return nil
}

// Create validates and persists a new descriptor, then reloads. Returns
// ErrConflict if the id already exists in the live snapshot.
func (r *Registry) Create(desc *domain.ModelDescriptor) error {
	if err := Validate(desc); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.snap.Load().Get(desc.ID); exists {
		return domain.ErrConflict
	}
	if desc.CreatedAt.IsZero() {
		desc.CreatedAt = time.Now()
	}
	if err := r.writeDescriptor(desc); err != nil {
		return err
	}
	return r.reloadLocked()
}

// Update rewrites an existing descriptor's file and reloads.
func (r *Registry) Update(id string, desc *domain.ModelDescriptor) error {
	if desc.ID != id {
		return &domain.ValidationError{Field: "id", Reason: "id mismatch"}
	}
	if err := Validate(desc); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	prev, exists := r.snap.Load().Get(id)
	if !exists {
		return domain.ErrModelNotFound
	}
	// Provider moves relocate the file; remove the old one first.
	if prev.Provider != desc.Provider {
		os.Remove(r.descriptorPath(prev))
	}
	if err := r.writeDescriptor(desc); err != nil {
		return err
	}
	return r.reloadLocked()
}

// Delete removes a descriptor's file and reloads.
func (r *Registry) Delete(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	desc, exists := r.snap.Load().Get(id)
	if !exists {
		return domain.ErrModelNotFound
	}
	if err := os.Remove(r.descriptorPath(desc)); err != nil {
		return fmt.Errorf("remove descriptor: %w", err)
	}
	return r.reloadLocked()
}

func (r *Registry) descriptorPath(desc *domain.ModelDescriptor) string {
	name := desc.ID
	if idx := strings.IndexByte(name, '/'); idx >= 0 {
		name = name[idx+1:]
	}
	name = strings.ReplaceAll(name, "/", "_")
	return filepath.Join(r.dir, desc.Provider, name+".json")
}

// writeDescriptor persists atomically: write to a temp file in the target
// directory, then rename over the destination.
func (r *Registry) writeDescriptor(desc *domain.ModelDescriptor) error {
	path := r.descriptorPath(desc)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create provider dir: %w", err)
	}

	data, err := json.MarshalIndent(desc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal descriptor: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".model-*.json")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write descriptor: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close descriptor: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename descriptor: %w", err)
	}
	return nil
}

var validProviders = map[string]bool{
	"anthropic":  true,
	"openai":     true,
	"google":     true,
	"openrouter": true,
	"bedrock":    true,
	"local":      true,
}

var validWindowUnits = map[string]bool{
	"second": true,
	"minute": true,
	"hour":   true,
	"day":    true,
}

// Validate checks a descriptor against the registry schema.
func Validate(desc *domain.ModelDescriptor) error {
	if desc.ID == "" {
		return &domain.ValidationError{Field: "id", Reason: "required"}
	}
	if strings.ContainsAny(desc.ID, " \t\n") {
		return &domain.ValidationError{Field: "id", Reason: "must not contain whitespace"}
	}
	if desc.Provider == "" {
		return &domain.ValidationError{Field: "provider", Reason: "required"}
	}
	if !validProviders[desc.Provider] {
		return &domain.ValidationError{Field: "provider", Reason: fmt.Sprintf("unknown provider %q", desc.Provider)}
	}
	if desc.APIModel == "" {
		return &domain.ValidationError{Field: "api_model", Reason: "required"}
	}
	if err := validateLimit("global_rate_limit", desc.GlobalLimit); err != nil {
		return err
	}
	if err := validateLimit("user_rate_limit", desc.UserLimit); err != nil {
		return err
	}
	if p := desc.Parameters.Temperature; p != nil && (*p < 0 || *p > 2) {
		return &domain.ValidationError{Field: "parameters.temperature", Reason: "must be in [0,2]"}
	}
	if p := desc.Parameters.TopP; p != nil && (*p < 0 || *p > 1) {
		return &domain.ValidationError{Field: "parameters.top_p", Reason: "must be in [0,1]"}
	}
	return nil
}

func validateLimit(field string, spec *domain.RateLimitSpec) error {
	if spec == nil {
		return nil
	}
	if spec.Requests <= 0 {
		return &domain.ValidationError{Field: field + ".requests", Reason: "must be positive"}
	}
	if spec.Window.Amount <= 0 {
		return &domain.ValidationError{Field: field + ".window.amount", Reason: "must be positive"}
	}
	if !validWindowUnits[spec.Window.Unit] {
		return &domain.ValidationError{Field: field + ".window.unit", Reason: "must be second, minute, hour or day"}
	}
	return nil
}
