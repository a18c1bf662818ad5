// Package registry discovers generation models on disk.
package registry

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"gend/internal/common/fsutil"
	"gend/pkg/types"
)

const (
	ClassDiffusion = "diffusion"
	ClassUpscaler  = "upscaler"
	ClassText      = "text"
)

// diffusersIndex marks a directory laid out as a diffusers pipeline.
const diffusersIndex = "model_index.json"

var variants = []string{"fp16", "fp32", "bf16", "int8", "q2_k", "q3_k_m", "q4_0", "q4_k_m", "q4_k_s", "q5_k_m", "q6_k", "q8_0"}

// LoadDir scans dir for model files and diffusers directories. IDs are the
// entry names; paths are absolute.
//
//   - *.gguf: text
//   - *.safetensors, *.ckpt, *.onnx: diffusion, or upscaler when the name mentions esrgan/upscal
//   - *.pth: upscaler
//   - directories containing model_index.json: diffusion
func LoadDir(dir string) ([]types.Model, error) {
	abs, err := fsutil.ResolveDir(dir)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(abs)
	if err != nil {
		return nil, fmt.Errorf("read dir: %w", err)
	}
	var models []types.Model
	for _, e := range entries {
		name := e.Name()
		p := filepath.Join(abs, name)
		var class string
		if e.IsDir() {
			if !fsutil.IsFile(filepath.Join(p, diffusersIndex)) {
				continue
			}
			class = ClassDiffusion
		} else if class = classifyFile(name); class == "" {
			continue
		}
		models = append(models, types.Model{
			ID:      name,
			Name:    displayName(name),
			Path:    p,
			Class:   class,
			Variant: variantOf(name),
			Family:  familyOf(name),
		})
	}
	sort.Slice(models, func(i, j int) bool { return models[i].ID < models[j].ID })
	return models, nil
}

func classifyFile(name string) string {
	lower := strings.ToLower(name)
	upscaler := strings.Contains(lower, "esrgan") || strings.Contains(lower, "upscal")
	switch filepath.Ext(lower) {
	case ".gguf":
		return ClassText
	case ".pth":
		return ClassUpscaler
	case ".safetensors", ".ckpt", ".onnx":
		if upscaler {
			return ClassUpscaler
		}
		return ClassDiffusion
	}
	return ""
}

func displayName(name string) string {
	return strings.TrimSuffix(name, filepath.Ext(name))
}

func variantOf(name string) string {
	lower := strings.ToLower(displayName(name))
	for _, v := range variants {
		if strings.Contains(lower, v) {
			return v
		}
	}
	return ""
}

func familyOf(name string) string {
	lower := strings.ToLower(displayName(name))
	if i := strings.IndexAny(lower, "-_. "); i > 0 {
		lower = lower[:i]
	}
	return lower
}

// Registry is a reloadable, concurrency-safe view of a models directory.
type Registry struct {
	dir string

	mu     sync.RWMutex
	models []types.Model
	byID   map[string]types.Model
}

// New scans dir once. An empty dir yields an empty registry.
func New(dir string) (*Registry, error) {
	r := &Registry{dir: dir, byID: map[string]types.Model{}}
	if dir == "" {
		return r, nil
	}
	if err := r.Reload(); err != nil {
		return nil, err
	}
	return r, nil
}

// FromModels builds a registry over a fixed list.
func FromModels(models []types.Model) *Registry {
	r := &Registry{byID: map[string]types.Model{}}
	r.set(models)
	return r
}

// Reload rescans the directory.
func (r *Registry) Reload() error {
	if r.dir == "" {
		return nil
	}
	models, err := LoadDir(r.dir)
	if err != nil {
		return err
	}
	r.set(models)
	return nil
}

func (r *Registry) set(models []types.Model) {
	byID := make(map[string]types.Model, len(models))
	for _, m := range models {
		byID[m.ID] = m
	}
	r.mu.Lock()
	r.models = append([]types.Model(nil), models...)
	r.byID = byID
	r.mu.Unlock()
}

// List returns every model in ID order.
func (r *Registry) List() []types.Model {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]types.Model(nil), r.models...)
}

// Get looks a model up by ID. The display name (ID without extension) is
// accepted as well.
func (r *Registry) Get(id string) (types.Model, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if m, ok := r.byID[id]; ok {
		return m, true
	}
	for _, m := range r.models {
		if m.Name == id {
			return m, true
		}
	}
	return types.Model{}, false
}

// FirstOfClass returns the first model serving class in ID order.
func (r *Registry) FirstOfClass(class string) (types.Model, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, m := range r.models {
		if m.Class == class {
			return m, true
		}
	}
	return types.Model{}, false
}
