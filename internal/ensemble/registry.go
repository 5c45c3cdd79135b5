package ensemble

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"confluence/internal/logger"

	"github.com/fsnotify/fsnotify"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// ModelSpec 描述注册表中的一个模型。
type ModelSpec struct {
	Name           string             `yaml:"name" json:"name"`
	Type           string             `yaml:"type" json:"type"`
	Weight         float64            `yaml:"weight" json:"weight"`
	Intercept      float64            `yaml:"intercept,omitempty" json:"intercept,omitempty"`
	Coefficients   map[string]float64 `yaml:"coefficients,omitempty" json:"coefficients,omitempty"`
	Stumps         []Stump            `yaml:"stumps,omitempty" json:"stumps,omitempty"`
	URL            string             `yaml:"url,omitempty" json:"url,omitempty"`
	TimeoutSeconds int                `yaml:"timeout_seconds,omitempty" json:"timeout_seconds,omitempty"`
	Disabled       bool               `yaml:"disabled,omitempty" json:"disabled,omitempty"`
}

// RegistryFile 映射模型注册表文件。
type RegistryFile struct {
	Models map[string]ModelSpec `yaml:"models" json:"models"`
}

// RegistrySnapshot 公开的注册表快照。
type RegistrySnapshot struct {
	Version  int64
	LoadedAt time.Time
	Specs    []ModelSpec
}

// RegistryListener 在注册表重载后触发。
type RegistryListener func(RegistrySnapshot)

const registrySchema = `{
  "type": "object",
  "required": ["models"],
  "properties": {
    "models": {
      "type": "object",
      "minProperties": 1,
      "additionalProperties": {
        "type": "object",
        "required": ["type", "weight"],
        "properties": {
          "type": {"enum": ["logistic", "forest", "remote"]},
          "weight": {"type": "number", "exclusiveMinimum": 0},
          "intercept": {"type": "number"},
          "coefficients": {"type": "object", "additionalProperties": {"type": "number"}},
          "stumps": {
            "type": "array",
            "items": {
              "type": "object",
              "required": ["feature", "threshold", "left", "right"],
              "properties": {
                "feature": {"type": "string", "minLength": 1},
                "threshold": {"type": "number"},
                "left": {"type": "number", "minimum": 0, "maximum": 1},
                "right": {"type": "number", "minimum": 0, "maximum": 1}
              }
            }
          },
          "url": {"type": "string"},
          "timeout_seconds": {"type": "integer", "minimum": 0}
        },
        "allOf": [
          {"if": {"properties": {"type": {"const": "forest"}}}, "then": {"required": ["stumps"], "properties": {"stumps": {"minItems": 1}}}},
          {"if": {"properties": {"type": {"const": "logistic"}}}, "then": {"required": ["coefficients"]}},
          {"if": {"properties": {"type": {"const": "remote"}}}, "then": {"required": ["url"]}}
        ]
      }
    }
  }
}`

var compiledRegistrySchema = mustCompileSchema(registrySchema)

func mustCompileSchema(raw string) *jsonschema.Schema {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("registry.json", strings.NewReader(raw)); err != nil {
		panic(err)
	}
	return compiler.MustCompile("registry.json")
}

// Registry 管理模型定义，文件变更时自动重载。
type Registry struct {
	path string
	v    *viper.Viper

	mu        sync.RWMutex
	snapshot  RegistrySnapshot
	listeners []RegistryListener
}

// NewRegistry 读取注册表；watch 为 true 时监听文件变更。
func NewRegistry(path string, watch bool) (*Registry, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("model registry requires path")
	}
	r := &Registry{path: path}
	if err := r.reload(); err != nil {
		return nil, err
	}
	if watch {
		v := viper.New()
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read model registry failed: %w", err)
		}
		v.OnConfigChange(func(evt fsnotify.Event) {
			if err := r.reload(); err != nil {
				logger.Errorf("model registry reload failed (%s): %v", evt.Name, err)
				return
			}
			r.notifyListeners()
		})
		v.WatchConfig()
		r.v = v
	}
	return r, nil
}

func (r *Registry) Snapshot() RegistrySnapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return cloneRegistrySnapshot(r.snapshot)
}

// OnChange 注册重载回调。
func (r *Registry) OnChange(fn RegistryListener) {
	if fn == nil {
		return
	}
	r.mu.Lock()
	r.listeners = append(r.listeners, fn)
	r.mu.Unlock()
}

// Models 按当前快照构建模型。
func (r *Registry) Models() ([]WeightedModel, error) {
	return BuildModels(r.Snapshot().Specs)
}

func (r *Registry) reload() error {
	file, err := LoadRegistryFile(r.path)
	if err != nil {
		return err
	}
	specs := normalizeSpecs(file)
	if _, err := BuildModels(specs); err != nil {
		return err
	}
	r.mu.Lock()
	r.snapshot = RegistrySnapshot{
		Version:  r.snapshot.Version + 1,
		LoadedAt: time.Now(),
		Specs:    specs,
	}
	r.mu.Unlock()
	logger.Infof("Model registry loaded %d models from %s", len(specs), filepath.Base(r.path))
	return nil
}

func (r *Registry) notifyListeners() {
	r.mu.RLock()
	snap := cloneRegistrySnapshot(r.snapshot)
	listeners := append([]RegistryListener(nil), r.listeners...)
	r.mu.RUnlock()
	for _, fn := range listeners {
		func(cb RegistryListener) {
			defer safeRecover("model registry listener")
			cb(snap)
		}(fn)
	}
}

// LoadRegistryFile 严格解析 YAML 并按 JSON Schema 校验。
func LoadRegistryFile(path string) (RegistryFile, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return RegistryFile{}, fmt.Errorf("read model registry failed: %w", err)
	}
	var doc any
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return RegistryFile{}, fmt.Errorf("parse model registry failed: %w", err)
	}
	asJSON, err := json.Marshal(doc)
	if err != nil {
		return RegistryFile{}, fmt.Errorf("model registry is not json compatible: %w", err)
	}
	var generic any
	if err := json.Unmarshal(asJSON, &generic); err != nil {
		return RegistryFile{}, err
	}
	if err := compiledRegistrySchema.Validate(generic); err != nil {
		return RegistryFile{}, fmt.Errorf("model registry schema validation failed: %w", err)
	}
	var file RegistryFile
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&file); err != nil {
		return RegistryFile{}, fmt.Errorf("decode model registry failed: %w", err)
	}
	return file, nil
}

func normalizeSpecs(file RegistryFile) []ModelSpec {
	specs := make([]ModelSpec, 0, len(file.Models))
	for key, spec := range file.Models {
		spec.Name = strings.TrimSpace(spec.Name)
		if spec.Name == "" {
			spec.Name = strings.TrimSpace(key)
		}
		spec.Type = strings.ToLower(strings.TrimSpace(spec.Type))
		if spec.Disabled {
			continue
		}
		specs = append(specs, spec)
	}
	sort.Slice(specs, func(i, j int) bool {
		if specs[i].Weight != specs[j].Weight {
			return specs[i].Weight > specs[j].Weight
		}
		return specs[i].Name < specs[j].Name
	})
	return specs
}

// BuildModels 将 spec 转换为可推理的模型。
func BuildModels(specs []ModelSpec) ([]WeightedModel, error) {
	out := make([]WeightedModel, 0, len(specs))
	for _, spec := range specs {
		var m Model
		switch spec.Type {
		case "logistic":
			m = NewLogisticModel(spec.Name, spec.Intercept, spec.Coefficients)
		case "forest":
			if len(spec.Stumps) == 0 {
				return nil, fmt.Errorf("model %s: forest requires stumps", spec.Name)
			}
			m = NewForestModel(spec.Name, spec.Stumps)
		case "remote":
			if strings.TrimSpace(spec.URL) == "" {
				return nil, fmt.Errorf("model %s: remote requires url", spec.Name)
			}
			m = NewRemoteModel(spec.Name, spec.URL, time.Duration(spec.TimeoutSeconds)*time.Second)
		default:
			return nil, fmt.Errorf("model %s: unknown type %q", spec.Name, spec.Type)
		}
		out = append(out, WeightedModel{Model: m, Weight: spec.Weight})
	}
	return out, nil
}

func cloneRegistrySnapshot(src RegistrySnapshot) RegistrySnapshot {
	return RegistrySnapshot{
		Version:  src.Version,
		LoadedAt: src.LoadedAt,
		Specs:    append([]ModelSpec(nil), src.Specs...),
	}
}

func safeRecover(tag string) {
	if r := recover(); r != nil {
		logger.Errorf("%s panic: %v", tag, r)
	}
}
