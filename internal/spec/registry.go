package spec

import (
	"errors"
	"fmt"
	"os"

	"github.com/goccy/go-json"
	"gopkg.in/yaml.v3"
)

const (
	// DefaultSpecName is the name of the built-in kernel specification installed
	// when no catalog file is configured.
	DefaultSpecName = "python"

	DefaultImage              = "zjuici/tablegpt-kernel:0.1.1"
	DefaultWorkingDir         = "/mnt/data"
	DefaultNamespace          = "default"
	DefaultIdleTimeoutSeconds = 3600
)

var (
	ErrSpecNotFound = errors.New("kernel spec not found")
	ErrUnnamedSpec  = errors.New("kernel spec catalog entry has no name")
)

// Spec is an immutable catalog entry describing the defaults used when
// creating a kernel of a given kind.
type Spec struct {
	Name               string `yaml:"name"                 json:"name"`
	Image              string `yaml:"image"                json:"image"`
	WorkingDir         string `yaml:"working_dir"          json:"working_dir"`
	Namespace          string `yaml:"namespace"            json:"namespace"`
	IdleTimeoutSeconds int    `yaml:"idle_timeout_seconds" json:"idle_timeout_seconds"`
}

func (s Spec) String() string {
	m, err := json.Marshal(&s)
	if err != nil {
		panic(err)
	}

	return string(m)
}

// DefaultSpec returns the built-in kernel specification.
func DefaultSpec() Spec {
	return Spec{
		Name:               DefaultSpecName,
		Image:              DefaultImage,
		WorkingDir:         DefaultWorkingDir,
		Namespace:          DefaultNamespace,
		IdleTimeoutSeconds: DefaultIdleTimeoutSeconds,
	}
}

// Registry is the static catalog of allowed kernel specifications. It is
// populated once at process start and is read-only thereafter, so it requires
// no locking.
type Registry struct {
	specs map[string]Spec
	names []string
}

// NewRegistry builds a Registry from the given catalog entries. Entries with
// empty fields inherit the built-in defaults for those fields. Entry order is
// preserved by Names.
func NewRegistry(specs []Spec) (*Registry, error) {
	registry := &Registry{
		specs: make(map[string]Spec, len(specs)),
		names: make([]string, 0, len(specs)),
	}

	for i, s := range specs {
		if s.Name == "" {
			return nil, fmt.Errorf("%w: entry %d", ErrUnnamedSpec, i)
		}

		if s.Image == "" {
			s.Image = DefaultImage
		}
		if s.WorkingDir == "" {
			s.WorkingDir = DefaultWorkingDir
		}
		if s.Namespace == "" {
			s.Namespace = DefaultNamespace
		}
		if s.IdleTimeoutSeconds == 0 {
			s.IdleTimeoutSeconds = DefaultIdleTimeoutSeconds
		}

		if _, loaded := registry.specs[s.Name]; !loaded {
			registry.names = append(registry.names, s.Name)
		}
		registry.specs[s.Name] = s
	}

	return registry, nil
}

// LoadRegistry reads a YAML catalog file and builds a Registry from it.
// An empty path yields a Registry containing only the built-in spec.
func LoadRegistry(path string) (*Registry, error) {
	if path == "" {
		return NewRegistry([]Spec{DefaultSpec()})
	}

	contents, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read kernel spec catalog \"%s\": %w", path, err)
	}

	var catalog struct {
		Specs []Spec `yaml:"specs"`
	}
	if err = yaml.Unmarshal(contents, &catalog); err != nil {
		return nil, fmt.Errorf("failed to parse kernel spec catalog \"%s\": %w", path, err)
	}

	return NewRegistry(catalog.Specs)
}

// Resolve returns the Spec registered under the given name.
func (r *Registry) Resolve(name string) (Spec, error) {
	s, loaded := r.specs[name]
	if !loaded {
		return Spec{}, fmt.Errorf("%w: \"%s\"", ErrSpecNotFound, name)
	}

	return s, nil
}

// Names returns the catalog's spec names in catalog order.
func (r *Registry) Names() []string {
	names := make([]string, len(r.names))
	copy(names, r.names)
	return names
}
