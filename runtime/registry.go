package runtime

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Placeholders substituted into command templates when a descriptor is
// turned into a concrete argument vector.
const (
	PlaceholderFile      = "{file}"
	PlaceholderClassname = "{classname}"
)

// Descriptor identifies one executable language/version combination.
// Command templates are argument vectors, never shell strings.
type Descriptor struct {
	Language   string   `yaml:"language"`
	Version    string   `yaml:"version"`
	Aliases    []string `yaml:"aliases"`
	Image      string   `yaml:"image"`
	Extension  string   `yaml:"extension"`
	Compiled   bool     `yaml:"compiled"`
	CompileCmd []string `yaml:"compile_cmd"`
	RunCmd     []string `yaml:"run_cmd"`
	Runtime    string   `yaml:"runtime"`
}

// Registry is the immutable catalog of available runtimes. It is built
// once at startup and read without synchronization afterwards.
type Registry struct {
	ordered []Descriptor
	byName  map[string]int
}

// Defaults returns the built-in runtime catalog.
func Defaults() []Descriptor {
	return []Descriptor{
		{
			Language:  "python",
			Version:   "3.12.0",
			Aliases:   []string{"python3", "py"},
			Image:     "vbase-python-runner",
			Extension: ".py",
			RunCmd:    []string{"python3", PlaceholderFile},
		},
		{
			Language:  "javascript",
			Version:   "20.0.0",
			Aliases:   []string{"js", "node", "node-js"},
			Image:     "vbase-node-runner",
			Extension: ".js",
			Runtime:   "node",
			RunCmd:    []string{"node", PlaceholderFile},
		},
		{
			Language:   "c",
			Version:    "13.2.0",
			Aliases:    []string{"gcc"},
			Image:      "vbase-c-runner",
			Extension:  ".c",
			Compiled:   true,
			CompileCmd: []string{"gcc", "-o", "/tmp/program", PlaceholderFile, "-lm"},
			RunCmd:     []string{"/tmp/program"},
		},
		{
			Language:   "c++",
			Version:    "13.2.0",
			Aliases:    []string{"cpp", "g++", "cplusplus"},
			Image:      "vbase-cpp-runner",
			Extension:  ".cpp",
			Compiled:   true,
			CompileCmd: []string{"g++", "-o", "/tmp/program", PlaceholderFile, "-lm"},
			RunCmd:     []string{"/tmp/program"},
		},
		{
			Language:   "java",
			Version:    "21.0.0",
			Aliases:    []string{"jdk"},
			Image:      "vbase-java-runner",
			Extension:  ".java",
			Compiled:   true,
			CompileCmd: []string{"javac", "-d", "/tmp", PlaceholderFile},
			RunCmd:     []string{"java", "-cp", "/tmp", PlaceholderClassname},
		},
	}
}

// NewRegistry builds a registry from the given descriptors. Duplicate
// names or aliases are rejected so that resolution stays unambiguous.
func NewRegistry(descriptors []Descriptor) (*Registry, error) {
	if len(descriptors) == 0 {
		return nil, fmt.Errorf("runtime catalog is empty")
	}

	r := &Registry{
		ordered: make([]Descriptor, 0, len(descriptors)),
		byName:  make(map[string]int),
	}

	for _, d := range descriptors {
		if d.Language == "" || d.Version == "" || d.Image == "" {
			return nil, fmt.Errorf("runtime descriptor missing language, version or image: %+v", d)
		}
		if len(d.RunCmd) == 0 {
			return nil, fmt.Errorf("runtime %s has no run command", d.Language)
		}
		if d.Compiled && len(d.CompileCmd) == 0 {
			return nil, fmt.Errorf("compiled runtime %s has no compile command", d.Language)
		}

		idx := len(r.ordered)
		r.ordered = append(r.ordered, d)

		names := append([]string{d.Language}, d.Aliases...)
		for _, name := range names {
			key := strings.ToLower(strings.TrimSpace(name))
			if key == "" {
				return nil, fmt.Errorf("runtime %s has an empty alias", d.Language)
			}
			if _, exists := r.byName[key]; exists {
				return nil, fmt.Errorf("duplicate runtime name or alias: %s", key)
			}
			r.byName[key] = idx
		}
	}

	return r, nil
}

// LoadCatalog reads a YAML runtime catalog from path. An empty path
// selects the built-in defaults.
func LoadCatalog(path string) ([]Descriptor, error) {
	if path == "" {
		return Defaults(), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read runtime catalog: %w", err)
	}

	var catalog struct {
		Runtimes []Descriptor `yaml:"runtimes"`
	}
	if err := yaml.Unmarshal(data, &catalog); err != nil {
		return nil, fmt.Errorf("failed to parse runtime catalog: %w", err)
	}
	if len(catalog.Runtimes) == 0 {
		return nil, fmt.Errorf("runtime catalog %s declares no runtimes", path)
	}

	return catalog.Runtimes, nil
}

// Resolve looks up a descriptor by language name or alias and version.
// Matching is case-insensitive and exact; an empty version or "*" selects
// the registered version for the language. The bool reports whether a
// descriptor was found.
func (r *Registry) Resolve(language, version string) (Descriptor, bool) {
	idx, ok := r.byName[strings.ToLower(strings.TrimSpace(language))]
	if !ok {
		return Descriptor{}, false
	}

	d := r.ordered[idx]
	switch v := strings.TrimSpace(version); v {
	case "", "*", d.Version:
		return d, true
	default:
		return Descriptor{}, false
	}
}

// List returns the catalog in registration order.
func (r *Registry) List() []Descriptor {
	out := make([]Descriptor, len(r.ordered))
	copy(out, r.ordered)
	return out
}
