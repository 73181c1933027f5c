package schema

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ormasoftchile/scanbook/pkg/kernel/governance"
)

// ProjectFile is the name of the project manifest.
const ProjectFile = "scanbook.yaml"

// Project represents a scanbook.yaml manifest: run defaults shared by every
// playbook below its directory. Command-line flags override it.
type Project struct {
	Name     string          `yaml:"name"               json:"name"`
	Paths    ProjectPaths    `yaml:"paths,omitempty"    json:"paths,omitempty"`
	Defaults ProjectDefaults `yaml:"defaults,omitempty" json:"defaults,omitempty"`
	// Policy restricts which requests runs in this project may send.
	Policy *governance.Policy `yaml:"policy,omitempty" json:"policy,omitempty"`

	// Root is the absolute path to the directory containing scanbook.yaml.
	// Set after loading/discovery, not from YAML.
	Root string `yaml:"-" json:"-"`
}

// ProjectPaths overrides convention directories.
type ProjectPaths struct {
	Scenarios string `yaml:"scenarios,omitempty" json:"scenarios,omitempty"`
}

// ProjectDefaults are run settings applied when no flag is given.
type ProjectDefaults struct {
	Transport       string            `yaml:"transport,omitempty"       json:"transport,omitempty"`      // http, mock, replay
	RequestTimeout  string            `yaml:"requestTimeout,omitempty"  json:"requestTimeout,omitempty"` // Go duration, per exchange
	RunTimeout      string            `yaml:"runTimeout,omitempty"      json:"runTimeout,omitempty"`     // Go duration, whole run
	Insecure        bool              `yaml:"insecure,omitempty"        json:"insecure,omitempty"`
	FollowRedirects bool              `yaml:"followRedirects,omitempty" json:"followRedirects,omitempty"`
	StopOnFailure   bool              `yaml:"stopOnFailure,omitempty"   json:"stopOnFailure,omitempty"`
	MaxAuthDepth    int               `yaml:"maxAuthDepth,omitempty"    json:"maxAuthDepth,omitempty"`
	EnvFile         string            `yaml:"envFile,omitempty"         json:"envFile,omitempty"`
	Vars            map[string]string `yaml:"vars,omitempty"            json:"vars,omitempty"`
}

// ScenariosDir returns the effective scenarios directory (default: "scenarios").
func (p *Project) ScenariosDir() string {
	if p != nil && p.Paths.Scenarios != "" {
		return p.Paths.Scenarios
	}
	return "scenarios"
}

// RequestTimeoutDuration parses Defaults.RequestTimeout; zero when unset.
func (p *Project) RequestTimeoutDuration() (time.Duration, error) {
	if p == nil {
		return 0, nil
	}
	return p.duration("requestTimeout", p.Defaults.RequestTimeout)
}

// RunTimeoutDuration parses Defaults.RunTimeout; zero when unset.
func (p *Project) RunTimeoutDuration() (time.Duration, error) {
	if p == nil {
		return 0, nil
	}
	return p.duration("runTimeout", p.Defaults.RunTimeout)
}

func (p *Project) duration(key, value string) (time.Duration, error) {
	if value == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("project %s: defaults.%s: %w", p.Name, key, err)
	}
	return d, nil
}

// EnvFilePath returns Defaults.EnvFile relative to the project root.
func (p *Project) EnvFilePath() string {
	if p == nil || p.Defaults.EnvFile == "" {
		return ""
	}
	if filepath.IsAbs(p.Defaults.EnvFile) {
		return p.Defaults.EnvFile
	}
	return filepath.Join(p.Root, p.Defaults.EnvFile)
}

// LoadProjectFile reads a project manifest.
func LoadProjectFile(path string) (*Project, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read project manifest: %w", err)
	}

	var proj Project
	if err := yaml.Unmarshal(data, &proj); err != nil {
		return nil, fmt.Errorf("parse project manifest: %w", err)
	}

	if proj.Name == "" {
		return nil, fmt.Errorf("project manifest %s: name is required", path)
	}
	if err := proj.Policy.Validate(); err != nil {
		return nil, fmt.Errorf("project manifest %s: %w", path, err)
	}

	proj.Root = filepath.Dir(path)
	return &proj, nil
}

// DiscoverProject walks up from startPath to find the nearest scanbook.yaml.
// Returns nil (no error) if no manifest is found.
func DiscoverProject(startPath string) (*Project, error) {
	abs, err := filepath.Abs(startPath)
	if err != nil {
		return nil, err
	}

	// If startPath is a file, start from its directory
	info, err := os.Stat(abs)
	if err != nil {
		return nil, err
	}
	dir := abs
	if !info.IsDir() {
		dir = filepath.Dir(abs)
	}

	for {
		candidate := filepath.Join(dir, ProjectFile)
		if _, err := os.Stat(candidate); err == nil {
			return LoadProjectFile(candidate)
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return nil, nil
		}
		dir = parent
	}
}
