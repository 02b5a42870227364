package sandbox

import (
	"fmt"
	"path/filepath"
	"strconv"
)

// Mount binds a host path into the container.
type Mount struct {
	Source   string
	Target   string
	ReadOnly bool
}

// Limits caps the resources available to a match container.
type Limits struct {
	Memory     string `yaml:"memory"`
	MemorySwap string `yaml:"memorySwap"`
	CPUs       string `yaml:"cpus"`
	PidsLimit  int    `yaml:"pidsLimit"`
}

// DefaultLimits returns the caps every match runs with unless configured otherwise.
func DefaultLimits() Limits {
	return Limits{
		Memory:     "1g",
		MemorySwap: "1g",
		CPUs:       "1",
		PidsLimit:  100,
	}
}

func (l *Limits) applyDefaults() {
	def := DefaultLimits()
	if l.Memory == "" {
		l.Memory = def.Memory
	}
	if l.MemorySwap == "" {
		l.MemorySwap = def.MemorySwap
	}
	if l.CPUs == "" {
		l.CPUs = def.CPUs
	}
	if l.PidsLimit <= 0 {
		l.PidsLimit = def.PidsLimit
	}
}

// RunSpec describes one containerized simulation.
type RunSpec struct {
	Name   string
	Image  string
	Mounts []Mount
	Limits Limits
}

func validateRunSpec(spec RunSpec) error {
	if spec.Name == "" {
		return fmt.Errorf("container name is required")
	}
	if spec.Image == "" {
		return fmt.Errorf("image is required")
	}
	for _, m := range spec.Mounts {
		if m.Source == "" || m.Target == "" {
			return fmt.Errorf("mount source and target are required")
		}
	}
	return nil
}

// BuildArgs renders the runtime arguments for spec, starting at the "run" verb.
// Relative mount sources are resolved to absolute paths.
func BuildArgs(spec RunSpec) ([]string, error) {
	if err := validateRunSpec(spec); err != nil {
		return nil, err
	}
	limits := spec.Limits
	limits.applyDefaults()

	args := []string{"run", "--rm"}
	for _, m := range spec.Mounts {
		src, err := filepath.Abs(m.Source)
		if err != nil {
			return nil, fmt.Errorf("resolve mount source %s: %w", m.Source, err)
		}
		opt := "type=bind,src=" + src + ",dst=" + m.Target
		if m.ReadOnly {
			opt += ",readonly"
		}
		args = append(args, "--mount", opt)
	}
	args = append(args,
		"--memory="+limits.Memory,
		"--memory-swap="+limits.MemorySwap,
		"--cpus="+limits.CPUs,
		"--pids-limit="+strconv.Itoa(limits.PidsLimit),
		"--name", spec.Name,
		spec.Image,
	)
	return args, nil
}
