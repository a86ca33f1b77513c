// Package kernelspec discovers and loads kernel launch specifications
// from a directory-precedence filesystem layout, the way Jupyter's own
// kernelspec machinery lays kernels out on disk.
package kernelspec

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"jupyterctl/kerrors"
)

// Spec is a kernel launch specification.
type Spec struct {
	ArgV          []string          `json:"argv"`
	DisplayName   string            `json:"display_name"`
	Language      string            `json:"language"`
	Env           map[string]string `json:"env,omitempty"`
	InterruptMode string            `json:"interrupt_mode,omitempty"`
	Metadata      map[string]any    `json:"metadata,omitempty"`

	// ResourceDir is the directory the kernel.json was loaded from,
	// substituted for {resource_dir} at launch. Not part of the file.
	ResourceDir string `json:"-"`
}

// Validate checks the invariants a kernel.json must satisfy.
func (s *Spec) Validate() error {
	if len(s.ArgV) == 0 {
		return kerrors.New(kerrors.MalformedFrame, "", "", "kernel spec argv is empty")
	}
	hasToken := false
	for _, tok := range s.ArgV {
		if strings.Contains(tok, "{connection_file}") {
			hasToken = true
			break
		}
	}
	if !hasToken {
		return kerrors.New(kerrors.MalformedFrame, "", "", "kernel spec argv must contain {connection_file}")
	}
	if s.InterruptMode != "" && s.InterruptMode != "signal" && s.InterruptMode != "message" {
		return kerrors.New(kerrors.MalformedFrame, "", "", "interrupt_mode must be signal or message")
	}
	return nil
}

// Resolver searches a well-known, explicitly constructed set of
// directories for named kernel specs. Tests and callers build their
// own disposable Resolver rather than reaching into process-wide
// state.
type Resolver struct {
	// Dirs is searched in order; later directories override earlier
	// ones by name.
	Dirs []string
}

// NewResolver builds a resolver over explicit directories.
func NewResolver(dirs ...string) *Resolver {
	return &Resolver{Dirs: dirs}
}

// DefaultSearchPath builds the standard precedence order from the
// JUPYTER_* environment variables, lowest-priority first: system dirs,
// then JUPYTER_PATH entries, then the user data dir, finally
// JUPYTER_DATA_DIR when set (highest priority, as it is the most
// specific override a caller can set).
func DefaultSearchPath(home string) []string {
	var dirs []string
	dirs = append(dirs,
		filepath.Join("/usr", "share", "jupyter", "kernels"),
		filepath.Join("/usr", "local", "share", "jupyter", "kernels"),
	)
	if jp := os.Getenv("JUPYTER_PATH"); jp != "" {
		for _, p := range filepath.SplitList(jp) {
			dirs = append(dirs, filepath.Join(p, "kernels"))
		}
	}
	if home != "" {
		dirs = append(dirs, filepath.Join(home, ".local", "share", "jupyter", "kernels"))
	}
	if dd := os.Getenv("JUPYTER_DATA_DIR"); dd != "" {
		dirs = append(dirs, filepath.Join(dd, "kernels"))
	}
	return dirs
}

// FindKernelSpecs returns every discoverable kernel name mapped to the
// directory that provides it, normalising names to lowercase and
// letting later search directories override earlier ones.
func (r *Resolver) FindKernelSpecs() (map[string]string, error) {
	found := make(map[string]string)
	for _, dir := range r.Dirs {
		entries, err := os.ReadDir(dir)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, kerrors.Wrap(kerrors.MalformedFrame, "", "", "list kernel spec directory "+dir, err)
		}
		for _, e := range entries {
			if !e.IsDir() {
				continue
			}
			specPath := filepath.Join(dir, e.Name(), "kernel.json")
			if _, err := os.Stat(specPath); err != nil {
				continue
			}
			found[strings.ToLower(e.Name())] = filepath.Join(dir, e.Name())
		}
	}
	return found, nil
}

// GetKernelSpec loads and validates the named kernel spec.
func (r *Resolver) GetKernelSpec(name string) (*Spec, error) {
	specs, err := r.FindKernelSpecs()
	if err != nil {
		return nil, err
	}
	dir, ok := specs[strings.ToLower(name)]
	if !ok {
		return nil, kerrors.New(kerrors.NoSuchKernel, "", "", "no such kernel: "+name)
	}
	return loadSpec(filepath.Join(dir, "kernel.json"))
}

func loadSpec(path string) (*Spec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, kerrors.Wrap(kerrors.MalformedFrame, "", "", "read kernel spec", err)
	}
	var s Spec
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, kerrors.Wrap(kerrors.MalformedFrame, "", "", "parse kernel spec", err)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	s.ResourceDir = filepath.Dir(path)
	return &s, nil
}

// InstallKernelSpec copies srcDir (a directory containing kernel.json
// and optional resource files) to userDataDir/kernels/<name>, with name
// lowercased; replace controls whether an existing installation under
// name is overwritten. The target is always rooted under userDataDir;
// there is no system-wide install mode.
func (r *Resolver) InstallKernelSpec(srcDir, name string, userDataDir string, replace bool) error {
	name = strings.ToLower(name)
	if _, err := os.Stat(filepath.Join(srcDir, "kernel.json")); err != nil {
		return kerrors.Wrap(kerrors.MalformedFrame, "", "", "source has no kernel.json", err)
	}
	dest := filepath.Join(userDataDir, "kernels", name)
	if _, err := os.Stat(dest); err == nil {
		if !replace {
			return kerrors.New(kerrors.MalformedFrame, "", "", fmt.Sprintf("kernel spec %s already installed", name))
		}
		if err := os.RemoveAll(dest); err != nil {
			return kerrors.Wrap(kerrors.PermissionDenied, "", "", "remove existing kernel spec", err)
		}
	}
	if err := copyDir(srcDir, dest); err != nil {
		return kerrors.Wrap(kerrors.PermissionDenied, "", "", "install kernel spec", err)
	}
	return nil
}

func copyDir(src, dest string) error {
	entries, err := os.ReadDir(src)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return err
	}
	for _, e := range entries {
		srcPath := filepath.Join(src, e.Name())
		destPath := filepath.Join(dest, e.Name())
		if e.IsDir() {
			if err := copyDir(srcPath, destPath); err != nil {
				return err
			}
			continue
		}
		data, err := os.ReadFile(srcPath)
		if err != nil {
			return err
		}
		if err := os.WriteFile(destPath, data, 0o644); err != nil {
			return err
		}
	}
	return nil
}
