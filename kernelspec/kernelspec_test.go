package kernelspec

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"jupyterctl/kerrors"
)

func writeSpec(t *testing.T, dir, name string, spec Spec) {
	t.Helper()
	kdir := filepath.Join(dir, name)
	if err := os.MkdirAll(kdir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	data, err := json.Marshal(spec)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := os.WriteFile(filepath.Join(kdir, "kernel.json"), data, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func TestFindAndGetKernelSpec(t *testing.T) {
	system := t.TempDir()
	user := t.TempDir()

	writeSpec(t, system, "Python3", Spec{ArgV: []string{"python3", "{connection_file}"}, DisplayName: "Python 3", Language: "python"})
	writeSpec(t, user, "python3", Spec{ArgV: []string{"python3.12", "{connection_file}"}, DisplayName: "Python 3 (user)", Language: "python"})

	r := NewResolver(system, user)
	specs, err := r.FindKernelSpecs()
	if err != nil {
		t.Fatalf("FindKernelSpecs: %v", err)
	}
	if len(specs) != 1 {
		t.Fatalf("expected names to collide case-insensitively into one entry, got %v", specs)
	}

	got, err := r.GetKernelSpec("PYTHON3")
	if err != nil {
		t.Fatalf("GetKernelSpec: %v", err)
	}
	// user dir was searched second, so it must win.
	if got.DisplayName != "Python 3 (user)" {
		t.Fatalf("expected user kernel spec to override system one, got %+v", got)
	}
	if got.ResourceDir != filepath.Join(user, "python3") {
		t.Fatalf("expected ResourceDir %s, got %s", filepath.Join(user, "python3"), got.ResourceDir)
	}
}

func TestGetKernelSpecMissing(t *testing.T) {
	r := NewResolver(t.TempDir())
	_, err := r.GetKernelSpec("nope")
	if !kerrors.Of(err, kerrors.NoSuchKernel) {
		t.Fatalf("expected NoSuchKernel, got %v", err)
	}
}

func TestValidateRequiresConnectionFileToken(t *testing.T) {
	s := Spec{ArgV: []string{"python3"}}
	if err := s.Validate(); !kerrors.Of(err, kerrors.MalformedFrame) {
		t.Fatalf("expected MalformedFrame, got %v", err)
	}
}

func TestInstallKernelSpec(t *testing.T) {
	src := t.TempDir()
	writeSpec(t, src, "ignored", Spec{ArgV: []string{"k", "{connection_file}"}})
	// writeSpec nests under src/ignored/kernel.json; InstallKernelSpec
	// expects kernel.json directly under srcDir.
	srcDir := filepath.Join(src, "ignored")

	userDir := t.TempDir()
	r := NewResolver()
	if err := r.InstallKernelSpec(srcDir, "MyKernel", userDir, false); err != nil {
		t.Fatalf("InstallKernelSpec: %v", err)
	}

	r2 := NewResolver(filepath.Join(userDir, "kernels"))
	spec, err := r2.GetKernelSpec("mykernel")
	if err != nil {
		t.Fatalf("GetKernelSpec after install: %v", err)
	}
	if spec.ArgV[0] != "k" {
		t.Fatalf("unexpected installed spec: %+v", spec)
	}

	if err := r.InstallKernelSpec(srcDir, "MyKernel", userDir, false); !kerrors.Of(err, kerrors.MalformedFrame) {
		t.Fatalf("expected MalformedFrame on reinstall without replace, got %v", err)
	}
	if err := r.InstallKernelSpec(srcDir, "MyKernel", userDir, true); err != nil {
		t.Fatalf("InstallKernelSpec with replace: %v", err)
	}
}
