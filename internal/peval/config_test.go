package peval

import (
	"go/token"
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.MaxCallDepth <= 0 || cfg.MaxPeelIterations <= 0 || cfg.MaxPointerChase <= 0 {
		t.Fatalf("non-positive default bounds: %+v", cfg)
	}
	if !cfg.isHandleFunc("os.Getpid") {
		t.Error("os.Getpid not a default handle func")
	}
	if cfg.isHandleFunc("os.Exit") {
		t.Error("os.Exit treated as a handle func")
	}
}

func TestLoadConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "llpe.yaml")
	src := `max_call_depth: 5
max_peel_iterations: 12
handle_funcs:
  - syscall.Open
  - p.fakeOpen
`
	if err := os.WriteFile(path, []byte(src), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.MaxCallDepth != 5 {
		t.Errorf("MaxCallDepth = %d, want 5", cfg.MaxCallDepth)
	}
	if cfg.MaxPeelIterations != 12 {
		t.Errorf("MaxPeelIterations = %d, want 12", cfg.MaxPeelIterations)
	}
	// Unset keys keep their defaults.
	if cfg.MaxPointerChase != DefaultConfig().MaxPointerChase {
		t.Errorf("MaxPointerChase = %d, want default", cfg.MaxPointerChase)
	}
	if !cfg.isHandleFunc("p.fakeOpen") {
		t.Error("handle_funcs from the file not applied")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("LLPE_MAX_PEEL", "7")
	t.Setenv("LLPE_DEBUG", "0")
	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.MaxPeelIterations != 7 {
		t.Errorf("MaxPeelIterations = %d, want 7 from LLPE_MAX_PEEL", cfg.MaxPeelIterations)
	}

	// The env package caches the environment; a later change must still be
	// seen by the next load.
	t.Setenv("LLPE_MAX_PEEL", "9")
	cfg, err = LoadConfig("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.MaxPeelIterations != 9 {
		t.Errorf("MaxPeelIterations = %d after env change, want 9", cfg.MaxPeelIterations)
	}
}

func TestNegativeBoundRejected(t *testing.T) {
	t.Setenv("LLPE_MAX_DEPTH", "-1")
	if _, err := LoadConfig(""); err == nil {
		t.Fatal("negative bound accepted")
	}
}

func TestMissingConfigFile(t *testing.T) {
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("missing file accepted")
	}
}

func TestCustomHandleFunc(t *testing.T) {
	cfg := DefaultConfig()
	cfg.HandleFuncs = append(cfg.HandleFuncs, "p.acquire")
	a := analyzeFn(t, `package p
func acquire() int
func f() bool {
	h := acquire()
	return h < 0
}`, "f", cfg)

	root := a.Root()
	cmp := findBinOp(t, root.Func(), token.LSS)
	wantBool(t, root.ConstValue(cmp), false)
}
