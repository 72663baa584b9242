package sandbox

import (
	"path/filepath"
	"testing"

	"hightide/internal/agenterr"
)

func TestResolveWithinSandbox(t *testing.T) {
	base := t.TempDir()
	r := New(base, "s1")
	root := filepath.Join(base, "s1")

	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"empty", "", root},
		{"slash", "/", root},
		{"dot", ".", root},
		{"simple file", "config.yml", filepath.Join(root, "config.yml")},
		{"leading slash stripped", "/world/level.dat", filepath.Join(root, "world", "level.dat")},
		{"backslashes normalized", `logs\latest.log`, filepath.Join(root, "logs", "latest.log")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := r.Resolve(tt.input)
			if err != nil {
				t.Fatalf("Resolve(%q) error: %v", tt.input, err)
			}
			if got != tt.want {
				t.Errorf("Resolve(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestResolveEscape(t *testing.T) {
	base := t.TempDir()
	r := New(base, "s1")

	tests := []string{
		"../../../etc/passwd",
		"world/../../escape",
		"..",
		"a/b/../../../c",
	}

	for _, in := range tests {
		t.Run(in, func(t *testing.T) {
			_, err := r.Resolve(in)
			if err == nil {
				t.Fatalf("Resolve(%q) = nil error, want PathEscape", in)
			}
			if kind, ok := agenterr.As(err); !ok || kind != agenterr.KindPathEscape {
				t.Errorf("Resolve(%q) kind = %v, want KindPathEscape", in, kind)
			}
		})
	}
}

func TestVirtualizeRoundTrip(t *testing.T) {
	base := t.TempDir()
	r := New(base, "s1")

	abs, err := r.Resolve("world/level.dat")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got := r.Virtualize(abs); got != "/world/level.dat" {
		t.Errorf("Virtualize(%q) = %q, want /world/level.dat", abs, got)
	}
	if got := r.Virtualize(r.Root()); got != "/" {
		t.Errorf("Virtualize(root) = %q, want /", got)
	}
}
