package secrets

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestResolverLiteralsAndReferences(t *testing.T) {
	t.Setenv("DEVCONSOLE_TEST_SECRET", "from-env")
	path := filepath.Join(t.TempDir(), "key")
	if err := os.WriteFile(path, []byte("from-file\n"), 0600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	r := NewResolver(EnvProvider{}, FileProvider{})
	tests := []struct {
		in   string
		want string
	}{
		{"", ""},
		{"MY_SECRET", "MY_SECRET"},
		{"env://DEVCONSOLE_TEST_SECRET", "from-env"},
		{"file://" + path, "from-file"},
		{"postgres://user:pw@db:5432/app", "postgres://user:pw@db:5432/app"},
	}
	for _, tt := range tests {
		got, err := r.Resolve(context.Background(), tt.in)
		if err != nil {
			t.Fatalf("Resolve(%q): %v", tt.in, err)
		}
		if got != tt.want {
			t.Errorf("Resolve(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestResolverErrors(t *testing.T) {
	t.Setenv("DEVCONSOLE_UNSET", "")
	r := NewResolver(EnvProvider{}, FileProvider{})

	for _, ref := range []string{
		"env://DEVCONSOLE_UNSET",
		"env://",
		"file:///does/not/exist",
	} {
		if _, err := r.Resolve(context.Background(), ref); !errors.Is(err, ErrNotFound) {
			t.Errorf("Resolve(%q) err = %v, want ErrNotFound", ref, err)
		}
	}

	// vault is a reference scheme even when no provider is configured.
	if _, err := r.Resolve(context.Background(), "vault://secret/data/x#y"); err == nil {
		t.Error("unconfigured vault reference resolved")
	}
}

func TestResolveAll(t *testing.T) {
	t.Setenv("DEVCONSOLE_TEST_A", "a")
	r := NewResolver(EnvProvider{})

	x, y := "env://DEVCONSOLE_TEST_A", "literal"
	if err := r.ResolveAll(context.Background(), &x, &y); err != nil {
		t.Fatalf("ResolveAll: %v", err)
	}
	if x != "a" || y != "literal" {
		t.Fatalf("x=%q y=%q", x, y)
	}

	z := "env://DEVCONSOLE_TEST_MISSING_" + t.Name()
	if err := r.ResolveAll(context.Background(), &z); err == nil {
		t.Fatal("expected error")
	}
}

func TestIsReference(t *testing.T) {
	for in, want := range map[string]bool{
		"env://X":      true,
		"file:///a":    true,
		"plain":        false,
		"://nothing":   false,
		"a b://c":      false,
		"http://host/": true,
	} {
		if got := IsReference(in); got != want {
			t.Errorf("IsReference(%q) = %v, want %v", in, got, want)
		}
	}
}
