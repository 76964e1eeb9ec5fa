package secrets

import (
	"context"
	"fmt"
	"os"
	"strings"
)

// EnvProvider reads "env://VARIABLE" references.
type EnvProvider struct{}

func (EnvProvider) Scheme() string { return "env" }

func (EnvProvider) Resolve(_ context.Context, name string) (string, error) {
	if name == "" {
		return "", fmt.Errorf("%w: empty environment variable name", ErrNotFound)
	}
	value := os.Getenv(name)
	if value == "" {
		return "", fmt.Errorf("%w: environment variable %q is not set or empty", ErrNotFound, name)
	}
	return value, nil
}

// FileProvider reads "file:///path" references, as mounted by Docker or
// Kubernetes secrets. A single trailing newline is dropped.
type FileProvider struct{}

func (FileProvider) Scheme() string { return "file" }

func (FileProvider) Resolve(_ context.Context, path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("%w: empty file path", ErrNotFound)
	}
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return "", fmt.Errorf("reading secret file: %w", err)
	}
	value := strings.TrimSuffix(strings.TrimSuffix(string(b), "\n"), "\r")
	if value == "" {
		return "", fmt.Errorf("%w: secret file %s is empty", ErrNotFound, path)
	}
	return value, nil
}
