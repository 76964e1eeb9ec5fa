package secrets

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

// kvV2Response builds a Vault KV v2 JSON response body.
func kvV2Response(data map[string]any) []byte {
	b, _ := json.Marshal(map[string]any{
		"data": map[string]any{
			"data":     data,
			"metadata": map[string]any{"version": 1},
		},
	})
	return b
}

// clearVaultEnv prevents host environment from interfering with tests.
func clearVaultEnv(t *testing.T) {
	t.Helper()
	t.Setenv("VAULT_ADDR", "")
	t.Setenv("VAULT_TOKEN", "")
	t.Setenv("VAULT_NAMESPACE", "")
}

func newVault(t *testing.T) *VaultProvider {
	t.Helper()
	clearVaultEnv(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Vault-Token") != "test-token" {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		switch r.URL.Path {
		case "/v1/secret/data/devconsole":
			if r.Header.Get("X-Vault-Namespace") != "team" {
				w.WriteHeader(http.StatusForbidden)
				return
			}
			_, _ = w.Write(kvV2Response(map[string]any{"secret": "open-sesame", "port": 8080}))
		case "/v1/secret/data/empty":
			_, _ = w.Write([]byte(`{"data":{}}`))
		case "/v1/secret/data/broken":
			w.WriteHeader(http.StatusBadGateway)
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)

	vp, err := NewVaultProvider(VaultConfig{Address: srv.URL + "/", Token: "test-token", Namespace: "team"})
	if err != nil {
		t.Fatalf("NewVaultProvider: %v", err)
	}
	return vp
}

func TestVaultResolveField(t *testing.T) {
	vp := newVault(t)
	got, err := vp.Resolve(context.Background(), "secret/data/devconsole#secret")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got != "open-sesame" {
		t.Fatalf("got %q", got)
	}
}

func TestVaultResolveErrors(t *testing.T) {
	vp := newVault(t)
	tests := []struct {
		ref      string
		notFound bool
		contains string
	}{
		{"secret/data/devconsole", false, "#field"},
		{"#secret", true, "empty vault path"},
		{"secret/data/devconsole#missing", true, "missing"},
		{"secret/data/devconsole#port", false, "not a string"},
		{"secret/data/nope#secret", true, "nope"},
		{"secret/data/empty#secret", true, "no data"},
		{"secret/data/broken#secret", false, "502"},
	}
	for _, tt := range tests {
		_, err := vp.Resolve(context.Background(), tt.ref)
		if err == nil {
			t.Errorf("%s: expected error", tt.ref)
			continue
		}
		if errors.Is(err, ErrNotFound) != tt.notFound {
			t.Errorf("%s: errors.Is(ErrNotFound) = %v, err = %v", tt.ref, !tt.notFound, err)
		}
		if !strings.Contains(err.Error(), tt.contains) {
			t.Errorf("%s: error %q does not mention %q", tt.ref, err, tt.contains)
		}
	}
}

func TestVaultForbidden(t *testing.T) {
	vp := newVault(t)
	vp.token = "wrong"
	_, err := vp.Resolve(context.Background(), "secret/data/devconsole#secret")
	if err == nil || !strings.Contains(err.Error(), "access denied") {
		t.Fatalf("err = %v", err)
	}
}

func TestNewVaultProviderRequiresAddressAndToken(t *testing.T) {
	clearVaultEnv(t)
	if _, err := NewVaultProvider(VaultConfig{Token: "t"}); err == nil {
		t.Error("expected error without address")
	}
	if _, err := NewVaultProvider(VaultConfig{Address: "http://vault:8200"}); err == nil {
		t.Error("expected error without token")
	}

	t.Setenv("VAULT_ADDR", "http://from-env:8200")
	t.Setenv("VAULT_TOKEN", "env-token")
	vp, err := NewVaultProvider(VaultConfig{})
	if err != nil {
		t.Fatalf("NewVaultProvider from env: %v", err)
	}
	if vp.address != "http://from-env:8200" || vp.token != "env-token" {
		t.Fatalf("address=%q token=%q", vp.address, vp.token)
	}
}
