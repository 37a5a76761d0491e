package secrets

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"
)

const maxVaultBody = 1 << 20

// VaultConfig configures the HashiCorp Vault KV v2 provider. VAULT_ADDR,
// VAULT_TOKEN and VAULT_NAMESPACE override the file values.
type VaultConfig struct {
	Address        string `json:"address" yaml:"address" toml:"address"`
	Token          string `json:"token,omitempty" yaml:"token,omitempty" toml:"token"`
	Namespace      string `json:"namespace,omitempty" yaml:"namespace,omitempty" toml:"namespace"`
	TimeoutSeconds int    `json:"timeout_seconds" yaml:"timeout_seconds" toml:"timeout_seconds"` // Default: 5.
	TLSSkipVerify  bool   `json:"tls_skip_verify" yaml:"tls_skip_verify" toml:"tls_skip_verify"`
}

// VaultProvider resolves "vault://<kv2 api path>[#field]" references.
// Without a field the whole data map is returned as JSON.
type VaultProvider struct {
	address   string
	token     string
	namespace string
	client    *http.Client
}

// NewVaultProvider validates cfg after applying environment overrides.
func NewVaultProvider(cfg VaultConfig) (*VaultProvider, error) {
	address := strings.TrimRight(envOr("VAULT_ADDR", cfg.Address), "/")
	if address == "" {
		return nil, errors.New("vault: address is required (config or VAULT_ADDR)")
	}
	token := envOr("VAULT_TOKEN", cfg.Token)
	if token == "" {
		return nil, errors.New("vault: token is required (config or VAULT_TOKEN)")
	}
	timeout := 5 * time.Second
	if cfg.TimeoutSeconds > 0 {
		timeout = time.Duration(cfg.TimeoutSeconds) * time.Second
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if cfg.TLSSkipVerify {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // opt-in for dev clusters
	}
	return &VaultProvider{
		address:   address,
		token:     token,
		namespace: envOr("VAULT_NAMESPACE", cfg.Namespace),
		client:    &http.Client{Timeout: timeout, Transport: transport},
	}, nil
}

func (p *VaultProvider) Scheme() string { return "vault" }

func (p *VaultProvider) Resolve(ctx context.Context, ref string) (*Secret, error) {
	raw, ok := strings.CutPrefix(ref, "vault://")
	if !ok {
		return nil, fmt.Errorf("%w: not a vault reference: %q", ErrSecretNotFound, ref)
	}
	path, field, _ := strings.Cut(raw, "#")
	if path == "" {
		return nil, fmt.Errorf("%w: empty vault path", ErrSecretNotFound)
	}

	data, err := p.read(ctx, path)
	if err != nil {
		return nil, err
	}
	meta := map[string]string{"source": "vault", "path": path}
	if field == "" {
		b, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("vault: encode %q: %w", path, err)
		}
		return &Secret{Value: string(b), Metadata: meta}, nil
	}

	meta["field"] = field
	v, ok := data[field]
	if !ok {
		return nil, fmt.Errorf("%w: field %q missing at vault path %q", ErrSecretNotFound, field, path)
	}
	s, ok := v.(string)
	if !ok {
		return nil, fmt.Errorf("vault: field %q at %q is %T, want string", field, path, v)
	}
	return &Secret{Value: s, Metadata: meta}, nil
}

// read fetches the KV v2 envelope {"data": {"data": {...}}} at path.
func (p *VaultProvider) read(ctx context.Context, path string) (map[string]any, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.address+"/v1/"+path, nil)
	if err != nil {
		return nil, fmt.Errorf("vault: build request: %w", err)
	}
	req.Header.Set("X-Vault-Token", p.token)
	if p.namespace != "" {
		req.Header.Set("X-Vault-Namespace", p.namespace)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("vault: request %q: %w", path, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("%w: vault path %q", ErrSecretNotFound, path)
	case resp.StatusCode == http.StatusForbidden:
		return nil, fmt.Errorf("vault: access denied for %q", path)
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("vault: status %d for %q", resp.StatusCode, path)
	}

	var envelope struct {
		Data struct {
			Data map[string]any `json:"data"`
		} `json:"data"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxVaultBody)).Decode(&envelope); err != nil {
		return nil, fmt.Errorf("vault: decode %q: %w", path, err)
	}
	if envelope.Data.Data == nil {
		return nil, fmt.Errorf("%w: vault path %q has no data", ErrSecretNotFound, path)
	}
	return envelope.Data.Data, nil
}

// envOr returns the environment value for key when it is non-empty.
func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
