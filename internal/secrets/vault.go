package secrets

import (
	"context"
	"errors"
	"fmt"
	"strings"

	vault "github.com/hashicorp/vault/api"
)

// VaultProvider stores secrets in a HashiCorp Vault KV v2 mount. Each
// secret lives at <base>/<key> with the value under the "value" field.
type VaultProvider struct {
	kv   *vault.KVv2
	base string
}

// NewVaultProvider connects to the Vault at cfg.VaultAddr. cfg.VaultPath
// selects the KV v2 mount and the base path under it; both the logical
// form ("secret/outflow") and the wire form ("secret/data/outflow") are
// accepted, since the client library adds the data segment itself.
func NewVaultProvider(cfg *Config) (*VaultProvider, error) {
	if cfg.VaultAddr == "" {
		return nil, fmt.Errorf("%w: vault address is required", ErrProviderError)
	}

	vaultCfg := vault.DefaultConfig()
	vaultCfg.Address = cfg.VaultAddr

	client, err := vault.NewClient(vaultCfg)
	if err != nil {
		return nil, fmt.Errorf("creating vault client: %w", err)
	}
	if cfg.VaultToken != "" {
		client.SetToken(cfg.VaultToken)
	}
	if cfg.VaultNamespace != "" {
		client.SetNamespace(cfg.VaultNamespace)
	}

	mount, base := splitVaultPath(cfg.VaultPath)
	return &VaultProvider{kv: client.KVv2(mount), base: base}, nil
}

// Get retrieves a secret's "value" field
func (p *VaultProvider) Get(ctx context.Context, key string) (string, error) {
	secret, err := p.kv.Get(ctx, p.base+"/"+key)
	if err != nil {
		if errors.Is(err, vault.ErrSecretNotFound) {
			return "", ErrSecretNotFound
		}
		return "", fmt.Errorf("%w: %v", ErrProviderError, err)
	}

	value, ok := secret.Data["value"].(string)
	if !ok {
		return "", ErrSecretNotFound
	}
	return value, nil
}

// Set stores a secret under the "value" field
func (p *VaultProvider) Set(ctx context.Context, key, value string) error {
	if _, err := p.kv.Put(ctx, p.base+"/"+key, map[string]any{"value": value}); err != nil {
		return fmt.Errorf("%w: %v", ErrProviderError, err)
	}
	return nil
}

// Delete removes a secret and its version history
func (p *VaultProvider) Delete(ctx context.Context, key string) error {
	if err := p.kv.DeleteMetadata(ctx, p.base+"/"+key); err != nil {
		if errors.Is(err, vault.ErrSecretNotFound) {
			return ErrSecretNotFound
		}
		return fmt.Errorf("%w: %v", ErrProviderError, err)
	}
	return nil
}

// Name returns the provider name
func (p *VaultProvider) Name() string {
	return "vault"
}

// splitVaultPath resolves the configured KV path into the mount name and
// the base path beneath it. The first segment is the mount; a following
// "data" segment is dropped because the KV v2 client adds it on the wire.
// A single segment is a base path under the default "secret" mount.
func splitVaultPath(path string) (mount, base string) {
	segments := strings.Split(strings.Trim(path, "/"), "/")
	switch {
	case segments[0] == "":
		return "secret", "outflow"
	case len(segments) == 1:
		return "secret", segments[0]
	}

	mount = segments[0]
	rest := segments[1:]
	if rest[0] == "data" {
		rest = rest[1:]
	}
	if len(rest) == 0 {
		return mount, "outflow"
	}
	return mount, strings.Join(rest, "/")
}
