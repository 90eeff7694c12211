package config

import (
	"context"
	"fmt"
	"os"

	vault "github.com/hashicorp/vault/api"
	"github.com/rs/zerolog/log"
)

// OverlaySecrets overlays exchange credentials and infrastructure passwords
// from Vault onto the loaded config. Missing Vault or missing keys fall back
// to what the config/environment already provided; the overlay only ever
// fills in or replaces, it never blanks a value.
func OverlaySecrets(ctx context.Context, cfg *Config) error {
	if !cfg.Vault.Enabled {
		return nil
	}

	client, err := newVaultClient(cfg.Vault)
	if err != nil {
		return fmt.Errorf("vault client: %w", err)
	}

	secret, err := client.KVv2(cfg.Vault.MountPath).Get(ctx, cfg.Vault.SecretPath)
	if err != nil {
		return fmt.Errorf("vault read %s/%s: %w", cfg.Vault.MountPath, cfg.Vault.SecretPath, err)
	}

	applied := 0
	for name, ex := range cfg.Exchanges {
		if v, ok := stringValue(secret.Data, name+"_api_key"); ok {
			ex.APIKey = v
			applied++
		}
		if v, ok := stringValue(secret.Data, name+"_secret_key"); ok {
			ex.SecretKey = v
			applied++
		}
		cfg.Exchanges[name] = ex
	}
	if v, ok := stringValue(secret.Data, "database_password"); ok {
		cfg.Database.Password = v
		applied++
	}
	if v, ok := stringValue(secret.Data, "redis_password"); ok {
		cfg.Redis.Password = v
		applied++
	}
	if v, ok := stringValue(secret.Data, "telegram_token"); ok {
		cfg.Alerts.TelegramToken = v
		applied++
	}

	log.Info().
		Int("secrets_applied", applied).
		Str("path", cfg.Vault.SecretPath).
		Msg("Vault secrets overlaid")

	return nil
}

func newVaultClient(cfg VaultConfig) (*vault.Client, error) {
	vc := vault.DefaultConfig()
	vc.Address = cfg.Address

	client, err := vault.NewClient(vc)
	if err != nil {
		return nil, err
	}

	switch cfg.AuthMethod {
	case "token", "":
		token := cfg.Token
		if token == "" {
			token = os.Getenv("VAULT_TOKEN")
		}
		if token == "" {
			return nil, fmt.Errorf("no vault token configured")
		}
		client.SetToken(token)
	case "kubernetes":
		jwt, err := os.ReadFile("/var/run/secrets/kubernetes.io/serviceaccount/token")
		if err != nil {
			return nil, fmt.Errorf("read service account token: %w", err)
		}
		resp, err := client.Logical().Write("auth/kubernetes/login", map[string]interface{}{
			"role": "perpcycle",
			"jwt":  string(jwt),
		})
		if err != nil {
			return nil, fmt.Errorf("kubernetes auth: %w", err)
		}
		client.SetToken(resp.Auth.ClientToken)
	case "approle":
		resp, err := client.Logical().Write("auth/approle/login", map[string]interface{}{
			"role_id":   os.Getenv("VAULT_ROLE_ID"),
			"secret_id": os.Getenv("VAULT_SECRET_ID"),
		})
		if err != nil {
			return nil, fmt.Errorf("approle auth: %w", err)
		}
		client.SetToken(resp.Auth.ClientToken)
	default:
		return nil, fmt.Errorf("unsupported vault auth method: %s", cfg.AuthMethod)
	}

	return client, nil
}

func stringValue(data map[string]interface{}, key string) (string, bool) {
	v, ok := data[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	if !ok || s == "" {
		return "", false
	}
	return s, true
}
