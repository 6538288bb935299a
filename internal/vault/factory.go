package vault

import (
	"context"
	"fmt"

	"mlsync/internal/config"
	"mlsync/internal/library"
)

// NewVaultFromConfig creates a Vault implementation based on the vault config type.
// Type "none" returns a nil vault and no error: snapshots are disabled.
func NewVaultFromConfig(ctx context.Context, cfg config.VaultConfig) (library.Vault, error) {
	switch cfg.Type {
	case "", "none":
		return nil, nil
	case "memory":
		return NewMemoryVault(cfg.Name), nil
	case "s3":
		if cfg.S3Bucket == "" {
			return nil, fmt.Errorf("s3 vault requires s3_bucket to be set")
		}
		v, err := NewS3Vault(ctx, S3Options{
			Name:         cfg.Name,
			Bucket:       cfg.S3Bucket,
			Prefix:       cfg.S3Prefix,
			Region:       cfg.S3Region,
			Endpoint:     cfg.S3Endpoint,
			AccessKeyID:  cfg.S3AccessKeyID,
			SecretKey:    cfg.S3SecretKey,
			UsePathStyle: cfg.S3UsePathStyle,
		})
		if err != nil {
			return nil, err
		}
		return v, nil
	case "filesystem":
		if cfg.FSVaultRoot == "" {
			return nil, fmt.Errorf("filesystem vault requires fs_vault_root to be set")
		}
		v, err := NewFileSystemVault(cfg.Name, cfg.FSVaultRoot)
		if err != nil {
			return nil, err
		}
		return v, nil
	default:
		return nil, fmt.Errorf("unknown vault type: %s", cfg.Type)
	}
}
