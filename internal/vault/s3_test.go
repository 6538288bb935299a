package vault

import (
	"context"
	"testing"
)

func TestS3Vault_Key(t *testing.T) {
	tests := []struct {
		prefix string
		want   string
	}{
		{"", "snapshots/index.db.zst"},
		{"mlsync", "mlsync/snapshots/index.db.zst"},
		{"backups/host-a/", "backups/host-a/snapshots/index.db.zst"},
	}
	for _, tt := range tests {
		t.Run(tt.prefix, func(t *testing.T) {
			v, err := NewS3Vault(context.Background(), S3Options{
				Bucket:      "bucket",
				Prefix:      tt.prefix,
				Region:      "us-east-1",
				AccessKeyID: "AKIDEXAMPLE",
				SecretKey:   "secret",
			})
			if err != nil {
				t.Fatalf("NewS3Vault() error = %v", err)
			}
			if got := v.key("index.db.zst"); got != tt.want {
				t.Errorf("key() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestParseVersion(t *testing.T) {
	tests := []struct {
		name     string
		metadata map[string]string
		want     int64
		wantErr  bool
	}{
		{"present", map[string]string{versionMetadataKey: "12"}, 12, false},
		{"absent", map[string]string{}, 0, false},
		{"nil", nil, 0, false},
		{"garbage", map[string]string{versionMetadataKey: "twelve"}, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseVersion(tt.metadata)
			if (err != nil) != tt.wantErr {
				t.Fatalf("parseVersion() error = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("parseVersion() = %d, want %d", got, tt.want)
			}
		})
	}
}
