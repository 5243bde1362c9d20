package config

import (
	"errors"
	"strings"
	"testing"
)

func TestValidateVersion(t *testing.T) {
	tests := []struct {
		version int
		wantErr string
	}{
		{version: CurrentVersion},
		{version: -1, wantErr: "unsupported"},
		{version: CurrentVersion + 1, wantErr: "newer than this build"},
	}
	for _, tt := range tests {
		err := ValidateVersion(tt.version)
		if tt.wantErr == "" {
			if err != nil {
				t.Errorf("ValidateVersion(%d) = %v", tt.version, err)
			}
			continue
		}
		var ve *VersionError
		if !errors.As(err, &ve) {
			t.Fatalf("ValidateVersion(%d) = %T, want *VersionError", tt.version, err)
		}
		if !strings.Contains(err.Error(), tt.wantErr) {
			t.Errorf("ValidateVersion(%d) = %q, want %q", tt.version, err, tt.wantErr)
		}
	}
}

func TestLoadDefaultsMissingVersion(t *testing.T) {
	path := writeConfig(t, minimalConfig)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Version != CurrentVersion {
		t.Errorf("Version = %d, want %d", cfg.Version, CurrentVersion)
	}
}
