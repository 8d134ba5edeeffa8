package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig_Valid(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())
}

func TestConfig_Validate(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func(c *Config)
		wantErr bool
	}{
		{"page size not power of two", func(c *Config) { c.PageSize = 1000 }, true},
		{"page size too small", func(c *Config) { c.PageSize = 256 }, true},
		{"page size too large", func(c *Config) { c.PageSize = 64 * 1024 }, true},
		{"zero cache size", func(c *Config) { c.PageCacheSizeBytes = 0 }, true},
		{"dirty ratio zero", func(c *Config) { c.MaxDirtyRatio = 0 }, true},
		{"dirty ratio over one", func(c *Config) { c.MaxDirtyRatio = 1.5 }, true},
		{"zero open segments", func(c *Config) { c.MaxNumOpenSegments = 0 }, true},
		{"zero generation size", func(c *Config) { c.MaxWALGenerationSize = 0 }, true},
		{"defaults with smaller page size", func(c *Config) { c.PageSize = 4096 }, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(&cfg)
			err := cfg.Validate()
			if tc.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestConfig_BodySize(t *testing.T) {
	cfg := DefaultConfig()
	cfg.PageSize = 4096
	assert.Equal(t, 4096-perPageHeaderSize, cfg.bodySize())
}
