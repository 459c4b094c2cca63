package model

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseQuantity(t *testing.T) {
	tests := []struct {
		in   string
		want Quantity
	}{
		{"8G", 8 * GiB},
		{"8g", 8 * GiB},
		{"8Gi", 8 * GiB},
		{"16GB", 16 * GiB},
		{"512M", 512 * MiB},
		{"512Mi", 512 * MiB},
		{"1024K", 1024 * KiB},
		{"8589934592", 8 * GiB},
		{" 4G ", 4 * GiB},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseQuantity(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseQuantity_Invalid(t *testing.T) {
	for _, in := range []string{"", "G", "eight", "-1G", "1.5G", "9000000000G", "9223372036854775807K"} {
		_, err := ParseQuantity(in)
		assert.Error(t, err, in)
		assert.True(t, errors.Is(err, ErrInvalidRequest), in)
	}
}

// TestQuantity_UnmarshalJSON 字符串与整数（GiB）两种输入
func TestQuantity_UnmarshalJSON(t *testing.T) {
	var cfg EngineConfig
	require.NoError(t, json.Unmarshal([]byte(`{"memory":"8G"}`), &cfg))
	assert.Equal(t, 8*GiB, cfg.Memory)

	require.NoError(t, json.Unmarshal([]byte(`{"memory":16}`), &cfg))
	assert.Equal(t, 16*GiB, cfg.Memory)

	require.NoError(t, json.Unmarshal([]byte(`{"memory":"8192"}`), &cfg))
	assert.Equal(t, Quantity(8192), cfg.Memory)

	err := json.Unmarshal([]byte(`{"memory":"lots"}`), &cfg)
	assert.True(t, errors.Is(err, ErrInvalidRequest))

	err = json.Unmarshal([]byte(`{"memory":true}`), &cfg)
	assert.Error(t, err)

	// 17179869184 GiB 超出 int64 字节数
	cfg = EngineConfig{}
	err = json.Unmarshal([]byte(`{"memory":17179869184}`), &cfg)
	assert.True(t, errors.Is(err, ErrInvalidRequest))
	assert.Zero(t, cfg.Memory)
}

// TestQuantity_PersistedFormKeepsBytes 持久化后再读取不改变字节数
func TestQuantity_PersistedFormKeepsBytes(t *testing.T) {
	in := EngineConfig{Memory: 3 * GiB}
	data, err := json.Marshal(in)
	require.NoError(t, err)
	assert.JSONEq(t, `{"memory":"3221225472"}`, string(data))

	var out EngineConfig
	require.NoError(t, json.Unmarshal(data, &out))
	assert.Equal(t, in.Memory, out.Memory)
}

func TestQuantity_String(t *testing.T) {
	assert.Equal(t, "8G", (8 * GiB).String())
	assert.Equal(t, "512M", (512 * MiB).String())
	assert.Equal(t, "3K", (3 * KiB).String())
	assert.Equal(t, "1000", Quantity(1000).String())
	assert.Equal(t, "0", Quantity(0).String())
}
