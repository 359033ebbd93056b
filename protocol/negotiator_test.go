package protocol

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildHandshake(t *testing.T) {
	client := Client{Mode: ModeRead, User: User{ID: "user-1"}}

	t.Run("carries identity, token and epoch", func(t *testing.T) {
		msg := BuildHandshake(client, "doc-1", "tenant-1", "tok", "epoch-7")

		assert.Equal(t, "doc-1", msg.ID)
		assert.Equal(t, "tenant-1", msg.TenantID)
		assert.Equal(t, "tok", msg.Token)
		assert.Equal(t, "epoch-7", msg.Epoch)
		assert.Equal(t, ModeRead, msg.Mode)
		assert.Equal(t, "user-1", msg.Client.User.ID)
	})

	t.Run("offers every version newest first", func(t *testing.T) {
		msg := BuildHandshake(client, "doc-1", "tenant-1", "tok", "")
		assert.Equal(t, []string{"^0.4.0", "^0.3.0", "^0.2.0", "^0.1.0"}, msg.Versions)

		msg.Versions[0] = "mutated"
		assert.Equal(t, "^0.4.0", Versions[0])
	})

	t.Run("nonce is fresh per handshake", func(t *testing.T) {
		a := BuildHandshake(client, "doc-1", "tenant-1", "tok", "")
		b := BuildHandshake(client, "doc-1", "tenant-1", "tok", "")
		require.NotEmpty(t, a.Nonce)
		assert.NotEqual(t, a.Nonce, b.Nonce)
	})

	t.Run("defaults to write mode", func(t *testing.T) {
		msg := BuildHandshake(Client{}, "doc-1", "tenant-1", "tok", "")
		assert.Equal(t, ModeWrite, msg.Mode)
		assert.Equal(t, ModeWrite, msg.Client.Mode)
	})

	t.Run("wire field names", func(t *testing.T) {
		raw, err := json.Marshal(BuildHandshake(client, "doc-1", "tenant-1", "tok", ""))
		require.NoError(t, err)

		var fields map[string]any
		require.NoError(t, json.Unmarshal(raw, &fields))
		for _, k := range []string{"client", "id", "mode", "tenantId", "token", "versions", "nonce"} {
			assert.Contains(t, fields, k)
		}
		assert.NotContains(t, fields, "epoch")
	})
}

func TestSupports(t *testing.T) {
	tests := []struct {
		version string
		want    bool
	}{
		{"", true},
		{"0.4.0", true},
		{"0.4.3", true},
		{"0.1.0", true},
		{"0.5.0", false},
		{"1.0.0", false},
		{"0.0.9", false},
		{"garbage", false},
		{"0.3", true},
		{"v0.2.7", true},
	}

	for _, tt := range tests {
		t.Run(tt.version, func(t *testing.T) {
			assert.Equal(t, tt.want, Supports(Versions, tt.version))
		})
	}

	assert.True(t, Supports([]string{"^1.2.0"}, "1.9.0"))
	assert.False(t, Supports([]string{"^1.2.0"}, "1.1.9"))
	assert.False(t, Supports([]string{"not a range"}, "0.4.0"))
}

func TestValidateEpoch(t *testing.T) {
	ctx := context.Background()
	details := ConnectedDetails{ClientID: "c1", Epoch: "e1"}

	t.Run("nil validator accepts", func(t *testing.T) {
		assert.NoError(t, ValidateEpoch(ctx, nil, details))
	})

	t.Run("validator error is returned unchanged", func(t *testing.T) {
		want := errors.New("stale epoch")
		v := EpochValidatorFunc(func(ctx context.Context, d ConnectedDetails) error {
			assert.Equal(t, "e1", d.Epoch)
			return want
		})

		assert.Same(t, want, ValidateEpoch(ctx, v, details))
	})
}

func TestErrorPayload_RetryAfterDuration(t *testing.T) {
	assert.Equal(t, time.Duration(0), ErrorPayload{}.RetryAfterDuration())
	assert.Equal(t, 1500*time.Millisecond, ErrorPayload{RetryAfter: 1.5}.RetryAfterDuration())
}
