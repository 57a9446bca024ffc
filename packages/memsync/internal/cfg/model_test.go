package cfg

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		t.Setenv("TARGET_PID", "1234")

		config, err := Parse()
		require.NoError(t, err)

		assert.Equal(t, RoleMaster, config.Role)
		assert.Equal(t, 1234, config.TargetPID)
		assert.Equal(t, uint64(4096), config.PageSize)
		assert.Equal(t, 16*time.Millisecond, config.SyncInterval)
		assert.Equal(t, 100, config.SnapshotBatchSize)
		assert.Equal(t, 10*time.Millisecond, config.SnapshotBatchDelay)
		assert.Equal(t, 2*time.Second, config.ReadyRetryInterval)
		assert.Equal(t, []string{"game", "main", "engine"}, config.TargetModules)
		assert.Equal(t, uint64(1<<20), config.MaxHeuristicRegionSize)
		assert.Equal(t, []string{"game"}, config.Modules)
		assert.Equal(t, uint64(50<<20), config.MaxScanSize)
		assert.Equal(t, 30*time.Second, config.CacheTTL)
		assert.Equal(t, "redis://localhost:6379", config.RedisURL)
		assert.Equal(t, "memsync", config.TopicPrefix)
		assert.True(t, config.CompressMessages)
		assert.Equal(t, 10*time.Second, config.MasterLeaseTTL)
		assert.Empty(t, config.Critical())
	})

	t.Run("overrides", func(t *testing.T) {
		t.Setenv("ROLE", "client")
		t.Setenv("TARGET_PROCESS_NAME", "game.bin")
		t.Setenv("PAGE_SIZE", "16384")
		t.Setenv("SYNC_INTERVAL", "33ms")
		t.Setenv("TARGET_MODULES", "fc26,game")
		t.Setenv("TOPIC_PREFIX", "room-7")
		t.Setenv("COMPRESS_MESSAGES", "false")

		config, err := Parse()
		require.NoError(t, err)

		assert.Equal(t, RoleClient, config.Role)
		assert.Equal(t, "game.bin", config.TargetProcessName)
		assert.Equal(t, uint64(16384), config.PageSize)
		assert.Equal(t, 33*time.Millisecond, config.SyncInterval)
		assert.Equal(t, []string{"fc26", "game"}, config.TargetModules)
		assert.Equal(t, "room-7", config.TopicPrefix)
		assert.False(t, config.CompressMessages)
	})

	t.Run("critical addresses are hexadecimal", func(t *testing.T) {
		t.Setenv("TARGET_PID", "1")
		t.Setenv("CRITICAL_ADDRESSES", "0x7ff6a000,1234")

		config, err := Parse()
		require.NoError(t, err)

		assert.Equal(t, []uint64{0x7ff6a000, 0x1234}, config.Critical())
	})

	t.Run("invalid critical address", func(t *testing.T) {
		t.Setenv("TARGET_PID", "1")
		t.Setenv("CRITICAL_ADDRESSES", "0xnope")

		_, err := Parse()
		require.Error(t, err)
	})

	t.Run("signatures", func(t *testing.T) {
		t.Setenv("TARGET_PID", "1")
		t.Setenv("SIGNATURES", "health:48 8B ?? 05|48 8C ?? 05,score:AA BB")

		config, err := Parse()
		require.NoError(t, err)

		patterns, err := config.Patterns()
		require.NoError(t, err)
		require.Len(t, patterns, 3)

		byName := make(map[string][]string)
		for _, p := range patterns {
			byName[p.Name] = append(byName[p.Name], p.String())
		}

		assert.Equal(t, []string{"48 8B ?? 05", "48 8C ?? 05"}, byName["health"])
		assert.Equal(t, []string{"AA BB"}, byName["score"])
	})

	t.Run("legacy signatures use the sentinel", func(t *testing.T) {
		t.Setenv("TARGET_PID", "1")
		t.Setenv("SIGNATURES", "health:11 FF 33")
		t.Setenv("SIGNATURE_LEGACY", "true")
		t.Setenv("SIGNATURE_WILDCARD", "255")

		config, err := Parse()
		require.NoError(t, err)

		patterns, err := config.Patterns()
		require.NoError(t, err)
		require.Len(t, patterns, 1)
		assert.Equal(t, "11 ?? 33", patterns[0].String())
	})

	t.Run("legacy signatures keep explicit wildcards", func(t *testing.T) {
		t.Setenv("TARGET_PID", "1")
		t.Setenv("SIGNATURES", "health:11 ?? 33 CC")
		t.Setenv("SIGNATURE_LEGACY", "true")
		t.Setenv("SIGNATURE_WILDCARD", "204")

		config, err := Parse()
		require.NoError(t, err)

		patterns, err := config.Patterns()
		require.NoError(t, err)
		require.Len(t, patterns, 1)
		assert.Equal(t, "11 ?? 33 ??", patterns[0].String())
		assert.Equal(t, 0, patterns[0].Index([]byte{0x11, 0x22, 0x33, 0x44}, 0))
	})

	t.Run("invalid signature", func(t *testing.T) {
		t.Setenv("TARGET_PID", "1")
		t.Setenv("SIGNATURES", "health:48 XY")

		_, err := Parse()
		require.Error(t, err)
	})

	t.Run("missing target", func(t *testing.T) {
		_, err := Parse()
		require.ErrorContains(t, err, "TARGET_PID")
	})

	t.Run("invalid role and page size", func(t *testing.T) {
		t.Setenv("TARGET_PID", "1")
		t.Setenv("ROLE", "observer")
		t.Setenv("PAGE_SIZE", "3000")

		_, err := Parse()
		require.ErrorContains(t, err, "observer")
		require.ErrorContains(t, err, "power of two")
	})
}
