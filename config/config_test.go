package config

import (
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	assert.False(t, cfg.ShowSpaces)
	assert.True(t, cfg.SpacesShowAllInHome)
	assert.False(t, cfg.ShowVoiceRecorder)
	assert.False(t, cfg.EnableLocationSharing)
	assert.Equal(t, WhenTyping, cfg.KeySharingStrategy)
	assert.Equal(t, 7*24*time.Hour, cfg.ShowUnverifiedSessionsAlertAfter)
	assert.Equal(t, 2*time.Minute, cfg.VoiceMessageLimit)
	assert.False(t, cfg.ReleaseAnalytics.Enabled)
	assert.NoError(t, cfg.Validate())
}

func TestParse(t *testing.T) {
	t.Run("empty document keeps defaults", func(t *testing.T) {
		cfg, err := Parse("")
		require.NoError(t, err)
		assert.Equal(t, Default(), cfg)
	})
	t.Run("overlay", func(t *testing.T) {
		cfg, err := Parse(`
show_spaces = true
key_sharing_strategy = "WhenEnteringRoom"
show_unverified_sessions_alert_after = "72h"
encrypt_to_verified_devices_only = true

[release_analytics]
enabled = true
posthog_host = "https://posthog.example"
posthog_api_key = "key"
`)
		require.NoError(t, err)
		assert.True(t, cfg.ShowSpaces)
		assert.False(t, cfg.SpacesShowAllInHome)
		assert.Equal(t, WhenEnteringRoom, cfg.KeySharingStrategy)
		assert.Equal(t, 72*time.Hour, cfg.ShowUnverifiedSessionsAlertAfter)
		assert.True(t, cfg.EncryptToVerifiedDevicesOnly)
		assert.True(t, cfg.ReleaseAnalytics.Enabled)
		assert.Equal(t, 2*time.Minute, cfg.VoiceMessageLimit)
	})
	t.Run("explicit spaces_show_all_in_home wins", func(t *testing.T) {
		cfg, err := Parse("show_spaces = true\nspaces_show_all_in_home = true")
		require.NoError(t, err)
		assert.True(t, cfg.SpacesShowAllInHome)
	})
	t.Run("unknown keys", func(t *testing.T) {
		_, err := Parse(`show_spacez = true`)
		assert.ErrorIs(t, err, ErrorUnknownKeys)
	})
	t.Run("invalid values", func(t *testing.T) {
		_, err := Parse(`key_sharing_strategy = "Never"`)
		assert.ErrorIs(t, err, ErrorInvalidKeySharingStrategy)
		_, err = Parse(`onboarding_variant = "NONE"`)
		assert.ErrorIs(t, err, ErrorInvalidOnboardingVariant)
		_, err = Parse(`voice_message_limit = "0s"`)
		assert.ErrorIs(t, err, ErrorInvalidValue)
		_, err = Parse(`enable_location_sharing = true`)
		assert.ErrorIs(t, err, ErrorLocationSharingWithoutKey)
		_, err = Parse("[debug_analytics]\nenabled = true")
		assert.ErrorIs(t, err, ErrorAnalyticsIncomplete)
	})
	t.Run("malformed document", func(t *testing.T) {
		_, err := Parse(`show_spaces = `)
		assert.Error(t, err)
	})
}

func TestLoadAndEncode(t *testing.T) {
	cfg := Default()
	cfg.KeySharingStrategy = WhenSendingEvent
	cfg.ShowUnverifiedSessionsAlertAfter = time.Hour
	encoded, err := cfg.Encode()
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "tchap.toml")
	require.NoError(t, os.WriteFile(path, []byte(encoded), 0600))
	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)

	_, err = Load(filepath.Join(t.TempDir(), "missing.toml"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}
