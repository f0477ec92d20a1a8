package config

import (
	"github.com/BurntSushi/toml"
	"github.com/tchap/go-tchap-sdk/utils"
	"github.com/ztrue/tracerr"
	"strings"
	"time"
)

var (
	// ErrorUnknownKeys is returned when a config file holds keys this version does not know
	ErrorUnknownKeys = utils.NewTchapError("CONFIG_UNKNOWN_KEYS", "unknown keys in config")
	// ErrorInvalidKeySharingStrategy is returned for an unknown key sharing strategy
	ErrorInvalidKeySharingStrategy = utils.NewTchapError("CONFIG_INVALID_KEY_SHARING_STRATEGY", "invalid key sharing strategy")
	// ErrorInvalidOnboardingVariant is returned for an unknown onboarding variant
	ErrorInvalidOnboardingVariant = utils.NewTchapError("CONFIG_INVALID_ONBOARDING_VARIANT", "invalid onboarding variant")
	// ErrorInvalidValue is returned when a numeric or duration value is out of range
	ErrorInvalidValue = utils.NewTchapError("CONFIG_INVALID_VALUE", "invalid config value")
	// ErrorLocationSharingWithoutKey is returned when location sharing is enabled without a map tiler key
	ErrorLocationSharingWithoutKey = utils.NewTchapError("CONFIG_LOCATION_SHARING_WITHOUT_KEY", "location sharing needs a map tiler key")
	// ErrorAnalyticsIncomplete is returned when analytics are enabled without a host or key
	ErrorAnalyticsIncomplete = utils.NewTchapError("CONFIG_ANALYTICS_INCOMPLETE", "enabled analytics need a host and an api key")
)

// KeySharingStrategy says when the room key of an encrypted room is shared with members' devices.
type KeySharingStrategy string

const (
	// WhenSendingEvent shares the key lazily, with the first message.
	WhenSendingEvent KeySharingStrategy = "WhenSendingEvent"
	// WhenEnteringRoom pre-shares the key when the room is opened.
	WhenEnteringRoom KeySharingStrategy = "WhenEnteringRoom"
	// WhenTyping pre-shares the key as soon as the user starts typing.
	WhenTyping KeySharingStrategy = "WhenTyping"
)

type OnboardingVariant string

const (
	OnboardingLegacy    OnboardingVariant = "LEGACY"
	OnboardingLoginOnly OnboardingVariant = "LOGIN_2"
	OnboardingFtueAuth  OnboardingVariant = "FTUE_AUTH"
)

type Analytics struct {
	Enabled       bool   `toml:"enabled"`
	PostHogHost   string `toml:"posthog_host"`
	PostHogApiKey string `toml:"posthog_api_key"`
	PolicyLink    string `toml:"policy_link"`
}

func (a Analytics) validate() error {
	if a.Enabled && (a.PostHogHost == "" || a.PostHogApiKey == "") {
		return tracerr.Wrap(ErrorAnalyticsIncomplete)
	}
	return nil
}

// Config is the set of application flags.
type Config struct {
	ShowSpaces                           bool               `toml:"show_spaces"`
	SpacesShowAllInHome                  bool               `toml:"spaces_show_all_in_home"`
	ShowVoiceRecorder                    bool               `toml:"show_voice_recorder"`
	AllowExternalUnifiedPushDistributors bool               `toml:"allow_external_unified_push_distributors"`
	EnableLocationSharing                bool               `toml:"enable_location_sharing"`
	LocationMapTilerKey                  string             `toml:"location_map_tiler_key"`
	VoiceMessageLimit                    time.Duration      `toml:"voice_message_limit"`
	KeySharingStrategy                   KeySharingStrategy `toml:"key_sharing_strategy"`
	OnboardingVariant                    OnboardingVariant  `toml:"onboarding_variant"`
	HandleCallAssertedIdentityEvents     bool               `toml:"handle_call_asserted_identity_events"`
	LowPrivacyLogEnable                  bool               `toml:"low_privacy_log_enable"`
	EnableStrictModeLogs                 bool               `toml:"enable_strict_mode_logs"`
	DebugAnalytics                       Analytics          `toml:"debug_analytics"`
	ReleaseAnalytics                     Analytics          `toml:"release_analytics"`
	NightlyAnalytics                     Analytics          `toml:"nightly_analytics"`
	ShowUnverifiedSessionsAlertAfter     time.Duration      `toml:"show_unverified_sessions_alert_after"`
	// EncryptToVerifiedDevicesOnly restricts room key sharing to verified devices.
	EncryptToVerifiedDevicesOnly bool `toml:"encrypt_to_verified_devices_only"`
}

// Default returns Tchap's values: spaces, voice messages, location sharing and analytics are off.
func Default() *Config {
	return &Config{
		ShowSpaces:                           false,
		SpacesShowAllInHome:                  true,
		ShowVoiceRecorder:                    false,
		AllowExternalUnifiedPushDistributors: false,
		EnableLocationSharing:                false,
		LocationMapTilerKey:                  "",
		VoiceMessageLimit:                    120 * time.Second,
		KeySharingStrategy:                   WhenTyping,
		OnboardingVariant:                    OnboardingFtueAuth,
		HandleCallAssertedIdentityEvents:     false,
		LowPrivacyLogEnable:                  false,
		EnableStrictModeLogs:                 false,
		ShowUnverifiedSessionsAlertAfter:     7 * 24 * time.Hour,
	}
}

// Parse overlays a TOML document on the defaults. Keys absent from data keep their default value.
func Parse(data string) (*Config, error) {
	cfg := Default()
	meta, err := toml.Decode(data, cfg)
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	return finish(cfg, meta)
}

func Load(path string) (*Config, error) {
	cfg := Default()
	meta, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	return finish(cfg, meta)
}

func finish(cfg *Config, meta toml.MetaData) (*Config, error) {
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := utils.SliceMap(undecoded, func(k toml.Key) string { return k.String() })
		return nil, tracerr.Wrap(ErrorUnknownKeys.AddDetails(strings.Join(keys, ", ")))
	}
	// when spaces are hidden, every room shows in the home
	if !meta.IsDefined("spaces_show_all_in_home") {
		cfg.SpacesShowAllInHome = !cfg.ShowSpaces
	}
	if err := cfg.Validate(); err != nil {
		return nil, tracerr.Wrap(err)
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	switch c.KeySharingStrategy {
	case WhenSendingEvent, WhenEnteringRoom, WhenTyping:
	default:
		return tracerr.Wrap(ErrorInvalidKeySharingStrategy.AddDetails(string(c.KeySharingStrategy)))
	}
	switch c.OnboardingVariant {
	case OnboardingLegacy, OnboardingLoginOnly, OnboardingFtueAuth:
	default:
		return tracerr.Wrap(ErrorInvalidOnboardingVariant.AddDetails(string(c.OnboardingVariant)))
	}
	if c.VoiceMessageLimit <= 0 {
		return tracerr.Wrap(ErrorInvalidValue.AddDetails("voice_message_limit"))
	}
	if c.ShowUnverifiedSessionsAlertAfter < 0 {
		return tracerr.Wrap(ErrorInvalidValue.AddDetails("show_unverified_sessions_alert_after"))
	}
	if c.EnableLocationSharing && c.LocationMapTilerKey == "" {
		return tracerr.Wrap(ErrorLocationSharingWithoutKey)
	}
	for _, analytics := range []Analytics{c.DebugAnalytics, c.ReleaseAnalytics, c.NightlyAnalytics} {
		if err := analytics.validate(); err != nil {
			return tracerr.Wrap(err)
		}
	}
	return nil
}

// Encode writes the config as TOML.
func (c *Config) Encode() (string, error) {
	var builder strings.Builder
	if err := toml.NewEncoder(&builder).Encode(c); err != nil {
		return "", tracerr.Wrap(err)
	}
	return builder.String(), nil
}
