// Package config manages persistent user preferences for the voice
// engine. Settings are stored as JSON at os.UserConfigDir()/Harmony/
// config.json, or at the path named by HARMONY_DEV_CONFIG when set.
package config

import (
	"encoding/json"
	"os"
	"path/filepath"
)

// Config is the read-only per-session snapshot handed to the engine at
// connect time.
type Config struct {
	Nickname string `json:"nickname"`

	ServerHost string `json:"server_host"`
	ServerPort int    `json:"server_port"`
	Password   string `json:"password,omitempty"`
	InsecureTLS bool  `json:"insecure_tls"`

	DefaultChannel string `json:"default_channel"`

	InputDeviceID  int `json:"input_device_id"`
	OutputDeviceID int `json:"output_device_id"`

	PTTEnabled bool   `json:"ptt_enabled"`
	PTTHotkey  string `json:"ptt_hotkey"`

	OpusBitrateBPS int  `json:"opus_bitrate_bps"` // 32000-72000
	LossPercent    int  `json:"loss_percent"`      // 0-25
	InbandFEC      bool `json:"inband_fec"`

	JitterTargetFrames int `json:"jitter_target_frames"` // 2-8
	JitterMaxFrames    int `json:"jitter_max_frames"`    // 4-16, > target

	// BadgeProfiles maps a nickname to its normalized badge codes,
	// persisted client-side and re-sent as the harmony_badges comment
	// on every ServerSync.
	BadgeProfiles map[string][]string `json:"badge_profiles"`

	// RememberMe keeps Password on disk across restarts; when false,
	// Save zeroes Password before writing.
	RememberMe bool `json:"remember_me"`

	// OutputVolume is a linear [0,1] gain applied in the output stage,
	// independent of the mixer's own headroom.
	OutputVolume float64 `json:"output_volume"`

	// AutoMuteOnDeafen mutes the microphone whenever deafen is toggled
	// on, mirroring the common client convenience behavior.
	AutoMuteOnDeafen bool `json:"auto_mute_on_deafen"`
}

const (
	appDirName  = "Harmony"
	fileName    = "config.json"
	devConfigEnv = "HARMONY_DEV_CONFIG"

	legacyHost = "127.0.0.1"

	packagedDefaultHost = "voice.harmony.example"
	packagedDefaultPort = 64738

	// SuperuserTriggerNickname causes DeriveAuthProfile to substitute
	// fixed superuser credentials in place of the configured nickname
	// and password, matching the packaged admin-login convenience the
	// desktop shell offers.
	SuperuserTriggerNickname = "harmony-admin"
	SuperuserAuthUsername    = "SuperUser"
	SuperuserAuthPassword    = "change-me-superuser-password"

	// DefaultUserPassword is sent when a session has no configured
	// server password at all.
	DefaultUserPassword = "change-me-guest-password"
)

// AuthProfile is the username/password pair the Transport actually
// authenticates with, after superuser substitution.
type AuthProfile struct {
	Username string
	Password string
}

// DeriveAuthProfile implements the Transport's authentication
// substitution rule: the superuser trigger nickname always
// authenticates with the fixed superuser credentials regardless of any
// configured password; everyone else authenticates as their nickname
// with the configured password, falling back to DefaultUserPassword
// when none is set.
func DeriveAuthProfile(cfg Config) AuthProfile {
	if cfg.Nickname == SuperuserTriggerNickname {
		return AuthProfile{Username: SuperuserAuthUsername, Password: SuperuserAuthPassword}
	}
	password := cfg.Password
	if password == "" {
		password = DefaultUserPassword
	}
	return AuthProfile{Username: cfg.Nickname, Password: password}
}

// Default returns a Config populated with the documented defaults.
func Default() Config {
	return Config{
		ServerHost:         packagedDefaultHost,
		ServerPort:         packagedDefaultPort,
		DefaultChannel:     "Root",
		InputDeviceID:      -1,
		OutputDeviceID:     -1,
		PTTHotkey:          "Backquote",
		OpusBitrateBPS:     40000,
		LossPercent:        0,
		InbandFEC:          true,
		JitterTargetFrames: 4,
		JitterMaxFrames:    10,
		BadgeProfiles:      map[string][]string{},
		OutputVolume:       1.0,
	}
}

// Path returns the absolute path to the config file, honoring
// HARMONY_DEV_CONFIG when set (original_source's find_dev_config).
func Path() (string, error) {
	if dev := os.Getenv(devConfigEnv); dev != "" {
		return dev, nil
	}
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, appDirName, fileName), nil
}

// Load reads the config file and returns it. If the file is missing or
// unreadable, the default config is returned — never an error. A
// one-time legacy-localhost migration is applied and persisted.
func Load() Config {
	path, err := Path()
	if err != nil {
		return Default()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Default()
	}
	cfg := Default()
	if err := json.Unmarshal(data, &cfg); err != nil {
		return Default()
	}
	if migrated := applyLegacyServerMigration(&cfg); migrated {
		_ = Save(cfg)
	}
	return cfg
}

// applyLegacyServerMigration rewrites a config still pointing at the
// old localhost dev server with no password onto the packaged default,
// matching original_source's apply_legacy_server_migration. Returns
// whether it changed anything.
func applyLegacyServerMigration(cfg *Config) bool {
	if cfg.Password != "" {
		return false
	}
	if cfg.ServerHost != legacyHost && cfg.ServerHost != "localhost" {
		return false
	}
	cfg.ServerHost = packagedDefaultHost
	cfg.ServerPort = packagedDefaultPort
	return true
}

// Save writes cfg to disk, creating the directory if needed. When
// RememberMe is false the password is cleared before writing.
func Save(cfg Config) error {
	path, err := Path()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return err
	}
	if !cfg.RememberMe {
		cfg.Password = ""
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}
