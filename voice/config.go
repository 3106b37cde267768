package voice

import "github.com/MasonKomo/Harmony/internal/config"

// Config is the read-only per-session snapshot the Engine connects
// with. It is an alias of internal/config.Config so callers
// loading/saving persisted settings and callers wiring an Engine share
// one type.
type Config = config.Config

// LoadConfig reads the persisted config, applying the one-shot
// legacy-server migration, or returns DefaultConfig on any failure.
func LoadConfig() Config { return config.Load() }

// SaveConfig persists cfg, clearing Password when RememberMe is false.
func SaveConfig(cfg Config) error { return config.Save(cfg) }

// DefaultConfig returns the documented default settings.
func DefaultConfig() Config { return config.Default() }
