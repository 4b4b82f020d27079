// Package config provides configuration loading, environment overlay, and
// hot-reload for muxd's resource-governance and transport options.
//
// # Configuration Loading
//
// Load reads a single YAML (or JSON — a YAML subset) file and overlays
// MUXD_* environment variables on top. The file path is optional; a zero
// value anywhere in the resulting Config means "use that subsystem's own
// Defaults()" rather than a second hardcoded default.
//
//	cfg, err := config.Load("/etc/muxd/muxd.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//
// # Building subsystem configs
//
// Build translates the flat Config into each subsystem's own native
// config type (governor.Config, replay.Config, sessionlock.Config,
// breaker.Config, validate.Config, engine.Config, transport.Config),
// falling back to that subsystem's Defaults() for any zero-valued field.
//
// # Hot reload
//
// Watcher follows the config file with fsnotify and, on every change that
// parses, hands a freshly rebuilt Built to a callback. cmd/muxd's serve
// command applies only the governor's limits from it (rate limits,
// session/connection capacity, session lifetime) through UpdateLimits;
// every other option, circuit thresholds included, is read once at
// startup.
//
// # Paths
//
// GetPaths returns XDG Base Directory Specification paths for muxd's
// on-disk state:
//   - Data: ~/.local/share/muxd (XDG_DATA_HOME)
//   - Config: ~/.config/muxd (XDG_CONFIG_HOME)
//   - Cache: ~/.cache/muxd (XDG_CACHE_HOME)
//   - State: ~/.local/state/muxd (XDG_STATE_HOME)
package config
