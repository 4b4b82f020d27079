package config

import (
	"strconv"
	"time"

	"github.com/pimux/muxd/internal/breaker"
	"github.com/pimux/muxd/internal/engine"
	"github.com/pimux/muxd/internal/governor"
	"github.com/pimux/muxd/internal/replay"
	"github.com/pimux/muxd/internal/sessionlock"
	"github.com/pimux/muxd/internal/transport"
	"github.com/pimux/muxd/internal/uibroker"
	"github.com/pimux/muxd/internal/validate"
)

// Built holds every subsystem config derived from a Config, ready to
// hand to the constructors in cmd/muxd's wiring.
type Built struct {
	Governor   governor.Config
	Replay     replay.Config
	Sessionlock sessionlock.Config
	Breaker    breaker.Config
	Validate   validate.Config
	Engine     engine.Config
	Transport  transport.Config
	UIBroker   uibroker.Config
}

// Build translates cfg into each subsystem's native config type. A zero
// value in cfg leaves that subsystem's own Defaults() field untouched —
// this package never invents a second set of default numbers.
func Build(cfg *Config) Built {
	gov := governor.Defaults()
	if cfg.RateLimitGlobalPerMin > 0 {
		gov.WindowLimit = cfg.RateLimitGlobalPerMin
	}
	if cfg.MaxSessions > 0 {
		gov.MaxSessions = cfg.MaxSessions
	}
	if cfg.MaxConnections > 0 {
		gov.MaxConnections = cfg.MaxConnections
	}
	if cfg.MaxSessionLifetimeMs > 0 {
		gov.MaxSessionLifetime = time.Duration(cfg.MaxSessionLifetimeMs) * time.Millisecond
	}

	rep := replay.Defaults()
	if cfg.MaxInFlightCommands > 0 {
		rep.MaxInFlight = cfg.MaxInFlightCommands
	}
	if cfg.MaxCommandOutcomes > 0 {
		rep.MaxByID = cfg.MaxCommandOutcomes
		rep.MaxIdempotency = cfg.MaxCommandOutcomes
	}
	if cfg.IdempotencyTTLMs > 0 {
		rep.IdempotencyTTL = time.Duration(cfg.IdempotencyTTLMs) * time.Millisecond
	}

	lock := sessionlock.Defaults()
	if cfg.LongTimeoutMs > 0 {
		lock.AcquireTimeout = time.Duration(cfg.LongTimeoutMs) * time.Millisecond
	}

	brk := breaker.Defaults()
	if cfg.Circuit.FailureThreshold > 0 {
		brk.FailureThreshold = cfg.Circuit.FailureThreshold
	}
	if cfg.Circuit.OpenTimeoutMs > 0 {
		brk.OpenTimeout = time.Duration(cfg.Circuit.OpenTimeoutMs) * time.Millisecond
	}
	if cfg.Circuit.HalfOpenMaxRequests > 0 {
		brk.HalfOpenMaxRequests = cfg.Circuit.HalfOpenMaxRequests
	}

	val := validate.Defaults()
	if cfg.MaxMessageBytes > 0 {
		val.MaxMessageBytes = cfg.MaxMessageBytes
	}
	if len(cfg.AllowedRoots) > 0 {
		val.AllowedRoots = cfg.AllowedRoots
	}

	eng := engine.Defaults()
	if cfg.ShortTimeoutMs > 0 {
		eng.ShortTimeout = time.Duration(cfg.ShortTimeoutMs) * time.Millisecond
	}
	if cfg.LongTimeoutMs > 0 {
		eng.LongTimeout = time.Duration(cfg.LongTimeoutMs) * time.Millisecond
	}
	if cfg.DepWaitTimeoutMs > 0 {
		eng.MaxDependencyWait = time.Duration(cfg.DepWaitTimeoutMs) * time.Millisecond
	} else if cfg.LongTimeoutMs > 0 {
		eng.MaxDependencyWait = eng.LongTimeout
	}

	trans := transport.Defaults()
	trans.Validator = val
	if cfg.Port > 0 {
		trans.WebSocketAddr = portAddr(cfg.Port)
	}
	if cfg.HeartbeatMs > 0 {
		trans.HeartbeatInterval = time.Duration(cfg.HeartbeatMs) * time.Millisecond
	}
	if cfg.PongDeadlineMs > 0 {
		trans.PongTimeout = time.Duration(cfg.PongDeadlineMs) * time.Millisecond
	}

	ui := uibroker.Defaults()
	if cfg.PendingUIMax > 0 {
		ui.MaxPending = cfg.PendingUIMax
	}
	if cfg.LongTimeoutMs > 0 {
		ui.DefaultTimeout = time.Duration(cfg.LongTimeoutMs) * time.Millisecond
	}

	return Built{
		Governor:    gov,
		Replay:      rep,
		Sessionlock: lock,
		Breaker:     brk,
		Validate:    val,
		Engine:      eng,
		Transport:   trans,
		UIBroker:    ui,
	}
}

func portAddr(port int) string {
	return ":" + strconv.Itoa(port)
}
