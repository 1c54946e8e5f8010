package main

import (
	"context"
	"fmt"

	"github.com/oriys/relay/internal/broker"
	"github.com/oriys/relay/internal/circuitbreaker"
	"github.com/oriys/relay/internal/config"
	"github.com/oriys/relay/internal/keys"
	"github.com/oriys/relay/internal/notify"
	"github.com/oriys/relay/internal/registry"
)

// loadConfig builds the effective config: file, then environment, then
// command-line flags, later layers winning.
func loadConfig() (*config.Config, error) {
	var cfg *config.Config
	if configPath != "" {
		loaded, err := config.LoadFromFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("load config %s: %w", configPath, err)
		}
		cfg = loaded
	} else {
		cfg = config.DefaultConfig()
	}
	config.LoadFromEnv(cfg)

	if redisAddr != "" {
		cfg.Redis.Addr = redisAddr
	}
	if redisPass != "" {
		cfg.Redis.Password = redisPass
	}
	if redisDB >= 0 {
		cfg.Redis.DB = redisDB
	}
	if keyPrefix != "" {
		cfg.KeyPrefix = keyPrefix
	}
	if mode != "" {
		cfg.Mode = config.Mode(mode)
	}
	return cfg, nil
}

// runtime bundles the connected components a command needs.
type runtime struct {
	cfg    *config.Config
	broker *broker.Manager
	notify *notify.Manager
	keys   keys.Layout
	reg    registry.CallRegistry
}

// connect loads config and stands up the broker, notification manager and
// registry for the active mode.
func connect(ctx context.Context) (*runtime, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	rt := &runtime{cfg: cfg, keys: keys.New(cfg.KeyPrefix)}
	if cfg.ActiveMode() != config.ModeLocal {
		b, err := broker.NewManager(ctx, cfg.Redis, circuitbreaker.Config{
			FailureThreshold:  cfg.Breaker.FailureThreshold,
			RecoveryTimeout:   cfg.Breaker.RecoveryTimeout,
			HalfOpenSuccesses: cfg.Breaker.HalfOpenSuccesses,
		})
		if err != nil {
			return nil, fmt.Errorf("connect to redis at %s: %w", cfg.Redis.Addr, err)
		}
		rt.broker = b
		rt.notify = notify.NewManager(b.Client(), b.Subscriber())
	}

	reg, err := registry.New(cfg, rt.broker, rt.notify)
	if err != nil {
		rt.close()
		return nil, err
	}
	rt.reg = reg
	return rt, nil
}

func (rt *runtime) close() {
	if rt.reg != nil {
		rt.reg.Close()
	}
	if rt.notify != nil {
		rt.notify.Close()
	}
	if rt.broker != nil {
		rt.broker.Close()
	}
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
