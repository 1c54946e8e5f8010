package registry

import (
	"fmt"

	"github.com/oriys/relay/internal/broker"
	"github.com/oriys/relay/internal/config"
	"github.com/oriys/relay/internal/keys"
	"github.com/oriys/relay/internal/notify"
)

// New selects the registry backend from the active mode. This is the only
// place that branches on mode; everything above it programs against
// CallRegistry. Local mode needs no broker; the other modes require one.
func New(cfg *config.Config, b *broker.Manager, n *notify.Manager) (CallRegistry, error) {
	mode := cfg.ActiveMode()
	if mode == config.ModeLocal {
		return NewLocalRegistry(cfg.Call.ReturnTTL), nil
	}
	if b == nil || n == nil {
		return nil, fmt.Errorf("registry mode %q requires a broker connection", mode)
	}
	layout := keys.New(cfg.KeyPrefix)
	switch mode {
	case config.ModePubSub:
		return NewPubSubRegistry(cfg, b, n, layout), nil
	case config.ModeStreams:
		return NewStreamsRegistry(cfg, b, n, layout), nil
	default:
		return nil, fmt.Errorf("unknown registry mode %q", mode)
	}
}
