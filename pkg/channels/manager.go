package channels

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/contactloop/contactloop/pkg/bus"
	"github.com/contactloop/contactloop/pkg/config"
)

// Manager owns the enabled channel adapters and registers each one as
// the outbound handler for its name. Outbound routing itself happens in
// the engine loop.
type Manager struct {
	channels map[string]Channel
	bus      *bus.MessageBus
	log      *zap.Logger
	mu       sync.RWMutex
}

func NewManager(cfg *config.Config, orgID string, messageBus *bus.MessageBus, log *zap.Logger) (*Manager, error) {
	if log == nil {
		log = zap.NewNop()
	}
	m := &Manager{
		channels: make(map[string]Channel),
		bus:      messageBus,
		log:      log,
	}

	for _, name := range cfg.Agent.Channels {
		switch strings.TrimSpace(name) {
		case "console":
			m.channels["console"] = NewConsoleChannel(orgID, "console-user", messageBus)
		case "":
		default:
			return nil, fmt.Errorf("unknown channel: %s", name)
		}
	}
	if len(m.channels) == 0 {
		return nil, fmt.Errorf("no channels enabled")
	}

	return m, nil
}

func (m *Manager) StartAll(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var started []string
	for name, ch := range m.channels {
		if err := ch.Start(ctx); err != nil {
			for _, s := range started {
				_ = m.channels[s].Stop(ctx)
			}
			return fmt.Errorf("start channel %s: %w", name, err)
		}
		m.bus.RegisterHandler(name, ch)
		started = append(started, name)
		m.log.Info("channel started", zap.String("channel", name))
	}
	return nil
}

func (m *Manager) StopAll(ctx context.Context) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for name, ch := range m.channels {
		if err := ch.Stop(ctx); err != nil {
			m.log.Warn("channel stop failed", zap.String("channel", name), zap.Error(err))
		}
	}
}

func (m *Manager) GetChannel(name string) (Channel, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ch, ok := m.channels[name]
	return ch, ok
}

func (m *Manager) GetEnabledChannels() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.channels))
	for name := range m.channels {
		names = append(names, name)
	}
	return names
}
