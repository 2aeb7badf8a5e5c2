package channels

import (
	"context"
	"strings"
	"time"

	"github.com/contactloop/contactloop/pkg/bus"
)

type Channel interface {
	Name() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	SendMessage(ctx context.Context, msg bus.OutboundMessage) error
	IsRunning() bool
	IsAllowed(identifier string) bool
}

type BaseChannel struct {
	bus       *bus.MessageBus
	running   bool
	name      string
	orgID     string
	allowList []string
}

func NewBaseChannel(name, orgID string, bus *bus.MessageBus, allowList []string) *BaseChannel {
	return &BaseChannel{
		bus:       bus,
		name:      name,
		orgID:     orgID,
		allowList: allowList,
	}
}

func (c *BaseChannel) Name() string { return c.name }

func (c *BaseChannel) IsRunning() bool { return c.running }

func (c *BaseChannel) IsAllowed(identifier string) bool {
	if len(c.allowList) == 0 {
		return true
	}
	for _, allowed := range c.allowList {
		candidate := strings.TrimSpace(allowed)
		if candidate != "" && candidate == identifier {
			return true
		}
	}
	return false
}

// HandleMessage publishes one raw inbound message onto the bus. Identity
// resolution happens downstream in the engine.
func (c *BaseChannel) HandleMessage(rawIdentifier, content string, metadata map[string]string) {
	if !c.IsAllowed(rawIdentifier) {
		return
	}
	c.bus.PublishInbound(bus.InboundMessage{
		OrgID:         c.orgID,
		Channel:       c.name,
		RawIdentifier: rawIdentifier,
		Content:       content,
		Timestamp:     time.Now(),
		Metadata:      metadata,
	})
}
