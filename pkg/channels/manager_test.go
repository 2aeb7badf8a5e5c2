package channels

import (
	"context"
	"testing"

	"github.com/contactloop/contactloop/pkg/bus"
	"github.com/contactloop/contactloop/pkg/config"
)

func TestNewManager_BuildsEnabledChannels(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Agent.Channels = []string{"console"}

	m, err := NewManager(cfg, "org-local", bus.NewMessageBus(), nil)
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	if _, ok := m.GetChannel("console"); !ok {
		t.Fatalf("console channel not registered")
	}
	if got := m.GetEnabledChannels(); len(got) != 1 || got[0] != "console" {
		t.Fatalf("enabled channels = %v", got)
	}
}

func TestNewManager_RejectsUnknownChannel(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Agent.Channels = []string{"telegraph"}

	if _, err := NewManager(cfg, "org-local", bus.NewMessageBus(), nil); err == nil {
		t.Fatalf("unknown channel accepted")
	}
}

func TestNewManager_RequiresAtLeastOneChannel(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Agent.Channels = []string{""}

	if _, err := NewManager(cfg, "org-local", bus.NewMessageBus(), nil); err == nil {
		t.Fatalf("empty channel list accepted")
	}
}

func TestBaseChannel_AllowListFiltersInbound(t *testing.T) {
	msgBus := bus.NewMessageBus()
	ch := NewBaseChannel("sms", "org-1", msgBus, []string{"+15551230001"})

	ch.HandleMessage("+15559999999", "blocked", nil)
	ch.HandleMessage("+15551230001", "allowed", nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	msg, ok := msgBus.ConsumeInbound(ctx)
	if !ok {
		t.Fatalf("no inbound message")
	}
	if msg.Content != "allowed" || msg.RawIdentifier != "+15551230001" {
		t.Fatalf("unexpected inbound: %+v", msg)
	}
	if msg.OrgID != "org-1" || msg.Channel != "sms" {
		t.Fatalf("routing fields wrong: %+v", msg)
	}
}
