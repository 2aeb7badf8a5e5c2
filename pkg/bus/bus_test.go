package bus

import (
	"context"
	"testing"
)

func TestMessageBus_RoundTrip(t *testing.T) {
	mb := NewMessageBus()
	defer mb.Close()

	mb.PublishInbound(InboundMessage{OrgID: "org-1", Channel: "sms", RawIdentifier: "+15551234567", Content: "hi"})
	got, ok := mb.ConsumeInbound(context.Background())
	if !ok {
		t.Fatalf("expected inbound message")
	}
	if got.RawIdentifier != "+15551234567" || got.Content != "hi" {
		t.Fatalf("unexpected inbound message: %+v", got)
	}

	mb.PublishOutbound(OutboundMessage{Channel: "sms", RawIdentifier: "+15551234567", Content: "hello"})
	out, ok := mb.SubscribeOutbound(context.Background())
	if !ok {
		t.Fatalf("expected outbound message")
	}
	if out.Content != "hello" {
		t.Fatalf("unexpected outbound content: %q", out.Content)
	}
}

func TestMessageBus_PublishInboundDropsWhenBufferFull(t *testing.T) {
	mb := NewMessageBus()
	defer mb.Close()

	for i := 0; i < cap(mb.inbound); i++ {
		mb.PublishInbound(InboundMessage{Channel: "sms", RawIdentifier: "u", Content: "msg"})
	}

	mb.PublishInbound(InboundMessage{Channel: "sms", RawIdentifier: "u", Content: "overflow"})
	if mb.DroppedInbound() != 1 {
		t.Fatalf("expected dropped inbound count 1, got %d", mb.DroppedInbound())
	}
}

func TestMessageBus_PublishOutboundDropsWhenBufferFull(t *testing.T) {
	mb := NewMessageBus()
	defer mb.Close()

	for i := 0; i < cap(mb.outbound); i++ {
		mb.PublishOutbound(OutboundMessage{Channel: "sms", RawIdentifier: "u", Content: "msg"})
	}

	mb.PublishOutbound(OutboundMessage{Channel: "sms", RawIdentifier: "u", Content: "overflow"})
	if mb.DroppedOutbound() != 1 {
		t.Fatalf("expected dropped outbound count 1, got %d", mb.DroppedOutbound())
	}
}

func TestMessageBus_ClosedChannelsReturnFalse(t *testing.T) {
	mb := NewMessageBus()
	mb.Close()

	if _, ok := mb.ConsumeInbound(context.Background()); ok {
		t.Fatalf("expected closed inbound consume to return ok=false")
	}
	if _, ok := mb.SubscribeOutbound(context.Background()); ok {
		t.Fatalf("expected closed outbound subscribe to return ok=false")
	}
}
