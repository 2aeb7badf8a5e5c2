package bus

import (
	"context"
	"time"
)

// InboundMessage is one turn arriving from a channel adapter, keyed by
// the raw channel identifier before any contact resolution happens.
type InboundMessage struct {
	OrgID         string
	Channel       string
	RawIdentifier string
	Content       string
	Timestamp     time.Time
	Metadata      map[string]string
}

// OutboundMessage is the agent reply routed back to the originating
// channel adapter.
type OutboundMessage struct {
	OrgID         string
	Channel       string
	RawIdentifier string
	Content       string
	SessionID     string
	ContactID     string
	Metadata      map[string]string
}

// MessageHandler delivers an outbound message on a specific channel.
type MessageHandler interface {
	SendMessage(ctx context.Context, msg OutboundMessage) error
}
