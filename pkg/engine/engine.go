// Package engine drives conversation turns: it resolves the contact and
// session for each inbound message, assembles the bounded prompt, invokes
// the model and records both sides of the exchange durably.
package engine

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/contactloop/contactloop/pkg/bus"
	"github.com/contactloop/contactloop/pkg/memory"
)

// fallbackReply is sent when the model fails twice on identical context.
// It is recorded like any other assistant turn so history matches what
// the contact actually saw.
const fallbackReply = "Sorry, I'm having trouble responding right now. Please give me a moment and try again."

// TurnContext is the assembled state for one inbound turn. The inbound
// message is already persisted by the time a TurnContext exists.
type TurnContext struct {
	Blocks         []memory.ContextBlock
	SessionID      string
	ContactID      string
	IsReactivation bool
	ElapsedDays    int
}

type Engine struct {
	svc          *memory.Service
	model        ModelClient
	bus          *bus.MessageBus
	systemPrompt string
	maxTokens    int
	log          *zap.Logger
	turnLocks    *keyedMutex
}

func New(svc *memory.Service, model ModelClient, msgBus *bus.MessageBus, systemPrompt string, maxTokens int, log *zap.Logger) *Engine {
	if log == nil {
		log = zap.NewNop()
	}
	return &Engine{
		svc:          svc,
		model:        model,
		bus:          msgBus,
		systemPrompt: systemPrompt,
		maxTokens:    maxTokens,
		log:          log,
		turnLocks:    newKeyedMutex(),
	}
}

// ResolveAndAssemble maps an inbound message to its contact and session,
// persists the message, and returns the assembled context. The caller
// must hold the turn lock for the conversation key.
func (e *Engine) ResolveAndAssemble(ctx context.Context, orgID, channel, rawIdentifier, text string) (TurnContext, error) {
	res, err := e.svc.ResolveTurn(ctx, orgID, channel, rawIdentifier)
	if err != nil {
		return TurnContext{}, fmt.Errorf("resolve turn: %w", err)
	}

	// Persist before any model work so a provider failure can never lose
	// the contact's message.
	msg, err := e.svc.RecordMessage(ctx, res.Session.ID, "user", text)
	if err != nil {
		return TurnContext{}, fmt.Errorf("record inbound: %w", err)
	}
	res.Session.MessageCount++
	res.Session.LastMessageAtMS = msg.CreatedAt.UnixMilli()

	blocks, err := e.svc.Assemble(ctx, e.systemPrompt, res, text, msg.Seq)
	if err != nil {
		return TurnContext{}, err
	}
	return TurnContext{
		Blocks:         blocks,
		SessionID:      res.Session.ID,
		ContactID:      res.Contact.ID,
		IsReactivation: res.IsReactivation,
		ElapsedDays:    res.ElapsedDays,
	}, nil
}

// RecordResponse persists the agent reply.
func (e *Engine) RecordResponse(ctx context.Context, sessionID, text string) error {
	if _, err := e.svc.RecordMessage(ctx, sessionID, "assistant", text); err != nil {
		return fmt.Errorf("record response: %w", err)
	}
	return nil
}

// ProcessTurn runs one full inbound turn and returns the reply text.
// Turns for the same conversation key run strictly in arrival order.
func (e *Engine) ProcessTurn(ctx context.Context, msg bus.InboundMessage) (string, error) {
	// Lock on the normalized identifier so differently formatted inputs
	// for the same contact serialize onto one key.
	identifier := memory.NormalizeIdentifier(msg.Channel, msg.RawIdentifier)
	if identifier == "" {
		identifier = msg.RawIdentifier
	}
	unlock := e.turnLocks.Lock(msg.OrgID + "|" + msg.Channel + "|" + identifier)
	defer unlock()

	turn, err := e.ResolveAndAssemble(ctx, msg.OrgID, msg.Channel, msg.RawIdentifier, msg.Content)
	if err != nil {
		if errors.Is(err, memory.ErrContextTooLarge) {
			e.log.Error("context exceeds budget", zap.String("channel", msg.Channel), zap.Error(err))
		}
		return "", err
	}

	reply := e.generateReply(ctx, turn)
	if err := e.RecordResponse(ctx, turn.SessionID, reply); err != nil {
		e.log.Error("record response failed", zap.String("session_id", turn.SessionID), zap.Error(err))
	}
	return reply, nil
}

// generateReply calls the model, retrying once with identical context
// before falling back to a generic reply.
func (e *Engine) generateReply(ctx context.Context, turn TurnContext) string {
	messages := toChatMessages(turn.Blocks)

	reply, err := e.model.Complete(ctx, messages, e.maxTokens)
	if err != nil {
		e.log.Warn("model call failed, retrying",
			zap.String("session_id", turn.SessionID),
			zap.Error(err))
		reply, err = e.model.Complete(ctx, messages, e.maxTokens)
	}
	if err != nil {
		e.log.Error("model call failed twice, using fallback",
			zap.String("session_id", turn.SessionID),
			zap.Error(err))
		return fallbackReply
	}
	if reply == "" {
		return fallbackReply
	}
	return reply
}

// toChatMessages flattens assembled blocks into provider messages. The
// ambient layers share one system message; history keeps per-turn roles.
func toChatMessages(blocks []memory.ContextBlock) []ChatMessage {
	var system string
	var out []ChatMessage
	for _, b := range blocks {
		switch b.Layer {
		case memory.LayerHistory, memory.LayerInbound:
			out = append(out, ChatMessage{Role: b.Role, Content: b.Content})
		default:
			if system != "" {
				system += "\n\n"
			}
			system += b.Content
		}
	}
	if system == "" {
		return out
	}
	return append([]ChatMessage{{Role: "system", Content: system}}, out...)
}

// Run consumes inbound messages until the context is cancelled. Each
// turn runs on its own goroutine; the per-conversation lock keeps
// same-session turns ordered.
func (e *Engine) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		for {
			msg, ok := e.bus.ConsumeInbound(ctx)
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				continue
			}
			m := msg
			g.Go(func() error {
				reply, err := e.ProcessTurn(ctx, m)
				if err != nil {
					e.log.Error("turn failed",
						zap.String("org_id", m.OrgID),
						zap.String("channel", m.Channel),
						zap.Error(err))
					return nil
				}
				e.bus.PublishOutbound(bus.OutboundMessage{
					OrgID:         m.OrgID,
					Channel:       m.Channel,
					RawIdentifier: m.RawIdentifier,
					Content:       reply,
				})
				return nil
			})
		}
	})

	g.Go(func() error {
		for {
			out, ok := e.bus.SubscribeOutbound(ctx)
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				continue
			}
			handler, ok := e.bus.GetHandler(out.Channel)
			if !ok {
				e.log.Warn("no handler for channel", zap.String("channel", out.Channel))
				continue
			}
			if err := handler.SendMessage(ctx, out); err != nil {
				e.log.Error("outbound delivery failed",
					zap.String("channel", out.Channel),
					zap.Error(err))
			}
		}
	})

	return g.Wait()
}
