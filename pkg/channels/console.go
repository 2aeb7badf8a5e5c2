package channels

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/chzyer/readline"

	"github.com/contactloop/contactloop/pkg/bus"
)

// ConsoleChannel is a local terminal adapter. Each line typed becomes an
// inbound message attributed to a fixed console identifier, so the full
// resolution and memory pipeline runs exactly as it would for SMS or email.
type ConsoleChannel struct {
	*BaseChannel
	identifier string
	rl         *readline.Instance
	done       chan struct{}
}

func NewConsoleChannel(orgID, identifier string, msgBus *bus.MessageBus) *ConsoleChannel {
	if strings.TrimSpace(identifier) == "" {
		identifier = "console-user"
	}
	return &ConsoleChannel{
		BaseChannel: NewBaseChannel("console", orgID, msgBus, nil),
		identifier:  identifier,
		done:        make(chan struct{}),
	}
}

func (c *ConsoleChannel) Start(ctx context.Context) error {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "you> ",
		HistoryFile:     filepath.Join(os.TempDir(), ".contactloop_history"),
		HistoryLimit:    100,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return fmt.Errorf("initialize console input: %w", err)
	}
	c.rl = rl
	c.running = true

	go c.readLoop(ctx)
	return nil
}

func (c *ConsoleChannel) readLoop(ctx context.Context) {
	defer close(c.done)
	for {
		line, err := c.rl.Readline()
		if err != nil {
			if err == readline.ErrInterrupt || err == io.EOF {
				return
			}
			continue
		}
		input := strings.TrimSpace(line)
		if input == "" {
			continue
		}
		if input == "exit" || input == "quit" {
			return
		}
		select {
		case <-ctx.Done():
			return
		default:
		}
		c.HandleMessage(c.identifier, input, nil)
	}
}

func (c *ConsoleChannel) Stop(ctx context.Context) error {
	c.running = false
	if c.rl != nil {
		return c.rl.Close()
	}
	return nil
}

func (c *ConsoleChannel) SendMessage(ctx context.Context, msg bus.OutboundMessage) error {
	var w io.Writer = os.Stdout
	if c.rl != nil {
		w = c.rl.Stdout()
	}
	_, err := fmt.Fprintf(w, "\nagent> %s\n\n", msg.Content)
	return err
}

// Done is closed when the console reader exits (Ctrl+C, EOF or "exit").
func (c *ConsoleChannel) Done() <-chan struct{} {
	return c.done
}
