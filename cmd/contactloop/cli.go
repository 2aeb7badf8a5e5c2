package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/chzyer/readline"
	"github.com/spf13/cobra"

	"github.com/contactloop/contactloop/pkg/bus"
	"github.com/contactloop/contactloop/pkg/channels"
	"github.com/contactloop/contactloop/pkg/config"
	"github.com/contactloop/contactloop/pkg/engine"
	"github.com/contactloop/contactloop/pkg/memory"
)

func executeCLI() error {
	return buildRootCommand().Execute()
}

func buildRootCommand() *cobra.Command {
	var showVersion bool

	root := &cobra.Command{
		Use:   "contactloop",
		Short: "Conversation memory engine for long-running contact relationships",
		Long: strings.TrimSpace(`contactloop keeps multi-session conversations coherent: it resolves
identities to durable contacts, maintains rolling summaries and structured
contact memory, and assembles token-bounded context for every agent turn.`),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if showVersion {
				fmt.Printf("contactloop %s (built %s)\n", version, buildTime)
				return nil
			}
			_ = cmd.Help()
			return fmt.Errorf("a subcommand is required")
		},
	}
	root.CompletionOptions.DisableDefaultCmd = true
	root.Flags().BoolVarP(&showVersion, "version", "v", false, "Show build/version metadata")

	root.AddCommand(newOnboardCommand())
	root.AddCommand(newChatCommand())
	root.AddCommand(newServeCommand())
	root.AddCommand(newNoteCommand())
	root.AddCommand(newMemoryCommand())
	root.AddCommand(newVersionCommand())

	return root
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show build/version metadata",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Printf("contactloop %s (built %s)\n", version, buildTime)
			return nil
		},
	}
}

func newOnboardCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "onboard",
		Short:   "Write a default config file",
		Example: "  contactloop onboard",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := configPath()
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("config already exists at %s", path)
			}
			if err := config.SaveConfig(path, config.DefaultConfig()); err != nil {
				return err
			}
			fmt.Printf("Wrote default config to %s\n", path)
			return nil
		},
	}
}

func newChatCommand() *cobra.Command {
	var (
		orgID      string
		channel    string
		identifier string
		message    string
	)

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Run an interactive local conversation",
		Long:  "Chat through the full pipeline: identity resolution, context assembly, rolling summaries and fact extraction all run exactly as in production.",
		Example: strings.Join([]string{
			"  contactloop chat",
			"  contactloop chat --identifier +15551234567 --channel sms",
			"  contactloop chat --message \"do you have my order details?\"",
		}, "\n"),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(configPath())
			if err != nil {
				return err
			}
			log, err := buildLogger(cfg)
			if err != nil {
				return err
			}
			defer log.Sync()

			svc, model, err := openService(cfg, log)
			if err != nil {
				return err
			}
			defer svc.Close()

			if model == nil {
				fmt.Println("No provider credentials configured; replies will be local echoes.")
				model = echoModel{}
			}

			eng := engine.New(svc, model, bus.NewMessageBus(), cfg.Agent.SystemPrompt, cfg.Agent.MaxTokens, log)

			if message != "" {
				reply, err := eng.ProcessTurn(cmd.Context(), bus.InboundMessage{
					OrgID:         orgID,
					Channel:       channel,
					RawIdentifier: identifier,
					Content:       message,
					Timestamp:     time.Now(),
				})
				if err != nil {
					return err
				}
				fmt.Printf("\nagent> %s\n", reply)
				return nil
			}

			fmt.Println("Interactive mode (Ctrl+C to exit)")
			return interactiveChat(cmd.Context(), eng, orgID, channel, identifier)
		},
	}

	cmd.Flags().StringVar(&orgID, "org", "org-local", "Organization id")
	cmd.Flags().StringVar(&channel, "channel", "console", "Channel name (console, sms, email, ...)")
	cmd.Flags().StringVar(&identifier, "identifier", "console-user", "Raw channel identifier for the contact")
	cmd.Flags().StringVarP(&message, "message", "m", "", "Send a single message and exit")
	return cmd
}

func interactiveChat(ctx context.Context, eng *engine.Engine, orgID, channel, identifier string) error {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "you> ",
		HistoryFile:     filepath.Join(os.TempDir(), ".contactloop_history"),
		HistoryLimit:    100,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return fmt.Errorf("initialize input: %w", err)
	}
	defer rl.Close()

	for {
		line, err := rl.Readline()
		if err != nil {
			if err == readline.ErrInterrupt || err == io.EOF {
				fmt.Println("\nGoodbye!")
				return nil
			}
			continue
		}
		input := strings.TrimSpace(line)
		if input == "" {
			continue
		}
		if input == "exit" || input == "quit" {
			fmt.Println("Goodbye!")
			return nil
		}

		reply, err := eng.ProcessTurn(ctx, bus.InboundMessage{
			OrgID:         orgID,
			Channel:       channel,
			RawIdentifier: identifier,
			Content:       input,
			Timestamp:     time.Now(),
		})
		if err != nil {
			fmt.Printf("Error: %v\n", err)
			continue
		}
		fmt.Printf("\nagent> %s\n\n", reply)
	}
}

func newServeCommand() *cobra.Command {
	var orgID string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the engine with the configured channels",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(configPath())
			if err != nil {
				return err
			}
			log, err := buildLogger(cfg)
			if err != nil {
				return err
			}
			defer log.Sync()

			svc, model, err := openService(cfg, log)
			if err != nil {
				return err
			}
			defer svc.Close()
			if model == nil {
				model = echoModel{}
			}

			msgBus := bus.NewMessageBus()
			manager, err := channels.NewManager(cfg, orgID, msgBus, log)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if err := manager.StartAll(ctx); err != nil {
				return err
			}
			defer manager.StopAll(context.Background())

			eng := engine.New(svc, model, msgBus, cfg.Agent.SystemPrompt, cfg.Agent.MaxTokens, log)
			errCh := make(chan error, 1)
			go func() { errCh <- eng.Run(ctx) }()

			select {
			case <-ctx.Done():
				msgBus.Close()
				return nil
			case err := <-errCh:
				return err
			}
		},
	}

	cmd.Flags().StringVar(&orgID, "org", "org-local", "Organization id for local channels")
	return cmd
}

func newNoteCommand() *cobra.Command {
	noteCmd := &cobra.Command{
		Use:   "note",
		Short: "Manage operator notes",
	}

	var (
		orgID      string
		targetKind string
		targetID   string
		category   string
		author     string
		priority   int
	)

	addCmd := &cobra.Command{
		Use:   "add <content>",
		Short: "Pin a note to a session or contact",
		Args:  cobra.ExactArgs(1),
		Example: strings.Join([]string{
			"  contactloop note add --target-kind contact --target-id <id> \"decision maker is the CFO\"",
			"  contactloop note add --target-kind session --target-id <id> --category warning \"do not discuss pricing\"",
		}, "\n"),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, log, err := openServiceQuiet()
			if err != nil {
				return err
			}
			defer svc.Close()
			defer log.Sync()

			note, overCap, err := svc.AddOperatorNote(cmd.Context(), memory.OperatorNote{
				OrgID:      orgID,
				TargetKind: targetKind,
				TargetID:   targetID,
				Content:    args[0],
				Category:   category,
				Priority:   priority,
				Author:     author,
			})
			if err != nil {
				return err
			}
			fmt.Printf("Note %s added.\n", note.ID)
			if overCap {
				fmt.Println("Warning: active note count is over the soft cap; consider consolidating.")
			}
			return nil
		},
	}
	addCmd.Flags().StringVar(&orgID, "org", "org-local", "Organization id")
	addCmd.Flags().StringVar(&targetKind, "target-kind", "session", "Target kind: session or contact")
	addCmd.Flags().StringVar(&targetID, "target-id", "", "Target session or contact id")
	addCmd.Flags().StringVar(&category, "category", "context", "Category: strategy, relationship, context or warning")
	addCmd.Flags().StringVar(&author, "author", "operator", "Author name")
	addCmd.Flags().IntVar(&priority, "priority", 0, "Priority (higher survives budget pressure longer)")
	_ = addCmd.MarkFlagRequired("target-id")

	archiveCmd := &cobra.Command{
		Use:   "archive <note-id>",
		Short: "Archive a note so it leaves assembled context",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, log, err := openServiceQuiet()
			if err != nil {
				return err
			}
			defer svc.Close()
			defer log.Sync()

			if err := svc.ArchiveOperatorNote(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Printf("Note %s archived.\n", args[0])
			return nil
		},
	}

	noteCmd.AddCommand(addCmd)
	noteCmd.AddCommand(archiveCmd)
	return noteCmd
}

func newMemoryCommand() *cobra.Command {
	memCmd := &cobra.Command{
		Use:   "memory",
		Short: "Inspect contact memory",
	}

	showCmd := &cobra.Command{
		Use:   "show <contact-id>",
		Short: "Print the structured memory for a contact",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, log, err := openServiceQuiet()
			if err != nil {
				return err
			}
			defer svc.Close()
			defer log.Sync()

			mem, err := svc.GetContactMemory(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			out, err := json.MarshalIndent(mem, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(out))
			return nil
		},
	}

	memCmd.AddCommand(showCmd)
	return memCmd
}
