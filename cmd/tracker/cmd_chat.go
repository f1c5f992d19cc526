package main

import (
	"context"
	"fmt"
	"io"
	"os/signal"
	"strings"
	"syscall"

	"github.com/nadmax/genwatch/internal/chat"
	"github.com/nadmax/genwatch/internal/stream"
	"github.com/nadmax/genwatch/internal/transcript"
	"github.com/spf13/cobra"
)

func newChatCommand(a *app) *cobra.Command {
	var attachments []string

	cmd := &cobra.Command{
		Use:   "chat <conversation-id> <message>",
		Short: "Send a message and stream the reply",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return a.chat(ctx, cmd.OutOrStdout(), args[0], strings.Join(args[1:], " "), attachments)
		},
	}

	cmd.Flags().StringSliceVarP(&attachments, "attach", "a", nil, "Attachment reference (repeatable)")

	return cmd
}

func newHistoryCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "history <conversation-id>",
		Short: "Show a conversation, reconciled with the local cache",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := a.openStore()
			if err != nil {
				return err
			}
			defer closeStore(store, a.logger)

			session := chat.NewSession(args[0], a.client(), a.reconciler(store, args[0]), chat.Options{Logger: a.logger})
			msgs, err := session.Restore(cmd.Context())
			for _, m := range msgs {
				printMessage(cmd.OutOrStdout(), m)
			}
			return err
		},
	}
}

func newClearCacheCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "clear-cache <conversation-id>",
		Short: "Drop the cached transcript of a conversation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := a.openStore()
			if err != nil {
				return err
			}
			defer closeStore(store, a.logger)

			if err := a.reconciler(store, args[0]).Clear(cmd.Context()); err != nil {
				return fmt.Errorf("failed to clear cache: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Cache cleared: %s\n", args[0])
			return nil
		},
	}
}

func (a *app) chat(ctx context.Context, out io.Writer, conversationID, text string, attachments []string) error {
	store, err := a.openStore()
	if err != nil {
		return err
	}
	defer closeStore(store, a.logger)

	session := chat.NewSession(conversationID, a.client(), a.reconciler(store, conversationID), chat.Options{Logger: a.logger})
	if _, err := session.Restore(ctx); err != nil {
		a.logger.WithError(err).Warn("Continuing with the cached transcript")
	}

	var lastPhase string
	unsubscribe := session.Subscribe(func(s stream.State) {
		if s.Phase != "" && s.Phase != lastPhase {
			fmt.Fprintf(out, "... %s\n", s.Phase)
		}
		lastPhase = s.Phase
	})
	defer unsubscribe()

	res, err := session.Send(ctx, text, attachments)
	if res.Message.Role != "" {
		printMessage(out, res.Message)
	}
	return err
}

func printMessage(out io.Writer, m transcript.Message) {
	fmt.Fprintf(out, "%s: %s\n", m.Role, m.Content)
	for _, call := range m.FunctionCalls {
		fmt.Fprintf(out, "  -> %s %s\n", call.Name, call.Args)
	}
	if m.TokenUsage != nil {
		fmt.Fprintf(out, "  tokens: %d in / %d out\n", m.TokenUsage.InputTokens, m.TokenUsage.OutputTokens)
	}
}
