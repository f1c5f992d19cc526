package main

import (
	"context"
	"fmt"
	"os/signal"
	"sync"
	"syscall"

	"github.com/nadmax/genwatch/internal/client"
	"github.com/nadmax/genwatch/internal/notify"
	"github.com/nadmax/genwatch/internal/registry"
	"github.com/nadmax/genwatch/internal/task"
	"github.com/spf13/cobra"
)

func newSubmitCommand(a *app) *cobra.Command {
	var (
		params map[string]string
		wait   bool
	)

	cmd := &cobra.Command{
		Use:   "submit <content|image|schedule>",
		Short: "Submit a generation job and follow it",
		Long: `Submit a generation job to the job service.

With --wait the job is polled until it completes or fails and a single
notification is printed for the outcome.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, err := task.ParseKind(args[0])
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return a.submit(ctx, cmd, kind, toParams(params), wait)
		},
	}

	cmd.Flags().StringToStringVarP(&params, "param", "p", nil, "Job parameter as key=value (repeatable)")
	cmd.Flags().BoolVarP(&wait, "wait", "w", false, "Poll until the job finishes")

	return cmd
}

func (a *app) submit(ctx context.Context, cmd *cobra.Command, kind task.TaskKind, params map[string]any, wait bool) error {
	out := cmd.OutOrStdout()
	c := a.client()

	if !wait {
		id, err := c.SubmitJob(ctx, kind, params)
		if err != nil {
			return fmt.Errorf("failed to submit %s job: %w", kind, err)
		}
		fmt.Fprintln(out, id)
		return nil
	}

	toasts := notify.NewToasts()
	unsubscribeToasts := toasts.Subscribe(func(n notify.Notification) {
		fmt.Fprintf(out, "[%s] %s: %s\n", n.Level, n.Title, n.Body)
	})
	defer unsubscribeToasts()

	email := notify.NewEmailNotifier(notify.EmailConfig{
		APIKey:      a.cfg.Notify.SendGridAPIKey,
		FromName:    a.cfg.Notify.FromName,
		FromAddress: a.cfg.Notify.FromAddress,
		To:          a.cfg.Notify.To,
	})
	dedup := notify.NewDeduplicator(toasts, email, a.logger)

	reg := registry.New(c, dedup, toasts, registry.Options{
		PollInterval: a.cfg.Poll.Interval,
		PollTimeout:  a.cfg.Poll.Timeout,
		Logger:       a.logger,
	})
	defer reg.Close()

	finished := make(chan task.Record, 1)
	var once sync.Once
	unsubscribe := reg.Subscribe(func(ev registry.Event) {
		if ev.Type == registry.EventUpdated && ev.Record.Status.IsTerminal() {
			once.Do(func() { finished <- ev.Record })
		}
	})
	defer unsubscribe()

	rec, err := client.NewTracker(c, reg).SubmitAndTrack(ctx, kind, params)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Tracking %s job %s\n", rec.Kind, rec.ID)

	select {
	case <-ctx.Done():
		return ctx.Err()
	case rec = <-finished:
	}
	// Let the poller deliver the outcome notice before printing the result.
	reg.Close()

	if rec.Status == task.StatusFailed {
		return fmt.Errorf("job %s failed: %s", rec.ID, rec.ErrorMessage)
	}
	for key, value := range rec.Result {
		fmt.Fprintf(out, "  %s: %v\n", key, value)
	}
	return nil
}

func toParams(raw map[string]string) map[string]any {
	if len(raw) == 0 {
		return nil
	}
	params := make(map[string]any, len(raw))
	for k, v := range raw {
		params[k] = v
	}
	return params
}
