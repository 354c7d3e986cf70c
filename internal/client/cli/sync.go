package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/dmitrijs2005/gophnotes/internal/asymmetric"
	"github.com/dmitrijs2005/gophnotes/internal/common"
	"github.com/dmitrijs2005/gophnotes/internal/metrics"
	"github.com/dmitrijs2005/gophnotes/internal/syncer"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

// syncOnce runs one sync cycle and then applies waiting messages.
func (a *App) syncOnce(ctx context.Context, out io.Writer) error {
	sess, err := a.ensureSession(ctx)
	if err != nil {
		return err
	}

	res, err := sess.Sync(ctx)
	if errors.Is(err, common.ErrNetwork) {
		a.setMode(ModeOffline)
		fmt.Fprintln(out, styles.Warning.Render(fmt.Sprintf("server unreachable, %d changes kept locally", sess.DirtyCount())))
		return nil
	}
	if err != nil {
		return err
	}
	a.setMode(ModeOnline)
	printSyncResult(out, res)

	rep, err := sess.ProcessMessages(ctx)
	printReport(out, rep)
	if err != nil && !errors.Is(err, common.ErrNetwork) {
		return err
	}

	if n, err := sess.RetryDecryption(ctx); err != nil {
		return err
	} else if n > 0 {
		fmt.Fprintf(out, "%d items readable again\n", n)
	}
	return nil
}

func printSyncResult(out io.Writer, res syncer.Result) {
	fmt.Fprintf(out, "pushed %d, pulled %d (%d new, %d changed, %d deleted)\n",
		res.Pushed, res.Pulled, res.Inserted, res.Updated, res.Deleted)
	if res.Conflicts > 0 {
		fmt.Fprintln(out, styles.Warning.Render(fmt.Sprintf("%d conflicts kept as copies", res.Conflicts)))
	}
	if res.Quarantined > 0 {
		fmt.Fprintln(out, styles.Error.Render(fmt.Sprintf("%d items could not be decrypted", res.Quarantined)))
	}
}

func printReport(out io.Writer, rep asymmetric.Report) {
	if rep.Processed > 0 {
		fmt.Fprintf(out, "%d messages applied\n", rep.Processed)
	}
	for _, r := range rep.Rejected {
		fmt.Fprintln(out, styles.Error.Render(fmt.Sprintf("message %s from %s rejected: %v", shortID(r.ID), shortID(r.Sender), r.Err)))
	}
}

func newSyncCommand(a *App) *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Push local changes and pull the server's",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.syncOnce(cmd.Context(), cmd.OutOrStdout())
		},
	}
}

func newStatusCommand(a *App) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the account, connection and pending changes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			sess, err := a.ensureSession(cmd.Context())
			if err != nil {
				return err
			}
			a.setMode(a.checkServer(cmd.Context()))
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s %s\n", styles.Header.Render(a.userName), a.Mode())
			fmt.Fprintf(out, "user     %s\n", sess.UserUUID())
			fmt.Fprintf(out, "items    %d\n", sess.Collection().Len())
			fmt.Fprintf(out, "unsynced %d\n", sess.DirtyCount())
			fmt.Fprintf(out, "vaults   %d\n", len(sess.Vaults().Vaults()))
			return nil
		},
	}
}

// runServe keeps the session syncing in the foreground and serves metrics
// when an address is configured.
func (a *App) runServe(ctx context.Context) error {
	sess, err := a.ensureSession(ctx)
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return sess.Run(ctx, a.cfg.SyncInterval, syncer.DefaultBackoff())
	})
	g.Go(func() error {
		a.StartOnlineStatusWatcher(ctx, a.cfg.SyncInterval)
		return nil
	})
	if a.cfg.MetricsAddr != "" {
		g.Go(func() error { return a.runMetrics(ctx) })
	}
	return g.Wait()
}

func (a *App) runMetrics(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{Addr: a.cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	a.log.Info(ctx, "Starting metrics server", "address", a.cfg.MetricsAddr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func newRunCommand(a *App) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Stay in the foreground and keep syncing until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			fmt.Fprintf(cmd.OutOrStdout(), "syncing every %s, press Ctrl+C to stop\n", a.cfg.SyncInterval)
			return a.runServe(cmd.Context())
		},
	}
}
