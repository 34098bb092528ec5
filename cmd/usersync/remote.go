package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/confcore/usersync/internal/ui"
	"github.com/confcore/usersync/internal/usersync/remote/httpstore"
	"github.com/confcore/usersync/internal/usersync/remote/memstore"
)

var remoteCmd = &cobra.Command{
	Use:     "remote",
	GroupID: "advanced",
	Short:   "Run or inspect a remote zone store",
}

var remoteServeCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve an in-memory zone store over HTTP",
	Long: `Serve an in-memory zone store for development and testing.

Clients point --remote-url at this server. Push notifications are streamed
over ws://<addr>/v1/notifications. State is lost on exit.

Example usage:
  usersync remote serve
  usersync remote serve --server-addr 0.0.0.0:7718 --server-token s3cret`,
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := setup(cmd)
		if err != nil {
			return err
		}
		defer rt.close()

		store := memstore.New()
		server := httpstore.NewServer(store, httpstore.ServerConfig{
			Token:  rt.cfg.Server.Token,
			Logger: rt.logs.Logger("httpstore"),
		})
		defer server.Close()

		srv := &http.Server{
			Addr:              rt.cfg.Server.Addr,
			Handler:           server.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}

		errCh := make(chan error, 1)
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
			close(errCh)
		}()

		fmt.Printf("%s Zone store listening on http://%s\n", ui.RenderAccent("⇅"), rt.cfg.Server.Addr)
		if rt.cfg.Server.Token == "" {
			fmt.Println(ui.RenderWarn("  Authentication disabled (no server.token)"))
		}
		fmt.Println("\nPress Ctrl+C to stop...")

		ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		select {
		case err := <-errCh:
			return fmt.Errorf("server failed: %w", err)
		case <-ctx.Done():
		}

		fmt.Println("\nShutting down zone store...")
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancelShutdown()
		server.Close()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown failed: %w", err)
		}
		fmt.Printf("%s Zone store stopped\n", ui.RenderPass("✓"))
		return nil
	},
}

var remoteCheckCmd = &cobra.Command{
	Use:   "check",
	Short: "Check the account status against the configured remote",
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := setup(cmd)
		if err != nil {
			return err
		}
		defer rt.close()

		if rt.cfg.Remote.URL == "" {
			return errors.New("no remote URL configured (set remote.url or --remote-url)")
		}
		client, err := httpstore.NewClient(httpstore.ClientConfig{
			BaseURL: rt.cfg.Remote.URL,
			Token:   rt.cfg.Remote.Token,
			Timeout: rt.cfg.Remote.Timeout,
			Logger:  rt.logs.Logger("remote"),
		})
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), rt.cfg.Remote.Timeout)
		defer cancel()
		status, err := client.AccountStatus(ctx)
		if err != nil {
			fmt.Printf("%s %s: %v\n", ui.RenderFail("✗"), rt.cfg.Remote.URL, err)
			return err
		}
		fmt.Printf("%s %s: account %s\n", ui.RenderPass("✓"), rt.cfg.Remote.URL, status)
		return nil
	},
}

func init() {
	remoteServeCmd.Flags().String("server-addr", "127.0.0.1:7718", "Listen address")
	remoteServeCmd.Flags().String("server-token", "", "Bearer token clients must present")

	remoteCmd.AddCommand(remoteServeCmd)
	remoteCmd.AddCommand(remoteCheckCmd)
	rootCmd.AddCommand(remoteCmd)
}
