package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/caffeineduck/gorun/httpapi"
)

func newServeCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP server for function execution",
		Long: `Start an HTTP server that runs functions on the worker pool.

Endpoints:
  GET    /run?source=...&args=[...]   Run a function
  POST   /run?source=...              Run a function, body {"args": [...]}
  GET    /health                      Pool status

Errors answer {"error": ..., "type": ...} with status 400 (EVAL),
500 (RUNTIME), 408 (TIMEOUT) or 503 (EXIT).`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.serve(cmd)
		},
	}
	cmd.Flags().StringP("addr", "a", ":8080", "Address to listen on")
	cmd.Flags().Duration("shutdown-timeout", 10*time.Second, "Grace period for in-flight requests")
	addExecutorFlags(cmd)
	return cmd
}

func (a *app) serve(cmd *cobra.Command) error {
	exec, err := a.buildExecutor()
	if err != nil {
		return err
	}
	defer exec.Close(context.Background())

	srv := &http.Server{
		Addr:              a.v.GetString("addr"),
		Handler:           httpapi.NewHandler(exec, httpapi.WithLogger(a.log)),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errc := make(chan error, 1)
	go func() {
		a.log.Info("listening", "addr", srv.Addr)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	a.log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.v.GetDuration("shutdown-timeout"))
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
