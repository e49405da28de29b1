package cli

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/pliu/msgsync/internal/auth"
	"github.com/pliu/msgsync/internal/handlers"
	"github.com/pliu/msgsync/internal/store/sqlstore"
	"github.com/pliu/msgsync/internal/ws"
)

var devserverCmd = &cobra.Command{
	Use:   "devserver",
	Short: "Run a local messaging server for development",
	Long: `Run a server implementing the messaging API on top of sqlite or postgres.

Example usage:
  msgsync devserver
  MSGSYNC_DEVSERVER_DB_DRIVER=postgres MSGSYNC_DEVSERVER_DSN="host=localhost dbname=msgsync sslmode=disable" msgsync devserver`,
	RunE: runDevserver,
}

var devAddr string

func init() {
	rootCmd.AddCommand(devserverCmd)
	devserverCmd.Flags().StringVar(&devAddr, "addr", "", "http service address (overrides devserver.addr)")
}

func runDevserver(cmd *cobra.Command, args []string) error {
	cfg, log, err := setup()
	if err != nil {
		return err
	}
	defer log.Sync()

	dc := cfg.DevServer
	if devAddr != "" {
		dc.Addr = devAddr
	}

	st, err := sqlstore.New(dc.DBDriver, dc.DSN)
	if err != nil {
		return err
	}
	defer st.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	hub := ws.NewHub(log.Named("ws"))
	go hub.Run(ctx)

	issuer := auth.NewIssuer(dc.JWTSecret, dc.TokenTTL)
	srv := &http.Server{
		Addr:              dc.Addr,
		Handler:           handlers.NewRouter(st, hub, issuer, log.Named("http")),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		log.Info("devserver_listening", zap.String("addr", dc.Addr), zap.String("driver", dc.DBDriver))
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrap(err, "listen")
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	log.Info("devserver_shutting_down")
	return srv.Shutdown(shutdownCtx)
}
