package cli

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/pliu/msgsync/internal/engine"
	"github.com/pliu/msgsync/internal/events"
	"github.com/pliu/msgsync/internal/models"
)

var watchCmd = &cobra.Command{
	Use:   "watch [username]",
	Short: "Keep a session open and print conversation updates",
	Long: `Poll the server until interrupted, printing the conversation list and the
unread total whenever they change. With a username, that conversation is kept
open: it is polled on every tick and its messages are printed as they arrive.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runWatch,
}

func init() {
	rootCmd.AddCommand(watchCmd)
}

func runWatch(cmd *cobra.Command, args []string) error {
	cfg, log, err := setup()
	if err != nil {
		return err
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	if cfg.MetricsAddr != "" {
		srv := serveMetrics(cfg.MetricsAddr, reg, log)
		defer srv.Close()
	}

	s, err := openSession(ctx, cfg, log, reg)
	if err != nil {
		return err
	}
	defer closeSession(s)

	sub := s.Subscribe(64)
	defer s.Unsubscribe(sub)

	var open models.User
	if len(args) == 1 {
		if open, err = s.OpenConversation(ctx, args[0]); err != nil {
			return err
		}
	}

	if err := s.RefreshConversations(ctx); err != nil {
		log.Warn("initial_refresh_failed", zap.Error(err))
	}

	out := cmd.OutOrStdout()
	seen := make(map[string]bool)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.Done():
			return s.Err()
		case e, ok := <-sub.C:
			if !ok {
				return nil
			}
			switch e.Kind {
			case events.ConversationsUpdated, events.ConversationDeleted:
				printConversations(out, s.Conversations())
			case events.MessagesUpdated:
				if e.PeerID == open.ID {
					printNewMessages(out, s, open, seen)
				}
			case events.UnreadChanged:
				fmt.Fprintf(out, "unread: %s\n", humanize.Comma(int64(e.Total)))
			case events.SendFailed:
				fmt.Fprintf(out, "send failed: %v\n", e.Err)
			case events.Unauthorized:
				return errors.Wrap(e.Err, "session expired, run msgsync login")
			}
		}
	}
}

func printConversations(w io.Writer, list []models.ConversationSummary) {
	fmt.Fprintf(w, "%d conversation(s)\n", len(list))
	for _, c := range list {
		when, preview := "", ""
		if c.LastMessage != nil {
			when = humanize.Time(c.LastMessage.Timestamp)
			preview = c.LastMessage.Content
		}
		fmt.Fprintf(w, "  %-16s %3d  %-14s %s\n", c.Peer.Username, c.UnreadCount, when, truncate(preview, 48))
	}
}

func printNewMessages(w io.Writer, s *engine.Session, peer models.User, seen map[string]bool) {
	for _, m := range s.Messages(peer.ID) {
		if seen[m.ID] {
			continue
		}
		seen[m.ID] = true
		from := peer.Username
		if m.SenderID == s.Self().ID {
			from = "me"
		}
		fmt.Fprintf(w, "[%s] %s: %s\n", m.Timestamp.Local().Format(time.Kitchen), from, m.Content)
	}
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

func serveMetrics(addr string, reg *prometheus.Registry, log *zap.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		log.Info("metrics_listening", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("metrics_server_failed", zap.Error(err))
		}
	}()
	return srv
}

