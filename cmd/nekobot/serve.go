package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/tomatos-dev/nekobot/pkg/models"
)

func newServeCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the websocket terminal server",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := buildRuntime(*configPath)
			if err != nil {
				return err
			}
			defer rt.close()
			return runServer(cmd.Context(), rt)
		},
	}
}

// wsReply is the outbound frame for one handled event.
type wsReply struct {
	Text      string `json:"text"`
	MessageID string `json:"message_id,omitempty"`
	Error     string `json:"error,omitempty"`
}

func runServer(parent context.Context, rt *runtime) error {
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	upgrader := websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		// Adapters connect from anywhere; auth lives on the adapter side.
		CheckOrigin: func(*http.Request) bool { return true },
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(rt.registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			rt.logger.Warn("websocket upgrade failed", "error", err)
			return
		}
		go serveConn(ctx, rt, conn)
	})

	server := &http.Server{
		Addr:              rt.cfg.Server.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		rt.logger.Info("server listening", "addr", rt.cfg.Server.Addr)
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	}
}

// serveConn handles one adapter connection: JSON events in, replies out.
func serveConn(ctx context.Context, rt *runtime, conn *websocket.Conn) {
	defer conn.Close()
	logger := rt.logger.With("component", "ws", "remote", conn.RemoteAddr().String())
	logger.Info("adapter connected")

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Warn("connection closed", "error", err)
			}
			return
		}

		var event models.Event
		if err := json.Unmarshal(data, &event); err != nil {
			writeReply(conn, logger, wsReply{Error: "invalid event payload"})
			continue
		}
		if event.Timestamp.IsZero() {
			event.Timestamp = time.Now()
		}

		reply, err := rt.router.Dispatch(ctx, &event)
		if err != nil {
			logger.Error("dispatch failed", "adapter", event.Adapter, "error", err)
			writeReply(conn, logger, wsReply{Error: "internal error", MessageID: event.MessageID})
			continue
		}
		if reply == "" {
			continue
		}
		writeReply(conn, logger, wsReply{Text: reply, MessageID: event.MessageID})
	}
}

func writeReply(conn *websocket.Conn, logger *slog.Logger, reply wsReply) {
	if err := conn.WriteJSON(reply); err != nil {
		logger.Warn("write failed", "error", err)
	}
}
