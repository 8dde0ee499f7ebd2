package main

import (
	"bytes"
	"context"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rptools/clientserver"
)

const addr = "127.0.0.1:12345"

// pongHandler answers every PING with a PONG to the sending client.
type pongHandler struct {
	server *clientserver.Server
}

func (h *pongHandler) HandleMessage(id string, payload []byte) {
	slog.Info("server received", "id", id, "payload", string(payload))
	if !bytes.Equal(payload, []byte("PING")) {
		return
	}
	if err := h.server.SendTo(id, clientserver.DefaultChannel, []byte("PONG")); err != nil {
		slog.Error("reply failed", "id", id, "error", err)
	}
}

type poolLogger struct{}

func (poolLogger) ConnectionAdded(conn clientserver.Connection) {
	slog.Info("client joined", "id", conn.ID())
}

func (poolLogger) ConnectionRemoved(conn clientserver.Connection) {
	slog.Info("client left", "id", conn.ID(), "error", conn.Err())
}

func runServer(ctx context.Context) {
	tcpAddr, err := net.ResolveTCPAddr("tcp", addr)
	if err != nil {
		panic(err)
	}

	server, err := clientserver.NewServer(tcpAddr)
	if err != nil {
		slog.Error("failed to create server", "error", err)
		return
	}
	defer server.Close()

	server.AddMessageHandler(&pongHandler{server: server})
	server.AddObserver(poolLogger{})

	slog.Info("server start", "addr", addr)
	if err := server.Serve(ctx); err != nil && err != context.Canceled {
		slog.Error("server error", "error", err)
	}
}

func runClient(ctx context.Context) {
	conn, err := clientserver.NewSocketConnection("", addr,
		clientserver.OnMessageOption(clientserver.MessageHandlerFunc(func(id string, payload []byte) {
			slog.Info("client received", "payload", string(payload))
		})),
		clientserver.OnDisconnectOption(clientserver.DisconnectHandlerFunc(func(c clientserver.Connection) {
			slog.Info("disconnected", "id", c.ID(), "error", c.Err())
		})),
	)
	if err != nil {
		panic(err)
	}

	if err := conn.Open(ctx); err != nil {
		slog.Error("open failed", "error", err)
		return
	}
	defer conn.Close()

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-conn.Done():
			return
		case <-ticker.C:
			conn.SendMessage(clientserver.DefaultChannel, []byte("PING"))
		}
	}
}

func main() {
	// Handle graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		slog.Info("shutting down...")
		cancel()
	}()

	if len(os.Args) > 1 && os.Args[1] == "client" {
		runClient(ctx)
		return
	}
	runServer(ctx)
}
