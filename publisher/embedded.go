package publisher

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// EmbeddedNATS runs an in-process NATS server with JetStream so a dev
// relay can publish to a durable stream without external infrastructure.
type EmbeddedNATS struct {
	server  *server.Server
	conn    *nats.Conn
	js      jetstream.JetStream
	dataDir string
}

// EmbeddedNATSConfig holds configuration for the embedded NATS server
type EmbeddedNATSConfig struct {
	// DataDir is the directory for JetStream data persistence
	DataDir string

	// Host is the bind address (default: 127.0.0.1)
	Host string

	// Port is the server port (default: 4222)
	Port int

	// StreamName is the JetStream stream name
	StreamName string

	// Subjects is the list of subjects captured by the stream
	Subjects []string

	// MaxAge is the maximum age of messages in the stream
	MaxAge time.Duration
}

// DefaultEmbeddedNATSConfig returns defaults for a local dev stream.
func DefaultEmbeddedNATSConfig() *EmbeddedNATSConfig {
	return &EmbeddedNATSConfig{
		DataDir:    "./data/nats",
		Host:       "127.0.0.1",
		Port:       4222,
		StreamName: "OUTFLOW",
		Subjects:   []string{"outflow.events.>"},
		MaxAge:     24 * time.Hour,
	}
}

// NewEmbeddedNATS creates and starts an embedded NATS server with the
// relay's event stream configured.
func NewEmbeddedNATS(cfg *EmbeddedNATSConfig) (*EmbeddedNATS, error) {
	if cfg == nil {
		cfg = DefaultEmbeddedNATSConfig()
	}

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	opts := &server.Options{
		Host:      cfg.Host,
		Port:      cfg.Port,
		JetStream: true,
		StoreDir:  cfg.DataDir,
		NoLog:     true,
		NoSigs:    true,
	}

	ns, err := server.NewServer(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create NATS server: %w", err)
	}

	go ns.Start()
	if !ns.ReadyForConnections(10 * time.Second) {
		ns.Shutdown()
		return nil, fmt.Errorf("NATS server failed to start within timeout")
	}

	slog.Info("Embedded NATS server started", "host", cfg.Host, "port", cfg.Port, "dataDir", cfg.DataDir)

	conn, err := nats.Connect(fmt.Sprintf("nats://%s:%d", cfg.Host, cfg.Port),
		nats.ReconnectWait(time.Second),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		ns.Shutdown()
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		ns.Shutdown()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	e := &EmbeddedNATS{
		server:  ns,
		conn:    conn,
		js:      js,
		dataDir: cfg.DataDir,
	}

	if err := e.ensureStream(context.Background(), cfg); err != nil {
		e.Close()
		return nil, fmt.Errorf("failed to configure stream: %w", err)
	}

	slog.Info("JetStream stream configured", "stream", cfg.StreamName, "subjects", cfg.Subjects)
	return e, nil
}

func (e *EmbeddedNATS) ensureStream(ctx context.Context, cfg *EmbeddedNATSConfig) error {
	streamCfg := jetstream.StreamConfig{
		Name:      cfg.StreamName,
		Subjects:  cfg.Subjects,
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    cfg.MaxAge,
		Replicas:  1,
		Discard:   jetstream.DiscardOld,
		MaxMsgs:   -1,
		MaxBytes:  -1,
	}

	if _, err := e.js.Stream(ctx, cfg.StreamName); err != nil {
		if _, err := e.js.CreateStream(ctx, streamCfg); err != nil {
			return fmt.Errorf("failed to create stream: %w", err)
		}
		return nil
	}
	if _, err := e.js.UpdateStream(ctx, streamCfg); err != nil {
		return fmt.Errorf("failed to update stream: %w", err)
	}
	return nil
}

// JetStream returns the JetStream context for building a NATSSender.
func (e *EmbeddedNATS) JetStream() jetstream.JetStream {
	return e.js
}

// Connection returns the NATS connection.
func (e *EmbeddedNATS) Connection() *nats.Conn {
	return e.conn
}

// Close shuts down the connection and the embedded server.
func (e *EmbeddedNATS) Close() error {
	if e.conn != nil {
		e.conn.Close()
	}
	if e.server != nil {
		e.server.Shutdown()
		e.server.WaitForShutdown()
	}

	// JetStream leaves a lock file behind on unclean exits.
	lockFile := filepath.Join(e.dataDir, "jetstream", "lock.lck")
	if _, err := os.Stat(lockFile); err == nil {
		os.Remove(lockFile)
	}
	return nil
}
