package natsbus

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/nats-io/nats-server/v2/server"

	"github.com/eddielth/oceanflow/logger"
)

// ServerConfig configures an embedded NATS server
type ServerConfig struct {
	Host string
	// Port -1 picks a random free port
	Port int
	// StoreDir holds JetStream data; empty uses a temporary directory that
	// is removed on shutdown
	StoreDir string
	NoLog    bool
}

// EmbeddedServer runs a NATS server with JetStream inside the process. It
// backs the broker role and transport tests.
type EmbeddedServer struct {
	server    *server.Server
	clientURL string
	tempDir   string
}

// NewEmbeddedServer creates and starts an embedded NATS server.
// Returns an error if the server is not ready within 10 seconds.
func NewEmbeddedServer(cfg ServerConfig) (*EmbeddedServer, error) {
	var tempDir string
	if cfg.StoreDir == "" {
		dir, err := os.MkdirTemp("", "oceanflow-jetstream-")
		if err != nil {
			return nil, fmt.Errorf("create JetStream store: %w", err)
		}
		tempDir = dir
		cfg.StoreDir = dir
	}

	opts := &server.Options{
		ServerName: "oceanflow",
		Host:       cfg.Host,
		Port:       cfg.Port,
		JetStream:  true,
		StoreDir:   cfg.StoreDir,
		NoLog:      cfg.NoLog,
		NoSigs:     true,
		MaxPayload: 8 * 1024 * 1024,
	}

	ns, err := server.NewServer(opts)
	if err != nil {
		removeStore(tempDir)
		return nil, fmt.Errorf("create NATS server: %w", err)
	}

	if !cfg.NoLog {
		ns.ConfigureLogger()
	}

	go ns.Start()

	if !ns.ReadyForConnections(10 * time.Second) {
		ns.Shutdown()
		removeStore(tempDir)
		return nil, fmt.Errorf("NATS server not ready within timeout")
	}

	logger.Info("embedded NATS server listening on %s", ns.ClientURL())
	return &EmbeddedServer{
		server:    ns,
		clientURL: ns.ClientURL(),
		tempDir:   tempDir,
	}, nil
}

func removeStore(dir string) {
	if dir == "" {
		return
	}
	if err := os.RemoveAll(dir); err != nil {
		logger.Warn("failed to remove JetStream store %s: %v", dir, err)
	}
}

// ClientURL returns the connection URL for clients
func (s *EmbeddedServer) ClientURL() string {
	return s.clientURL
}

// IsRunning reports server health
func (s *EmbeddedServer) IsRunning() bool {
	return s.server.Running()
}

// Shutdown stops the server and waits for it to exit or ctx to end
func (s *EmbeddedServer) Shutdown(ctx context.Context) error {
	s.server.Shutdown()

	done := make(chan struct{})
	go func() {
		s.server.WaitForShutdown()
		close(done)
	}()

	select {
	case <-done:
		removeStore(s.tempDir)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
