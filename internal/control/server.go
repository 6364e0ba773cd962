package control

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"time"
)

// maxSocketPath stays below the 104/108 byte sun_path limit of BSD and Linux.
const maxSocketPath = 100

const maxRequestSize = 1 << 20

// SocketPath returns the control socket for a swarm directory. When
// <dir>/service/daemon.sock does not fit in sun_path, a path in the temp dir
// derived from a hash of the absolute swarm directory is used instead.
func SocketPath(swarmDir string) string {
	p := filepath.Join(swarmDir, "service", "daemon.sock")
	if len(p) <= maxSocketPath {
		return p
	}
	abs, err := filepath.Abs(swarmDir)
	if err != nil {
		abs = swarmDir
	}
	sum := sha256.Sum256([]byte(abs))
	return filepath.Join(os.TempDir(), "swarmd-"+hex.EncodeToString(sum[:8])+".sock")
}

// Server accepts control requests on a unix socket. It is driven by the
// daemon's event loop through Poll; it runs no goroutines of its own.
type Server struct {
	ln      *net.UnixListener
	path    string
	timeout time.Duration
	logger  *slog.Logger
}

// Listen binds the socket at path. A leftover socket file from a previous
// run is removed; callers must already hold the daemon lock.
func Listen(path string, timeout time.Duration, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("remove stale socket: %w", err)
	}

	ln, err := net.ListenUnix("unix", &net.UnixAddr{Name: path, Net: "unix"})
	if err != nil {
		return nil, fmt.Errorf("bind control socket %s: %w", path, err)
	}
	ln.SetUnlinkOnClose(true)
	if err := os.Chmod(path, 0o600); err != nil {
		_ = ln.Close()
		return nil, err
	}
	return &Server{ln: ln, path: path, timeout: timeout, logger: logger}, nil
}

// Path returns the socket path.
func (s *Server) Path() string { return s.path }

// Close stops accepting and removes the socket file.
func (s *Server) Close() error { return s.ln.Close() }

// Incoming is an accepted request waiting for its reply.
type Incoming struct {
	Request *Request
	conn    net.Conn
}

// Reply writes the response and closes the connection.
func (in *Incoming) Reply(resp *Response) error {
	defer in.conn.Close()
	if resp.ID == "" {
		resp.ID = in.Request.ID
	}
	return json.NewEncoder(in.conn).Encode(resp)
}

// Poll waits up to timeout for one connection and reads its request.
// It returns nil, nil when nothing arrived in time. Malformed requests are
// answered with an error directly and also yield nil, nil.
func (s *Server) Poll(timeout time.Duration) (*Incoming, error) {
	if err := s.ln.SetDeadline(time.Now().Add(timeout)); err != nil {
		return nil, err
	}
	conn, err := s.ln.Accept()
	if err != nil {
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			return nil, nil
		}
		return nil, err
	}

	if err := conn.SetDeadline(time.Now().Add(s.timeout)); err != nil {
		conn.Close()
		return nil, nil
	}

	var req Request
	if err := json.NewDecoder(io.LimitReader(conn, maxRequestSize)).Decode(&req); err != nil {
		s.logger.Warn("unreadable control request", "error", err)
		s.reject(conn, "", fmt.Errorf("invalid request: %w", err))
		return nil, nil
	}
	if err := req.Validate(); err != nil {
		s.logger.Warn("invalid control request", "id", req.ID, "kind", req.Kind, "error", err)
		s.reject(conn, req.ID, err)
		return nil, nil
	}
	return &Incoming{Request: &req, conn: conn}, nil
}

func (s *Server) reject(conn net.Conn, id string, err error) {
	defer conn.Close()
	if werr := json.NewEncoder(conn).Encode(Failure(id, err)); werr != nil {
		s.logger.Debug("failed to write control error", "error", werr)
	}
}
