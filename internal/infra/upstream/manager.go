// Package upstream owns the connections to external tool servers and
// is the tool-call collaborator the rest of the daemon talks to.
package upstream

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"orchd/internal/domain"
)

const defaultDialTimeout = 30 * time.Second

// Manager keeps one lazily established stdio session per configured
// server and reconnects on demand after a session drops.
type Manager struct {
	specs       map[string]domain.ServerSpec
	logger      *zap.Logger
	dialTimeout time.Duration

	mu       sync.Mutex
	sessions map[string]*mcp.ClientSession
	dials    map[string]*pendingDial
}

// pendingDial lets concurrent callers of the same server share one
// connection attempt instead of racing to spawn duplicate processes.
type pendingDial struct {
	done    chan struct{}
	session *mcp.ClientSession
	err     error
}

func NewManager(specs []domain.ServerSpec, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	byName := make(map[string]domain.ServerSpec, len(specs))
	for _, s := range specs {
		byName[s.Name] = s
	}
	return &Manager{
		specs:       byName,
		logger:      logger.Named("upstream"),
		dialTimeout: defaultDialTimeout,
		sessions:    make(map[string]*mcp.ClientSession),
		dials:       make(map[string]*pendingDial),
	}
}

// Servers lists the configured server names.
func (m *Manager) Servers() []string {
	names := make([]string, 0, len(m.specs))
	for name := range m.specs {
		names = append(names, name)
	}
	return names
}

// session returns a live session for the server, dialing if needed.
// The lock only guards the maps; the dial itself runs outside it so a
// hung handshake to one server never stalls calls to another.
func (m *Manager) session(ctx context.Context, server string) (*mcp.ClientSession, error) {
	spec, ok := m.specs[server]
	if !ok {
		return nil, domain.E(domain.CodeNotFound, "upstream.session",
			fmt.Sprintf("unknown server %q", server), domain.ErrToolNotFound)
	}

	m.mu.Lock()
	if s, ok := m.sessions[server]; ok {
		m.mu.Unlock()
		return s, nil
	}
	if d, ok := m.dials[server]; ok {
		m.mu.Unlock()
		select {
		case <-d.done:
			return d.session, d.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	d := &pendingDial{done: make(chan struct{})}
	m.dials[server] = d
	m.mu.Unlock()

	session, err := m.dial(spec)

	m.mu.Lock()
	delete(m.dials, server)
	if err == nil {
		m.sessions[server] = session
	}
	m.mu.Unlock()

	d.session, d.err = session, err
	close(d.done)

	if err != nil {
		return nil, err
	}
	m.logger.Info("upstream connected", zap.String("server", server))
	return session, nil
}

// dial spawns the server process and performs the handshake under its
// own timeout. The session outlives the dialing call, so the process
// is deliberately not tied to the caller's context; Close tears it
// down.
func (m *Manager) dial(spec domain.ServerSpec) (*mcp.ClientSession, error) {
	dialCtx, cancel := context.WithTimeout(context.Background(), m.dialTimeout)
	defer cancel()

	cmd := exec.Command(spec.Command, spec.Args...)
	if spec.Cwd != "" {
		cmd.Dir = spec.Cwd
	}
	cmd.Env = append(os.Environ(), formatEnv(spec.Env)...)

	client := mcp.NewClient(&mcp.Implementation{Name: "orchd", Version: "0.1.0"}, nil)
	session, err := client.Connect(dialCtx, &mcp.CommandTransport{Command: cmd}, nil)
	if err != nil {
		return nil, domain.E(domain.CodeUnavailable, "upstream.dial",
			fmt.Sprintf("connect %q", spec.Name), domain.ErrUpstreamUnavailable)
	}
	return session, nil
}

// drop forgets a session after a transport failure so the next call
// redials.
func (m *Manager) drop(server string, s *mcp.ClientSession) {
	m.mu.Lock()
	if m.sessions[server] == s {
		delete(m.sessions, server)
	}
	m.mu.Unlock()
	_ = s.Close()
}

// Close shuts down every open session.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for name, s := range m.sessions {
		_ = s.Close()
		delete(m.sessions, name)
	}
	return nil
}

func formatEnv(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	return out
}
