// Package terminal multiplexes interactive container exec sessions to any
// number of websocket clients, keeping a scrollback buffer so late joiners
// see recent output.
package terminal

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"sync"

	"github.com/labuh/labuh/internal/runtime"
)

const (
	bufferCap  = 65536
	bufferKeep = 32768
)

// WriteFunc receives one chunk of session output for a connected client.
type WriteFunc func(data string)

// Manager tracks the active exec sessions, one per container.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

func NewManager() *Manager {
	return &Manager{sessions: make(map[string]*Session)}
}

// Get returns the session for a container, or nil.
func (m *Manager) Get(containerID string) *Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sessions[containerID]
}

// Open returns the container's session, starting a new shell exec when none
// is active. The pump goroutine owns the output stream and removes the
// session when the exec ends.
func (m *Manager) Open(ctx context.Context, rt runtime.Port, containerID string, cmd []string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s, ok := m.sessions[containerID]; ok {
		return s, nil
	}

	execID, err := rt.ExecCommand(ctx, containerID, cmd)
	if err != nil {
		return nil, err
	}
	output, input, err := rt.ConnectExec(ctx, execID)
	if err != nil {
		return nil, err
	}

	s := &Session{
		ContainerID: containerID,
		input:       input,
		buffer:      &bytes.Buffer{},
		writers:     make(map[string]WriteFunc),
	}
	m.sessions[containerID] = s

	go func() {
		defer m.Remove(containerID)
		buf := make([]byte, 4096)
		for {
			n, err := output.Read(buf)
			if n > 0 {
				s.broadcast(buf[:n])
			}
			if err != nil {
				if err != io.EOF {
					slog.Debug("exec stream closed", "container", containerID, "err", err)
				}
				return
			}
		}
	}()

	return s, nil
}

// Remove drops and closes a session.
func (m *Manager) Remove(containerID string) {
	m.mu.Lock()
	s, ok := m.sessions[containerID]
	if ok {
		delete(m.sessions, containerID)
	}
	m.mu.Unlock()

	if s != nil {
		s.Close()
	}
}

// Session is one live exec attach fanned out to websocket clients.
type Session struct {
	ContainerID string

	mu      sync.RWMutex
	input   io.WriteCloser
	buffer  *bytes.Buffer
	writers map[string]WriteFunc
	closed  bool
}

// broadcast appends output to the scrollback and fans it out.
func (s *Session) broadcast(p []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}

	s.buffer.Write(p)
	if s.buffer.Len() > bufferCap {
		data := s.buffer.Bytes()
		s.buffer.Reset()
		s.buffer.Write(data[len(data)-bufferKeep:])
	}

	chunk := string(p)
	for _, w := range s.writers {
		w(chunk)
	}
}

// SendInput forwards keystrokes to the exec's stdin.
func (s *Session) SendInput(data string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return io.ErrClosedPipe
	}
	_, err := s.input.Write([]byte(data))
	return err
}

// Scrollback returns the buffered recent output.
func (s *Session) Scrollback() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.buffer.String()
}

// AddWriter registers a client to receive output.
func (s *Session) AddWriter(id string, fn WriteFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writers[id] = fn
}

// RemoveWriter unregisters a client.
func (s *Session) RemoveWriter(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.writers, id)
}

// Close shuts the input stream and detaches all clients.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.writers = nil
	if s.input != nil {
		s.input.Close()
	}
}
