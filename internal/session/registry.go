// Package session maintains the participant's collection run: the
// locally persisted session identity and the ordered progress through
// the required recording slots.
package session

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// SessionCreator registers a session with the ingest backend.
// *transport.Uploader is the production implementation.
type SessionCreator interface {
	CreateSession(ctx context.Context, participantID, participantName string) (string, error)
}

// Registry binds this device's collection run to backend-side storage.
// The local id is generated once and survives restarts; the backend
// session is created fresh on each agent start (uploads from a previous
// backend session are pruned by the queue's resume logic).
type Registry struct {
	path      string
	localID   string
	backendID string
	logger    *zap.Logger
}

// NewRegistry loads or creates the persisted local session id.
func NewRegistry(stateDir string, logger *zap.Logger) (*Registry, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}
	r := &Registry{path: filepath.Join(stateDir, "session_id"), logger: logger}

	data, err := os.ReadFile(r.path)
	switch {
	case err == nil:
		r.localID = strings.TrimSpace(string(data))
		logger.Info("existing session loaded", zap.String("session_id", r.localID))
	case os.IsNotExist(err):
		r.localID = "session_" + uuid.New().String()
		if werr := os.WriteFile(r.path, []byte(r.localID+"\n"), 0o644); werr != nil {
			return nil, fmt.Errorf("persist session id: %w", werr)
		}
		logger.Info("new session created", zap.String("session_id", r.localID))
	default:
		return nil, fmt.Errorf("read session id: %w", err)
	}
	return r, nil
}

// LocalID returns the device-local session identifier.
func (r *Registry) LocalID() string { return r.localID }

// BackendID returns the backend session id; empty before EnsureBackend.
func (r *Registry) BackendID() string { return r.backendID }

// EnsureBackend creates the backend-side session on first contact and
// returns its id. Subsequent calls reuse the id for the process lifetime.
func (r *Registry) EnsureBackend(ctx context.Context, creator SessionCreator, participantID, participantName string) (string, error) {
	if r.backendID != "" {
		return r.backendID, nil
	}
	if participantID == "" {
		participantID = r.localID
	}
	id, err := creator.CreateSession(ctx, participantID, participantName)
	if err != nil {
		return "", fmt.Errorf("create backend session: %w", err)
	}
	r.backendID = id
	return id, nil
}
