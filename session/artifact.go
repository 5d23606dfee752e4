package session

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

// Artifact is the opaque authentication state persisted between runs. The
// blob is whatever the authenticator exported (cookie state); nothing in this
// package interprets it.
type Artifact struct {
	Blob        []byte    `json:"blob"`
	CapturedAt  time.Time `json:"captured_at"`
	ExpiresHint time.Time `json:"expires_hint,omitzero"`
}

// Signature returns a fingerprint of the blob, used to skip rewriting an
// unchanged artifact.
func (a *Artifact) Signature() string {
	sum := sha256.Sum256(a.Blob)
	return hex.EncodeToString(sum[:])
}

// ArtifactStore persists artifacts. Save must be atomic: a concurrent reader
// sees either the old artifact or the new one, never a partial write.
type ArtifactStore interface {
	// Load returns the stored artifact, or (nil, nil) when none exists.
	Load(ctx context.Context) (*Artifact, error)
	Save(ctx context.Context, a *Artifact) error
}

// FileStore keeps the artifact in a single local JSON file with
// write-to-temp-then-rename replace semantics.
type FileStore struct {
	path   string
	logger *slog.Logger
}

// NewFileStore creates a file-backed artifact store at path.
func NewFileStore(path string, logger *slog.Logger) *FileStore {
	return &FileStore{path: path, logger: logger}
}

// Load reads and decodes the artifact file.
func (s *FileStore) Load(_ context.Context) (*Artifact, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read artifact file: %w", err)
	}
	var art Artifact
	if err := json.Unmarshal(data, &art); err != nil {
		return nil, fmt.Errorf("decode artifact file: %w", err)
	}
	return &art, nil
}

// Save writes the artifact atomically. The temp file lives in the target
// directory so the rename stays on one filesystem.
func (s *FileStore) Save(_ context.Context, a *Artifact) error {
	data, err := json.MarshalIndent(a, "", "  ")
	if err != nil {
		return fmt.Errorf("encode artifact: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create artifact directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".artifact-*")
	if err != nil {
		return fmt.Errorf("create temp artifact: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op after a successful rename

	if err := tmp.Chmod(0o600); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("chmod temp artifact: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp artifact: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp artifact: %w", err)
	}

	if err := os.Rename(tmpName, s.path); err != nil {
		return fmt.Errorf("replace artifact file: %w", err)
	}
	s.logger.Debug("Artifact written", "path", s.path, "bytes", len(data))
	return nil
}
