// Package session persists conversation snapshots so a host can resume
// an exchange in a later process. Snapshots are gob files grouped per
// workspace under the platform state directory.
package session

import (
	"crypto/sha256"
	"encoding/gob"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/codefionn/agentloop/internal/conv"
	"github.com/codefionn/agentloop/internal/logger"
)

// SnapshotVersion guards against decoding snapshots written by an
// incompatible build.
const SnapshotVersion = 1

func init() {
	gob.Register(&Snapshot{})
	gob.Register([]conv.Item{})
}

// Snapshot is the persisted form of one conversation.
type Snapshot struct {
	Version    int
	ID         string
	WorkingDir string
	CreatedAt  time.Time
	UpdatedAt  time.Time

	// ResponseID is the last remote-stored turn id, for services that
	// retain state. Empty in stateless mode.
	ResponseID string

	Items []conv.Item
}

// Metadata is the listing view of a snapshot.
type Metadata struct {
	ID        string
	UpdatedAt time.Time
	ItemCount int
}

// Store reads and writes snapshots under a base directory.
type Store struct {
	baseDir string
	log     *logger.Logger
}

// NewStore opens the default platform snapshot directory.
func NewStore() (*Store, error) {
	baseDir, err := defaultSnapshotDir()
	if err != nil {
		return nil, err
	}
	return NewStoreAt(baseDir), nil
}

// NewStoreAt opens a store rooted at dir.
func NewStoreAt(dir string) *Store {
	return &Store{
		baseDir: dir,
		log:     logger.Global().WithPrefix("session"),
	}
}

// defaultSnapshotDir returns the platform-specific snapshot directory
func defaultSnapshotDir() (string, error) {
	switch runtime.GOOS {
	case "linux":
		// Use XDG_STATE_HOME if available, otherwise ~/.local/state
		if stateHome := strings.TrimSpace(os.Getenv("XDG_STATE_HOME")); stateHome != "" {
			return filepath.Join(stateHome, "agentloop", "sessions"), nil
		}
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		return filepath.Join(homeDir, ".local", "state", "agentloop", "sessions"), nil
	case "windows":
		if localAppData := strings.TrimSpace(os.Getenv("LOCALAPPDATA")); localAppData != "" {
			return filepath.Join(localAppData, "agentloop", "sessions"), nil
		}
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		return filepath.Join(homeDir, "AppData", "Local", "agentloop", "sessions"), nil
	default:
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		return filepath.Join(homeDir, ".config", "agentloop", "sessions"), nil
	}
}

// hashWorkspace creates a safe directory name from workspace path
func hashWorkspace(workingDir string) string {
	absPath := workingDir
	if !filepath.IsAbs(workingDir) {
		if abs, err := filepath.Abs(workingDir); err == nil {
			absPath = abs
		}
	}
	absPath = filepath.Clean(absPath)

	hash := sha256.Sum256([]byte(absPath))
	return fmt.Sprintf("%x", hash)[:16]
}

func (s *Store) workspaceDir(workingDir string) string {
	return filepath.Join(s.baseDir, hashWorkspace(workingDir))
}

func (s *Store) snapshotPath(workingDir, id string) string {
	return filepath.Join(s.workspaceDir(workingDir), id+".gob")
}

var nonAlnum = regexp.MustCompile(`[^a-zA-Z0-9._-]+`)

// sanitizeID produces a filesystem-safe snapshot ID. The ID is the
// single source of truth for the filename.
func sanitizeID(id string) string {
	id = strings.TrimSpace(id)
	id = strings.ReplaceAll(id, string(os.PathSeparator), "-")
	id = nonAlnum.ReplaceAllString(id, "-")
	id = strings.Trim(id, "-")

	if id == "" {
		id = uuid.NewString()
	}
	return id
}

// NewSnapshot starts an empty snapshot for the given workspace.
func NewSnapshot(workingDir string) *Snapshot {
	now := time.Now()
	return &Snapshot{
		Version:    SnapshotVersion,
		ID:         uuid.NewString(),
		WorkingDir: workingDir,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// Save writes the snapshot atomically: encode to a temp file, then
// rename over the final path. Empty snapshots are skipped.
func (s *Store) Save(snap *Snapshot) error {
	if len(snap.Items) == 0 {
		s.log.Debug("skipping save of empty snapshot %s", snap.ID)
		return nil
	}

	workspaceDir := s.workspaceDir(snap.WorkingDir)
	if err := os.MkdirAll(workspaceDir, 0755); err != nil {
		return fmt.Errorf("failed to create workspace directory: %w", err)
	}

	snap.ID = sanitizeID(snap.ID)
	snap.Version = SnapshotVersion
	snap.UpdatedAt = time.Now()

	tempPath := s.snapshotPath(snap.WorkingDir, snap.ID) + ".tmp"
	file, err := os.Create(tempPath)
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}

	if err := gob.NewEncoder(file).Encode(snap); err != nil {
		file.Close()
		os.Remove(tempPath)
		return fmt.Errorf("failed to encode snapshot: %w", err)
	}
	file.Close()

	finalPath := s.snapshotPath(snap.WorkingDir, snap.ID)
	if err := os.Rename(tempPath, finalPath); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to rename temp file: %w", err)
	}

	s.log.Debug("saved snapshot %s to %s", snap.ID, finalPath)
	return nil
}

// Load reads one snapshot.
func (s *Store) Load(workingDir, id string) (*Snapshot, error) {
	path := s.snapshotPath(workingDir, sanitizeID(id))

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open snapshot file: %w", err)
	}
	defer file.Close()

	var snap Snapshot
	if err := gob.NewDecoder(file).Decode(&snap); err != nil {
		return nil, fmt.Errorf("failed to decode snapshot: %w", err)
	}

	if snap.Version != SnapshotVersion {
		return nil, fmt.Errorf("snapshot version mismatch: expected %d, got %d", SnapshotVersion, snap.Version)
	}
	return &snap, nil
}

// List returns metadata for every snapshot in the workspace, newest
// first. Undecodable files are skipped with a warning.
func (s *Store) List(workingDir string) ([]Metadata, error) {
	workspaceDir := s.workspaceDir(workingDir)

	entries, err := os.ReadDir(workspaceDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var out []Metadata
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".gob") {
			continue
		}

		file, err := os.Open(filepath.Join(workspaceDir, entry.Name()))
		if err != nil {
			continue
		}
		var snap Snapshot
		err = gob.NewDecoder(file).Decode(&snap)
		file.Close()
		if err != nil || snap.Version != SnapshotVersion {
			s.log.Warn("skipping unreadable snapshot %s", entry.Name())
			continue
		}

		out = append(out, Metadata{
			ID:        snap.ID,
			UpdatedAt: snap.UpdatedAt,
			ItemCount: len(snap.Items),
		})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return out, nil
}

// Delete removes one snapshot. Missing files are not an error.
func (s *Store) Delete(workingDir, id string) error {
	err := os.Remove(s.snapshotPath(workingDir, sanitizeID(id)))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
