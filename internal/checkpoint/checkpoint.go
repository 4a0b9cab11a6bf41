// Package checkpoint persists task snapshots as versioned JSON files.
// Writes go to a temp file in the same directory followed by a rename,
// so a crash mid-write leaves either the previous snapshot or the fully
// written new one, never a torn record.
package checkpoint

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"cofounder/internal/domain"
)

// SchemaVersion is the current snapshot schema. Loaders accept any
// version up to this one; fields added later must keep old snapshots
// readable.
const SchemaVersion = 1

// ErrCorrupt reports a snapshot that cannot be deserialized into a valid
// task. Resume must abort without touching existing state.
var ErrCorrupt = errors.New("checkpoint corrupt")

// ErrNotFound reports a missing checkpoint id.
var ErrNotFound = errors.New("checkpoint not found")

// Store reads and writes snapshots under a single directory.
type Store struct {
	Dir string
	Now func() time.Time
}

func NewStore(dir string) *Store {
	return &Store{Dir: dir, Now: time.Now}
}

func (s *Store) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s *Store) path(id string) string {
	return filepath.Join(s.Dir, id+".json")
}

// Save snapshots the task. Iteration is the number of steps processed so
// far; the full step list with statuses rides along so resume can
// reconstruct an equivalent task.
func (s *Store) Save(t domain.Task) (domain.Checkpoint, error) {
	cp := domain.Checkpoint{
		Version:   SchemaVersion,
		ID:        uuid.New().String(),
		TaskID:    t.ID,
		Objective: t.Objective,
		Category:  t.Category,
		Iteration: t.Iteration,
		Steps:     t.Steps,
		CreatedAt: s.now().UTC().Format(time.RFC3339),
	}
	data, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return domain.Checkpoint{}, fmt.Errorf("marshal checkpoint: %w", err)
	}
	if err := os.MkdirAll(s.Dir, 0o755); err != nil {
		return domain.Checkpoint{}, err
	}
	tmp, err := os.CreateTemp(s.Dir, "."+cp.ID+".tmp-")
	if err != nil {
		return domain.Checkpoint{}, err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return domain.Checkpoint{}, err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return domain.Checkpoint{}, err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return domain.Checkpoint{}, err
	}
	if err := os.Rename(tmpName, s.path(cp.ID)); err != nil {
		os.Remove(tmpName)
		return domain.Checkpoint{}, err
	}
	return cp, nil
}

// Load reads and validates one snapshot.
func (s *Store) Load(id string) (domain.Checkpoint, error) {
	data, err := os.ReadFile(s.path(id))
	if err != nil {
		if os.IsNotExist(err) {
			return domain.Checkpoint{}, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return domain.Checkpoint{}, err
	}
	var cp domain.Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return domain.Checkpoint{}, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if err := validate(cp); err != nil {
		return domain.Checkpoint{}, err
	}
	return cp, nil
}

func validate(cp domain.Checkpoint) error {
	if cp.Version <= 0 || cp.Version > SchemaVersion {
		return fmt.Errorf("%w: unsupported schema version %d", ErrCorrupt, cp.Version)
	}
	if cp.TaskID == "" || cp.Objective == "" {
		return fmt.Errorf("%w: missing task id or objective", ErrCorrupt)
	}
	if len(cp.Steps) == 0 {
		return fmt.Errorf("%w: empty step list", ErrCorrupt)
	}
	for _, st := range cp.Steps {
		switch st.Status {
		case domain.StepPending, domain.StepCompleted, domain.StepFailed:
		default:
			return fmt.Errorf("%w: step %d has invalid status %q", ErrCorrupt, st.Ordinal, st.Status)
		}
	}
	return nil
}

// List returns all snapshots, newest first.
func (s *Store) List() ([]domain.Checkpoint, error) {
	entries, err := os.ReadDir(s.Dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var res []domain.Checkpoint
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") || strings.HasPrefix(name, ".") {
			continue
		}
		cp, err := s.Load(strings.TrimSuffix(name, ".json"))
		if err != nil {
			// Unreadable snapshots are skipped here; Load reports them
			// when addressed directly.
			continue
		}
		res = append(res, cp)
	}
	sort.Slice(res, func(i, j int) bool { return res[i].CreatedAt > res[j].CreatedAt })
	return res, nil
}

// Delete removes a snapshot.
func (s *Store) Delete(id string) error {
	err := os.Remove(s.path(id))
	if os.IsNotExist(err) {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return err
}
