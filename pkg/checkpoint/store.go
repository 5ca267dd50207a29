package checkpoint

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

// Store keeps checkpoint files in a directory, one write-once file per
// checkpoint: cp_{at_seq}_{id8}.json.
type Store struct {
	dir string
}

// NewStore opens (or creates) the checkpoint directory.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("checkpoint: mkdir: %w", err)
	}
	return &Store{dir: dir}, nil
}

func (s *Store) fileFor(c Checkpoint) string {
	id8 := c.CheckpointID
	if len(id8) > 8 {
		id8 = id8[:8]
	}
	return fmt.Sprintf("cp_%d_%s.json", c.AtSeq, id8)
}

// Save writes a checkpoint. Checkpoints are write-once: saving over an
// existing file fails rather than mutating it.
func (s *Store) Save(c Checkpoint) (string, error) {
	data, err := c.Marshal()
	if err != nil {
		return "", err
	}
	path := filepath.Join(s.dir, s.fileFor(c))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return "", fmt.Errorf("checkpoint: create %s: %w", path, err)
	}
	defer f.Close()
	if _, err := f.Write(append(data, '\n')); err != nil {
		return "", fmt.Errorf("checkpoint: write: %w", err)
	}
	if err := f.Sync(); err != nil {
		return "", fmt.Errorf("checkpoint: fsync: %w", err)
	}
	return path, nil
}

// Load reads one checkpoint file.
func (s *Store) Load(path string) (Checkpoint, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Checkpoint{}, fmt.Errorf("checkpoint: read %s: %w", path, err)
	}
	return Unmarshal(data)
}

// List returns checkpoint paths ordered by at_seq ascending.
func (s *Store) List() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: readdir: %w", err)
	}
	type item struct {
		seq  int64
		path string
	}
	var items []item
	for _, e := range entries {
		seq, ok := seqFromName(e.Name())
		if !ok {
			continue
		}
		items = append(items, item{seq, filepath.Join(s.dir, e.Name())})
	}
	sort.Slice(items, func(i, j int) bool { return items[i].seq < items[j].seq })
	paths := make([]string, len(items))
	for i, it := range items {
		paths[i] = it.path
	}
	return paths, nil
}

// Latest returns the path of the highest-seq checkpoint, "" when none exist.
func (s *Store) Latest() (string, error) {
	paths, err := s.List()
	if err != nil {
		return "", err
	}
	if len(paths) == 0 {
		return "", nil
	}
	return paths[len(paths)-1], nil
}

// AtOrBefore returns the newest checkpoint with at_seq <= seq, "" when none.
func (s *Store) AtOrBefore(seq int64) (string, error) {
	paths, err := s.List()
	if err != nil {
		return "", err
	}
	best := ""
	for _, p := range paths {
		n, ok := seqFromName(filepath.Base(p))
		if ok && n <= seq {
			best = p
		}
	}
	return best, nil
}

func seqFromName(name string) (int64, bool) {
	if !strings.HasPrefix(name, "cp_") || !strings.HasSuffix(name, ".json") {
		return 0, false
	}
	parts := strings.SplitN(strings.TrimSuffix(strings.TrimPrefix(name, "cp_"), ".json"), "_", 2)
	if len(parts) != 2 {
		return 0, false
	}
	n, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}
