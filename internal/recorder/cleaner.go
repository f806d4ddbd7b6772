package recorder

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/robot-voice-lab/internal/logging"
)

// CleanerConfig bounds the archive. Zero Retention or MaxFiles disables that
// limit.
type CleanerConfig struct {
	Retention time.Duration
	MaxFiles  int
	Interval  time.Duration
}

type archived struct {
	sidecar string
	pcm     string
	mod     time.Time
}

// Clean removes archived pairs older than the retention window and then the
// oldest pairs until at most MaxFiles remain. It returns how many pairs were
// removed.
func (r *Recorder) Clean(now time.Time, cfg CleanerConfig) int {
	pairs := r.scan()
	sort.Slice(pairs, func(i, j int) bool { return pairs[i].mod.Before(pairs[j].mod) })

	removed := 0
	if cfg.Retention > 0 {
		cutoff := now.Add(-cfg.Retention)
		for removed < len(pairs) && pairs[removed].mod.Before(cutoff) {
			removePair(pairs[removed])
			removed++
		}
	}
	if cfg.MaxFiles > 0 {
		for len(pairs)-removed > cfg.MaxFiles {
			removePair(pairs[removed])
			removed++
		}
	}
	if removed > 0 {
		logging.Infow("recorder: cleanup removed segments", "removed", removed, "remaining", len(pairs)-removed)
	}
	return removed
}

// scan finds every sidecar under the archive root and pairs it with its pcm.
func (r *Recorder) scan() []archived {
	var pairs []archived
	err := filepath.WalkDir(r.dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() || !strings.HasSuffix(d.Name(), ".json") {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		pcm := strings.TrimSuffix(path, ".json") + ".pcm"
		if sc, err := ReadSidecar(path); err == nil && sc.PCMPath != "" {
			pcm = sc.PCMPath
		}
		pairs = append(pairs, archived{sidecar: path, pcm: pcm, mod: info.ModTime()})
		return nil
	})
	if err != nil {
		logging.Debugw("recorder: cleanup walk failed", "dir", r.dir, "err", err)
	}
	return pairs
}

func removePair(p archived) {
	_ = os.Remove(p.sidecar)
	if p.pcm != "" {
		_ = os.Remove(p.pcm)
	}
}

// RunCleaner calls Clean every cfg.Interval until ctx is cancelled.
func (r *Recorder) RunCleaner(ctx context.Context, cfg CleanerConfig) error {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	ticker := time.NewTicker(cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case t := <-ticker.C:
			r.Clean(t, cfg)
		}
	}
}
