// Package recorder archives finished segments on local disk as raw PCM plus
// a JSON sidecar, and records the upload outcome in the sidecar.
package recorder

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/robot-voice-lab/internal/capture"
	"github.com/robot-voice-lab/internal/forward"
	"github.com/robot-voice-lab/internal/logging"
)

// Sidecar is the JSON document stored next to every archived segment.
type Sidecar struct {
	CorrelationID   string          `json:"correlation_id"`
	ChannelID       int             `json:"channel_id"`
	ChannelName     string          `json:"channel_name"`
	PCMPath         string          `json:"pcm_path"`
	Bytes           int             `json:"bytes"`
	DurationSeconds float64         `json:"duration_seconds"`
	SampleRate      int             `json:"sample_rate"`
	Trigger         string          `json:"trigger"`
	MarkerTally     map[string]int  `json:"marker_tally,omitempty"`
	CreatedUTC      string          `json:"created_utc"`
	Delivery        *DeliveryRecord `json:"delivery,omitempty"`
}

// DeliveryRecord is the upload outcome merged into a sidecar.
type DeliveryRecord struct {
	Status     string `json:"status"`
	StatusCode int    `json:"status_code,omitempty"`
	Transcript string `json:"transcript,omitempty"`
	Error      string `json:"error,omitempty"`
	LatencyMS  int64  `json:"latency_ms,omitempty"`
	UpdatedUTC string `json:"updated_utc"`
}

// Entry locates an archived segment.
type Entry struct {
	PCMPath     string
	SidecarPath string
}

// Recorder writes segments under Dir/stream_<id>/<name>_<timestamp>.pcm.
type Recorder struct {
	dir string
	// mu serialises sidecar read-modify-write cycles.
	mu  sync.Mutex
	now func() time.Time
}

// New creates dir if needed and returns a recorder rooted there.
func New(dir string) (*Recorder, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("recorder: dir is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("recorder: create %s: %w", dir, err)
	}
	return &Recorder{dir: dir, now: time.Now}, nil
}

// Dir returns the archive root.
func (r *Recorder) Dir() string { return r.dir }

// Save writes the segment audio and its sidecar.
func (r *Recorder) Save(seg capture.Segment) (Entry, error) {
	if len(seg.Audio) == 0 {
		return Entry{}, capture.ErrEmptySegment
	}
	created := seg.CreatedAt
	if created.IsZero() {
		created = r.now()
	}
	name := capture.ChannelName(seg.ChannelID)
	base := fmt.Sprintf("%s_%s", name, created.Format("20060102_150405.000000"))
	if seg.ID != "" {
		base += "_cid" + seg.ID
	}
	streamDir := filepath.Join(r.dir, fmt.Sprintf("stream_%d", seg.ChannelID))
	entry := Entry{
		PCMPath:     filepath.Join(streamDir, base+".pcm"),
		SidecarPath: filepath.Join(streamDir, base+".json"),
	}
	if err := writeFile(entry.PCMPath, seg.Audio); err != nil {
		return Entry{}, fmt.Errorf("recorder: write pcm: %w", err)
	}

	sc := Sidecar{
		CorrelationID:   seg.ID,
		ChannelID:       seg.ChannelID,
		ChannelName:     name,
		PCMPath:         entry.PCMPath,
		Bytes:           len(seg.Audio),
		DurationSeconds: seg.DurationSeconds(),
		SampleRate:      seg.Format.SampleRate,
		Trigger:         string(seg.Trigger),
		CreatedUTC:      created.UTC().Format(time.RFC3339Nano),
	}
	if len(seg.MarkerTally) > 0 {
		sc.MarkerTally = make(map[string]int, len(seg.MarkerTally))
		for m, n := range seg.MarkerTally {
			sc.MarkerTally[m.String()] = n
		}
	}
	if err := r.writeSidecar(entry.SidecarPath, &sc); err != nil {
		return entry, err
	}
	logging.Infow("recorder: segment archived", "path", entry.PCMPath, "correlation_id", seg.ID, "bytes", len(seg.Audio))
	return entry, nil
}

// MarkDelivered merges the upload outcome into the sidecar of entry.
func (r *Recorder) MarkDelivered(entry Entry, res *forward.Result, uploadErr error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	sc, err := ReadSidecar(entry.SidecarPath)
	if err != nil {
		return err
	}
	rec := &DeliveryRecord{UpdatedUTC: r.now().UTC().Format(time.RFC3339Nano)}
	if uploadErr != nil {
		rec.Status = "failed"
		rec.Error = uploadErr.Error()
		var de *forward.DeliveryError
		if errors.As(uploadErr, &de) {
			rec.StatusCode = de.StatusCode
		}
	} else {
		rec.Status = "delivered"
		if res != nil {
			rec.StatusCode = res.StatusCode
			rec.Transcript = res.Text
			rec.LatencyMS = res.Elapsed.Milliseconds()
		}
	}
	sc.Delivery = rec
	return r.writeSidecarLocked(entry.SidecarPath, sc)
}

func (r *Recorder) writeSidecar(path string, sc *Sidecar) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.writeSidecarLocked(path, sc)
}

func (r *Recorder) writeSidecarLocked(path string, sc *Sidecar) error {
	b, err := json.MarshalIndent(sc, "", "  ")
	if err != nil {
		return fmt.Errorf("recorder: marshal sidecar: %w", err)
	}
	if err := writeFile(path, b); err != nil {
		return fmt.Errorf("recorder: write sidecar %s: %w", path, err)
	}
	return nil
}

// writeFile replaces path atomically through a uniquely named temp file in
// the same directory. Readers see either the old or the new contents.
func writeFile(path string, data []byte) (err error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	f, err := os.CreateTemp(dir, filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = os.Remove(f.Name())
		}
	}()
	if _, err = f.Write(data); err == nil {
		err = f.Sync()
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return err
	}
	if err = os.Chmod(f.Name(), 0o644); err != nil {
		return err
	}
	return os.Rename(f.Name(), path)
}

// ReadSidecar loads the sidecar at path.
func ReadSidecar(path string) (*Sidecar, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("recorder: read sidecar %s: %w", path, err)
	}
	var sc Sidecar
	if err := json.Unmarshal(b, &sc); err != nil {
		return nil, fmt.Errorf("recorder: invalid sidecar %s: %w", path, err)
	}
	return &sc, nil
}

// Uploader is the upload side of the pipeline.
type Uploader interface {
	Upload(ctx context.Context, seg capture.Segment) (*forward.Result, error)
}

// Sink archives each segment before handing it to the uploader, then
// records the outcome. An archive failure does not stop the upload. With a
// nil uploader the sink only archives.
type Sink struct {
	rec *Recorder
	up  Uploader
}

func NewSink(rec *Recorder, up Uploader) *Sink {
	return &Sink{rec: rec, up: up}
}

// Deliver implements capture.Sink.
func (s *Sink) Deliver(ctx context.Context, seg capture.Segment) error {
	entry, saveErr := s.rec.Save(seg)
	if saveErr != nil {
		logging.Warnw("recorder: archive failed", "correlation_id", seg.ID, "err", saveErr)
	}
	if s.up == nil {
		return saveErr
	}
	res, err := s.up.Upload(ctx, seg)
	if saveErr == nil {
		if merr := s.rec.MarkDelivered(entry, res, err); merr != nil {
			logging.Warnw("recorder: failed to record delivery outcome", "path", entry.SidecarPath, "err", merr)
		}
	}
	return err
}
