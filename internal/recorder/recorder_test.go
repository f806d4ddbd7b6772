package recorder

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/robot-voice-lab/internal/capture"
	"github.com/robot-voice-lab/internal/forward"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func segment(id string, ch int, n int) capture.Segment {
	return capture.Segment{
		ID:          id,
		ChannelID:   ch,
		Audio:       make([]byte, n),
		Trigger:     capture.TriggerTimeout,
		CreatedAt:   time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		Format:      capture.DefaultFormat,
		MarkerTally: map[capture.Marker]int{capture.MarkerBegin: 1, capture.MarkerProcessing: 4},
	}
}

type stubUploader struct {
	res   *forward.Result
	err   error
	calls int
}

func (s *stubUploader) Upload(ctx context.Context, seg capture.Segment) (*forward.Result, error) {
	s.calls++
	return s.res, s.err
}

func TestSaveWritesPCMAndSidecar(t *testing.T) {
	rec, err := New(t.TempDir())
	require.NoError(t, err)

	entry, err := rec.Save(segment("abc", 1, 3200))
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(rec.Dir(), "stream_1"), filepath.Dir(entry.PCMPath))
	assert.True(t, strings.HasPrefix(filepath.Base(entry.PCMPath), "internal_mic_20260301_120000"))
	b, err := os.ReadFile(entry.PCMPath)
	require.NoError(t, err)
	assert.Len(t, b, 3200)

	sc, err := ReadSidecar(entry.SidecarPath)
	require.NoError(t, err)
	assert.Equal(t, "abc", sc.CorrelationID)
	assert.Equal(t, "internal_mic", sc.ChannelName)
	assert.Equal(t, 3200, sc.Bytes)
	assert.InDelta(t, 0.1, sc.DurationSeconds, 1e-9)
	assert.Equal(t, "timeout", sc.Trigger)
	assert.Equal(t, 4, sc.MarkerTally["PROCESSING"])
	assert.Nil(t, sc.Delivery)
}

func TestSaveRejectsEmpty(t *testing.T) {
	rec, err := New(t.TempDir())
	require.NoError(t, err)
	_, err = rec.Save(capture.Segment{ChannelID: 1})
	assert.ErrorIs(t, err, capture.ErrEmptySegment)
}

func TestNewRequiresDir(t *testing.T) {
	_, err := New("  ")
	assert.Error(t, err)
}

func TestWriteFileReplacesWithoutLeavingTemps(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "stream_3")
	path := filepath.Join(dir, "a.json")

	require.NoError(t, writeFile(path, []byte("first")))
	require.NoError(t, writeFile(path, []byte("second")))

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "second", string(b))
	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o644), info.Mode().Perm())

	names, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, names, 1)
	assert.Equal(t, "a.json", names[0].Name())
}

func TestSinkRecordsDelivery(t *testing.T) {
	rec, err := New(t.TempDir())
	require.NoError(t, err)
	up := &stubUploader{res: &forward.Result{StatusCode: 200, Text: "turn left", Elapsed: 42 * time.Millisecond}}

	require.NoError(t, NewSink(rec, up).Deliver(context.Background(), segment("ok-1", 2, 640)))
	assert.Equal(t, 1, up.calls)

	sc := onlySidecar(t, rec.Dir())
	require.NotNil(t, sc.Delivery)
	assert.Equal(t, "delivered", sc.Delivery.Status)
	assert.Equal(t, "turn left", sc.Delivery.Transcript)
	assert.Equal(t, int64(42), sc.Delivery.LatencyMS)
}

func TestSinkRecordsFailure(t *testing.T) {
	rec, err := New(t.TempDir())
	require.NoError(t, err)
	upErr := &forward.DeliveryError{StatusCode: 503, Body: "busy"}
	up := &stubUploader{err: upErr}

	err = NewSink(rec, up).Deliver(context.Background(), segment("bad-1", 1, 640))
	require.ErrorIs(t, err, forward.ErrDelivery)

	sc := onlySidecar(t, rec.Dir())
	require.NotNil(t, sc.Delivery)
	assert.Equal(t, "failed", sc.Delivery.Status)
	assert.Equal(t, 503, sc.Delivery.StatusCode)
	assert.Contains(t, sc.Delivery.Error, "busy")
}

func TestSinkArchiveOnly(t *testing.T) {
	rec, err := New(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, NewSink(rec, nil).Deliver(context.Background(), segment("a", 1, 64)))
	assert.Nil(t, onlySidecar(t, rec.Dir()).Delivery)
}

func TestSinkUploadsWhenArchiveFails(t *testing.T) {
	dir := t.TempDir()
	rec, err := New(dir)
	require.NoError(t, err)
	// A regular file where the stream directory should be makes Save fail.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "stream_1"), nil, 0o644))
	up := &stubUploader{err: errors.New("boom")}

	err = NewSink(rec, up).Deliver(context.Background(), segment("x", 1, 64))
	assert.EqualError(t, err, "boom")
	assert.Equal(t, 1, up.calls)
}

func TestCleanRetentionAndMaxFiles(t *testing.T) {
	rec, err := New(t.TempDir())
	require.NoError(t, err)
	now := time.Now()

	var entries []Entry
	for i := 0; i < 5; i++ {
		seg := segment(string(rune('a'+i)), 1, 32)
		seg.CreatedAt = seg.CreatedAt.Add(time.Duration(i) * time.Second)
		e, err := rec.Save(seg)
		require.NoError(t, err)
		age := time.Duration(5-i) * time.Hour
		require.NoError(t, os.Chtimes(e.SidecarPath, now.Add(-age), now.Add(-age)))
		entries = append(entries, e)
	}

	// Entries 0 and 1 are older than 3h30m.
	removed := rec.Clean(now, CleanerConfig{Retention: 3*time.Hour + 30*time.Minute})
	assert.Equal(t, 2, removed)
	assert.NoFileExists(t, entries[0].PCMPath)
	assert.NoFileExists(t, entries[1].SidecarPath)

	removed = rec.Clean(now, CleanerConfig{MaxFiles: 1})
	assert.Equal(t, 2, removed)
	assert.NoFileExists(t, entries[3].PCMPath)
	assert.FileExists(t, entries[4].PCMPath)
	assert.FileExists(t, entries[4].SidecarPath)
}

func TestRunCleanerStopsOnCancel(t *testing.T) {
	rec, err := New(t.TempDir())
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- rec.RunCleaner(ctx, CleanerConfig{Interval: 5 * time.Millisecond, MaxFiles: 1}) }()
	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("cleaner did not stop")
	}
}

func onlySidecar(t *testing.T, dir string) *Sidecar {
	t.Helper()
	matches, err := filepath.Glob(filepath.Join(dir, "stream_*", "*.json"))
	require.NoError(t, err)
	require.Len(t, matches, 1)
	sc, err := ReadSidecar(matches[0])
	require.NoError(t, err)
	return sc
}
