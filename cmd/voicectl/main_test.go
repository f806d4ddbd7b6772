package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/robot-voice-lab/internal/capture"
)

func TestChunkMarksUtterance(t *testing.T) {
	// 20ms at 16 kHz mono 16-bit is 640 bytes.
	pcm := bytes.Repeat([]byte{1}, 640*3+100)
	frames := Chunk(1, pcm, capture.DefaultFormat, 20*time.Millisecond)
	require.Len(t, frames, 4)
	assert.Equal(t, capture.MarkerBegin, frames[0].Marker)
	assert.Equal(t, capture.MarkerProcessing, frames[1].Marker)
	assert.Equal(t, capture.MarkerProcessing, frames[2].Marker)
	assert.Equal(t, capture.MarkerEnd, frames[3].Marker)
	assert.Len(t, frames[3].Payload, 100)

	total := 0
	for _, f := range frames {
		total += len(f.Payload)
	}
	assert.Equal(t, len(pcm), total)
}

func TestChunkSingleFrame(t *testing.T) {
	frames := Chunk(2, []byte{1, 2}, capture.DefaultFormat, 20*time.Millisecond)
	require.Len(t, frames, 2)
	assert.Equal(t, capture.MarkerBegin, frames[0].Marker)
	assert.Equal(t, capture.MarkerEnd, frames[1].Marker)
	assert.Empty(t, frames[1].Payload)
}

func TestChunkEmpty(t *testing.T) {
	assert.Nil(t, Chunk(1, nil, capture.DefaultFormat, 20*time.Millisecond))
}

func TestChunkedReplayYieldsOneSegment(t *testing.T) {
	var segs []capture.Segment
	eng := capture.NewEngine(capture.Config{}, capture.EmitterFunc(func(s capture.Segment) { segs = append(segs, s) }))
	pcm := bytes.Repeat([]byte{7, 0}, 8000)
	for _, f := range Chunk(1, pcm, capture.DefaultFormat, 20*time.Millisecond) {
		require.NoError(t, eng.HandleFrame(f))
	}
	require.Len(t, segs, 1)
	assert.Equal(t, pcm, segs[0].Audio)
	assert.Equal(t, 0.5, segs[0].DurationSeconds())
}

func TestFlushArgs(t *testing.T) {
	assert.Error(t, flush(context.Background(), "", nil, nil))
	assert.Error(t, flush(context.Background(), "", []string{"x"}, nil))
}

func TestReplayBudgetCoversPacedAudio(t *testing.T) {
	// 30s of audio in 20ms frames.
	pcm := make([]byte, 640*1500)
	frames := Chunk(1, pcm, capture.DefaultFormat, 20*time.Millisecond)
	require.Len(t, frames, 1500)

	budget := replayBudget(len(frames), 20*time.Millisecond, true, 10*time.Second)
	assert.Equal(t, 10*time.Second+1499*20*time.Millisecond, budget)
	assert.Greater(t, budget, 30*time.Second)

	assert.Equal(t, 10*time.Second, replayBudget(len(frames), 20*time.Millisecond, false, 10*time.Second))
	assert.Equal(t, 10*time.Second, replayBudget(1, 20*time.Millisecond, true, 10*time.Second))
}

func TestReplayArgs(t *testing.T) {
	assert.Error(t, replay(context.Background(), "", nil, time.Second))
	empty := filepath.Join(t.TempDir(), "empty.pcm")
	require.NoError(t, os.WriteFile(empty, nil, 0o644))
	assert.ErrorContains(t, replay(context.Background(), "", []string{empty}, time.Second), "is empty")
}
