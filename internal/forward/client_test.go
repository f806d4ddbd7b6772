package forward

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/robot-voice-lab/internal/capture"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type captured struct {
	apiKey, correlationID string
	filename, partType    string
	audio                 []byte
	fields                map[string]string
}

func webhook(t *testing.T, status int, body string, got *captured) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got != nil {
			got.apiKey = r.Header.Get("X-API-KEY")
			got.correlationID = r.Header.Get("X-Correlation-ID")
			if !assert.NoError(t, r.ParseMultipartForm(1<<20)) {
				return
			}
			f, hdr, err := r.FormFile("file")
			if !assert.NoError(t, err) {
				return
			}
			got.filename = hdr.Filename
			got.partType = hdr.Header.Get("Content-Type")
			got.audio, _ = io.ReadAll(f)
			got.fields = map[string]string{}
			for k, v := range r.MultipartForm.Value {
				got.fields[k] = v[0]
			}
		}
		w.WriteHeader(status)
		_, _ = io.WriteString(w, body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func testSegment() capture.Segment {
	return capture.Segment{
		ID:        "cid-123",
		ChannelID: 2,
		Audio:     make([]byte, 16000),
		Trigger:   capture.TriggerEnd,
		Format:    capture.DefaultFormat,
	}
}

func TestUploadMultipartShape(t *testing.T) {
	var got captured
	srv := webhook(t, http.StatusOK, `{"code":0,"msg":"ok","data":{"text":" 你好 "}}`, &got)
	c, err := New(Config{URL: srv.URL, APIKey: "secret"}, nil)
	require.NoError(t, err)

	res, err := c.Upload(context.Background(), testSegment())
	require.NoError(t, err)
	assert.Equal(t, "你好", res.Text)
	assert.Equal(t, http.StatusOK, res.StatusCode)

	assert.Equal(t, "secret", got.apiKey)
	assert.Equal(t, "cid-123", got.correlationID)
	assert.Equal(t, "audio.pcm", got.filename)
	assert.Equal(t, "audio/pcm", got.partType)
	assert.Len(t, got.audio, 16000)
	assert.Equal(t, "2", got.fields["channel_id"])
	assert.Equal(t, "external_mic", got.fields["channel_name"])
	assert.Equal(t, "0.500", got.fields["duration_seconds"])
	assert.Equal(t, "end", got.fields["trigger"])
}

func TestUploadWAVFormat(t *testing.T) {
	var got captured
	srv := webhook(t, http.StatusOK, `{"code":0,"data":"hi"}`, &got)
	c, err := New(Config{URL: srv.URL, Format: "WAV"}, nil)
	require.NoError(t, err)

	res, err := c.Upload(context.Background(), testSegment())
	require.NoError(t, err)
	assert.Equal(t, "hi", res.Text)
	assert.Equal(t, "audio.wav", got.filename)
	require.Len(t, got.audio, 44+16000)
	assert.Equal(t, "RIFF", string(got.audio[0:4]))
	assert.Equal(t, "WAVE", string(got.audio[8:12]))
	assert.Equal(t, uint32(16000), binary.LittleEndian.Uint32(got.audio[24:28]))
	assert.Equal(t, uint32(16000), binary.LittleEndian.Uint32(got.audio[40:44]))
}

func TestUploadNon2xxIsDeliveryFailure(t *testing.T) {
	srv := webhook(t, http.StatusBadGateway, "upstream down", nil)
	c, err := New(Config{URL: srv.URL}, nil)
	require.NoError(t, err)

	err = c.Deliver(context.Background(), testSegment())
	require.ErrorIs(t, err, ErrDelivery)
	var de *DeliveryError
	require.True(t, errors.As(err, &de))
	assert.Equal(t, http.StatusBadGateway, de.StatusCode)
	assert.Equal(t, "upstream down", de.Body)
}

func TestUploadInBandErrorCode(t *testing.T) {
	srv := webhook(t, http.StatusOK, `{"code":401,"msg":"auth failed","data":null}`, nil)
	c, err := New(Config{URL: srv.URL}, nil)
	require.NoError(t, err)

	err = c.Deliver(context.Background(), testSegment())
	var de *DeliveryError
	require.True(t, errors.As(err, &de))
	assert.Equal(t, 401, de.Code)
	assert.Equal(t, "auth failed", de.Body)
}

func TestUploadNonJSONSuccess(t *testing.T) {
	srv := webhook(t, http.StatusAccepted, "queued", nil)
	c, err := New(Config{URL: srv.URL}, nil)
	require.NoError(t, err)
	res, err := c.Upload(context.Background(), testSegment())
	require.NoError(t, err)
	assert.Equal(t, "", res.Text)
}

func TestUploadTransportError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	t.Cleanup(srv.Close)
	c, err := New(Config{URL: srv.URL, Timeout: 20 * time.Millisecond}, nil)
	require.NoError(t, err)

	err = c.Deliver(context.Background(), testSegment())
	require.ErrorIs(t, err, ErrDelivery)
	var de *DeliveryError
	require.True(t, errors.As(err, &de))
	assert.Zero(t, de.StatusCode)
}

func TestUploadRejectsEmptySegment(t *testing.T) {
	c, err := New(Config{URL: "http://127.0.0.1:1"}, nil)
	require.NoError(t, err)
	_, err = c.Upload(context.Background(), capture.Segment{})
	assert.ErrorIs(t, err, capture.ErrEmptySegment)
}

func TestNewValidates(t *testing.T) {
	_, err := New(Config{}, nil)
	assert.Error(t, err)
	_, err = New(Config{URL: "http://x", Format: "mp3"}, nil)
	assert.Error(t, err)
}
