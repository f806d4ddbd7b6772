// Package forward uploads finished utterances to the speech-to-text webhook
// as multipart/form-data.
package forward

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strconv"
	"strings"
	"time"

	"github.com/robot-voice-lab/internal/capture"
	"github.com/robot-voice-lab/internal/logging"
)

const (
	FormatPCM = "pcm"
	FormatWAV = "wav"

	defaultTimeout   = 10 * time.Second
	defaultFieldName = "file"
	maxErrorBody     = 512
)

// ErrDelivery is wrapped by every DeliveryError.
var ErrDelivery = errors.New("segment delivery failed")

// DeliveryError describes a failed upload. StatusCode is zero for transport
// errors.
type DeliveryError struct {
	StatusCode int
	Code       int
	Body       string
	Err        error
}

func (e *DeliveryError) Error() string {
	switch {
	case e.Err != nil:
		return fmt.Sprintf("%v: %v", ErrDelivery, e.Err)
	case e.Code != 0:
		return fmt.Sprintf("%v: status=%d code=%d body=%q", ErrDelivery, e.StatusCode, e.Code, e.Body)
	default:
		return fmt.Sprintf("%v: status=%d body=%q", ErrDelivery, e.StatusCode, e.Body)
	}
}

func (e *DeliveryError) Unwrap() []error {
	if e.Err != nil {
		return []error{ErrDelivery, e.Err}
	}
	return []error{ErrDelivery}
}

// Config configures the webhook client.
type Config struct {
	URL     string
	APIKey  string
	Timeout time.Duration
	// Format is "pcm" (raw, as recorded) or "wav" (RIFF header added).
	Format    string
	FieldName string
}

// Result is the outcome of a successful upload.
type Result struct {
	StatusCode int
	// Text is the recognised transcript when the webhook returns one.
	Text    string
	Elapsed time.Duration
}

// envelope is the webhook's response body: {"code":0,"msg":"...","data":...}.
type envelope struct {
	Code *int            `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

// Client posts segments to the STT webhook.
type Client struct {
	cfg  Config
	http *http.Client
}

// New validates cfg and returns a client. hc may be nil.
func New(cfg Config, hc *http.Client) (*Client, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, errors.New("forward: url is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	switch strings.ToLower(cfg.Format) {
	case "", FormatPCM:
		cfg.Format = FormatPCM
	case FormatWAV:
		cfg.Format = FormatWAV
	default:
		return nil, fmt.Errorf("forward: unsupported format %q", cfg.Format)
	}
	if cfg.FieldName == "" {
		cfg.FieldName = defaultFieldName
	}
	if hc == nil {
		hc = &http.Client{Timeout: cfg.Timeout}
	}
	return &Client{cfg: cfg, http: hc}, nil
}

// Deliver implements capture.Sink.
func (c *Client) Deliver(ctx context.Context, seg capture.Segment) error {
	_, err := c.Upload(ctx, seg)
	return err
}

// Upload sends one segment. It is attempted once: the audio is not kept
// anywhere else, so a failure means the utterance is lost.
func (c *Client) Upload(ctx context.Context, seg capture.Segment) (*Result, error) {
	if len(seg.Audio) == 0 {
		return nil, capture.ErrEmptySegment
	}
	body, contentType, err := c.encode(seg)
	if err != nil {
		return nil, &DeliveryError{Err: err}
	}

	reqCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, c.cfg.URL, body)
	if err != nil {
		return nil, &DeliveryError{Err: err}
	}
	req.Header.Set("Content-Type", contentType)
	if c.cfg.APIKey != "" {
		req.Header.Set("X-API-KEY", c.cfg.APIKey)
	}
	if seg.ID != "" {
		req.Header.Set("X-Correlation-ID", seg.ID)
	}

	logging.Debugw("forward: uploading segment", append(logging.ChannelFields(seg.ChannelID, capture.ChannelName(seg.ChannelID)), logging.SegmentFields(seg.ID, len(seg.Audio), seg.Duration().Milliseconds())...)...)
	sent := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &DeliveryError{Err: err}
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	elapsed := time.Since(sent)
	if err != nil {
		return nil, &DeliveryError{StatusCode: resp.StatusCode, Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &DeliveryError{StatusCode: resp.StatusCode, Body: truncate(raw)}
	}

	res := &Result{StatusCode: resp.StatusCode, Elapsed: elapsed}
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		// Non-JSON 2xx bodies still count as delivered.
		logging.Debugw("forward: non-JSON webhook response", "correlation_id", seg.ID, "status", resp.StatusCode)
		return res, nil
	}
	// The webhook reports application errors in-band with HTTP 200.
	if env.Code != nil && *env.Code != 0 {
		return nil, &DeliveryError{StatusCode: resp.StatusCode, Code: *env.Code, Body: env.Msg}
	}
	res.Text = extractText(env.Data)
	logging.Infow("forward: webhook accepted segment", "correlation_id", seg.ID, "status", resp.StatusCode, "latency_ms", elapsed.Milliseconds(), "text_len", len(res.Text))
	return res, nil
}

func (c *Client) encode(seg capture.Segment) (io.Reader, string, error) {
	audio, filename, mimeType := seg.Audio, "audio.pcm", "audio/pcm"
	if c.cfg.Format == FormatWAV {
		audio, filename, mimeType = buildWAV(seg.Audio, seg.Format), "audio.wav", "audio/wav"
	}

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name=%q; filename=%q`, c.cfg.FieldName, filename))
	h.Set("Content-Type", mimeType)
	part, err := mw.CreatePart(h)
	if err != nil {
		return nil, "", err
	}
	if _, err := part.Write(audio); err != nil {
		return nil, "", err
	}
	fields := [][2]string{
		{"channel_id", strconv.Itoa(seg.ChannelID)},
		{"channel_name", capture.ChannelName(seg.ChannelID)},
		{"duration_seconds", strconv.FormatFloat(seg.DurationSeconds(), 'f', 3, 64)},
		{"trigger", string(seg.Trigger)},
		{"correlation_id", seg.ID},
	}
	for _, f := range fields {
		if err := mw.WriteField(f[0], f[1]); err != nil {
			return nil, "", err
		}
	}
	if err := mw.Close(); err != nil {
		return nil, "", err
	}
	return &buf, mw.FormDataContentType(), nil
}

// extractText pulls a transcript out of the envelope's data, which is either
// a bare string or an object with a "text" field.
func extractText(data json.RawMessage) string {
	if len(data) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		return strings.TrimSpace(s)
	}
	var obj struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(data, &obj); err == nil {
		return strings.TrimSpace(obj.Text)
	}
	return ""
}

func truncate(b []byte) string {
	s := strings.TrimSpace(string(b))
	if len(s) > maxErrorBody {
		return s[:maxErrorBody] + "..."
	}
	return s
}
