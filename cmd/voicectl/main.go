// Command voicectl talks to a running voicecapture: it reads channel state,
// forces a channel to finalize, and replays raw PCM files as a frame feed.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"time"

	"github.com/robot-voice-lab/internal/capture"
	"github.com/robot-voice-lab/internal/ingress"
	"github.com/robot-voice-lab/internal/logging"
	"github.com/robot-voice-lab/internal/mcp"
)

const usage = `usage: voicectl [-addr host:port] <command>

commands:
  status                    print every channel's state
  flush <channel>           finalize a channel now
  replay [flags] <file.pcm> stream a raw PCM file as one utterance
`

func main() {
	addr := flag.String("addr", envOr("VOICECAPTURE_ADDR", "127.0.0.1:8090"), "voicecapture host:port")
	timeout := flag.Duration("timeout", 10*time.Second, "dial and request timeout; replay adds the audio duration")
	flag.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	flag.Parse()
	logging.Init("")

	if flag.NArg() < 1 {
		flag.Usage()
		os.Exit(2)
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	var err error
	switch cmd, args := flag.Arg(0), flag.Args()[1:]; cmd {
	case "status":
		rctx, cancel := context.WithTimeout(ctx, *timeout)
		err = status(rctx, *addr, os.Stdout)
		cancel()
	case "flush":
		rctx, cancel := context.WithTimeout(ctx, *timeout)
		err = flush(rctx, *addr, args, os.Stdout)
		cancel()
	case "replay":
		err = replay(ctx, *addr, args, *timeout)
	default:
		flag.Usage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "voicectl: %v\n", err)
		os.Exit(1)
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func dial(ctx context.Context, addr string) (*mcp.ClientWrapper, error) {
	w := mcp.NewClientWrapper("voicectl", "v0.1.0")
	if err := w.ConnectWebSocket(ctx, "ws://"+addr+"/mcp/ws"); err != nil {
		return nil, err
	}
	return w, nil
}

func status(ctx context.Context, addr string, out io.Writer) error {
	w, err := dial(ctx, addr)
	if err != nil {
		return err
	}
	defer w.Close()
	st, err := w.Status(ctx)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(st)
}

func flush(ctx context.Context, addr string, args []string, out io.Writer) error {
	if len(args) != 1 {
		return fmt.Errorf("flush takes exactly one channel id")
	}
	id, err := strconv.Atoi(args[0])
	if err != nil {
		return fmt.Errorf("invalid channel id %q", args[0])
	}
	w, err := dial(ctx, addr)
	if err != nil {
		return err
	}
	defer w.Close()
	res, err := w.Flush(ctx, id)
	if err != nil {
		return err
	}
	if res.Emitted {
		fmt.Fprintf(out, "channel %d: segment emitted\n", id)
	} else {
		fmt.Fprintf(out, "channel %d: nothing buffered\n", id)
	}
	return nil
}

// replay streams a PCM file. The deadline covers the dial plus, when pacing,
// the audio's own duration.
func replay(ctx context.Context, addr string, args []string, timeout time.Duration) error {
	fs := flag.NewFlagSet("replay", flag.ContinueOnError)
	channel := fs.Int("channel", 1, "channel id to publish on")
	frameMs := fs.Int("frame-ms", 20, "audio per frame in milliseconds")
	asJSON := fs.Bool("json", false, "send JSON envelopes instead of binary frames")
	realtime := fs.Bool("realtime", true, "pace frames at their audio duration")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("replay takes exactly one file")
	}
	pcm, err := os.ReadFile(fs.Arg(0))
	if err != nil {
		return err
	}
	frames := Chunk(*channel, pcm, capture.DefaultFormat, time.Duration(*frameMs)*time.Millisecond)
	if len(frames) == 0 {
		return fmt.Errorf("%s is empty", fs.Arg(0))
	}

	pace := time.Duration(*frameMs) * time.Millisecond
	ctx, cancel := context.WithTimeout(ctx, replayBudget(len(frames), pace, *realtime, timeout))
	defer cancel()

	pub, err := ingress.Dial(ctx, "ws://"+addr+"/ws/frames", *asJSON)
	if err != nil {
		return err
	}
	defer pub.Close()
	for i, f := range frames {
		if err := pub.Send(ctx, f); err != nil {
			return fmt.Errorf("frame %d: %w", i, err)
		}
		if *realtime && i < len(frames)-1 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(pace):
			}
		}
	}
	fmt.Printf("replayed %d frames (%d bytes) on channel %d\n", len(frames), len(pcm), *channel)
	return nil
}

// replayBudget returns timeout, extended by the time spent waiting between
// frames when they are paced.
func replayBudget(frames int, pace time.Duration, realtime bool, timeout time.Duration) time.Duration {
	if !realtime || frames < 2 {
		return timeout
	}
	return timeout + time.Duration(frames-1)*pace
}

// Chunk splits pcm into frames of frameDur, marked BEGIN, PROCESSING... END.
// A single chunk is sent as BEGIN followed by an empty END.
func Chunk(channelID int, pcm []byte, f capture.AudioFormat, frameDur time.Duration) []capture.Frame {
	if len(pcm) == 0 {
		return nil
	}
	bytesPerFrame := int(int64(f.SampleRate*f.Channels*f.BitsPerSample/8) * frameDur.Milliseconds() / 1000)
	if bytesPerFrame <= 0 {
		bytesPerFrame = len(pcm)
	}
	var frames []capture.Frame
	for off := 0; off < len(pcm); off += bytesPerFrame {
		end := min(off+bytesPerFrame, len(pcm))
		frames = append(frames, capture.Frame{ChannelID: channelID, Marker: capture.MarkerProcessing, Payload: pcm[off:end]})
	}
	frames[0].Marker = capture.MarkerBegin
	if len(frames) == 1 {
		return append(frames, capture.Frame{ChannelID: channelID, Marker: capture.MarkerEnd})
	}
	frames[len(frames)-1].Marker = capture.MarkerEnd
	return frames
}
