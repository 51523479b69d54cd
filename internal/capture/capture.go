// Package capture pulls PCM16-LE audio from a microphone source, retains the
// full take for a WAV blob, feeds a frequency analyser for level metering,
// and tees live samples to an optional sink (the transcriber).
package capture

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
)

var (
	// ErrPermission is returned when the audio device denies access.
	ErrPermission = errors.New("audio capture permission denied")
	// ErrUnsupported is returned when no capture device is available.
	ErrUnsupported = errors.New("audio capture not supported on this host")
)

// Source is a push-style PCM16-LE audio producer. Stream blocks, writing
// sample chunks to w until the source stops or fails.
type Source interface {
	Start() error
	Stream(w io.Writer) error
	Stop() error
}

// Config holds capture parameters.
type Config struct {
	SampleRate int // samples per second, default 16000
	Channels   int // default 1
}

func (c Config) withDefaults() Config {
	if c.SampleRate <= 0 {
		c.SampleRate = 16000
	}
	if c.Channels <= 0 {
		c.Channels = 1
	}
	return c
}

// Capture owns one recording take over a Source.
type Capture struct {
	source   Source
	cfg      Config
	analyser *Analyser

	mu      sync.Mutex
	running bool
	buf     bytes.Buffer // full PCM take
	sink    io.Writer
	err     error

	done chan struct{}
}

// New creates a capture over the given source.
func New(source Source, cfg Config) *Capture {
	cfg = cfg.withDefaults()
	return &Capture{
		source:   source,
		cfg:      cfg,
		analyser: NewAnalyser(cfg.SampleRate),
	}
}

// SetSink sets the live PCM destination. May be changed mid-capture; a nil
// sink drops live samples but the take is still retained.
func (c *Capture) SetSink(w io.Writer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sink = w
}

// Start opens the source and begins streaming. Starting a running capture is
// a no-op.
func (c *Capture) Start() error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return nil
	}
	c.running = true
	c.err = nil
	c.buf.Reset()
	c.done = make(chan struct{})
	c.mu.Unlock()

	if err := c.source.Start(); err != nil {
		c.mu.Lock()
		c.running = false
		c.mu.Unlock()
		return fmt.Errorf("start source: %w", classifySourceErr(err))
	}

	go func() {
		defer close(c.done)
		err := c.source.Stream(writerFunc(c.consume))
		c.mu.Lock()
		if c.running && err != nil {
			c.err = err
		}
		c.mu.Unlock()
	}()
	return nil
}

// classifySourceErr maps device-layer failures onto the package sentinels so
// callers can distinguish "denied" from "no such device" without matching
// driver message strings themselves.
func classifySourceErr(err error) error {
	if errors.Is(err, ErrPermission) || errors.Is(err, ErrUnsupported) {
		return err
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "permission") ||
		strings.Contains(msg, "access denied") ||
		strings.Contains(msg, "not authorized"):
		return fmt.Errorf("%w: %v", ErrPermission, err)
	case strings.Contains(msg, "no device") ||
		strings.Contains(msg, "no default input") ||
		strings.Contains(msg, "device unavailable") ||
		strings.Contains(msg, "unsupported"):
		return fmt.Errorf("%w: %v", ErrUnsupported, err)
	}
	return err
}

// consume receives one PCM chunk from the source's stream loop.
func (c *Capture) consume(p []byte) (int, error) {
	c.analyser.Feed(p)

	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return 0, io.ErrClosedPipe
	}
	c.buf.Write(p)
	sink := c.sink
	c.mu.Unlock()

	if sink != nil {
		if _, err := sink.Write(p); err != nil {
			// Sink loss must not kill the take.
			return len(p), nil
		}
	}
	return len(p), nil
}

// Stop ends the capture and returns the full take as a WAV blob. A second
// stop returns nil without error.
func (c *Capture) Stop() ([]byte, error) {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return nil, nil
	}
	c.running = false
	done := c.done
	c.mu.Unlock()

	stopErr := c.source.Stop()
	if done != nil {
		<-done
	}

	c.mu.Lock()
	pcm := append([]byte(nil), c.buf.Bytes()...)
	streamErr := c.err
	c.buf.Reset()
	c.mu.Unlock()

	blob, err := EncodeWAV(pcm, c.cfg.SampleRate, c.cfg.Channels)
	if err != nil {
		return nil, err
	}
	if stopErr != nil {
		return blob, fmt.Errorf("stop source: %w", stopErr)
	}
	if streamErr != nil {
		return blob, fmt.Errorf("stream: %w", streamErr)
	}
	return blob, nil
}

// Level returns the current input level in [0, 100].
func (c *Capture) Level() float64 {
	return c.analyser.Level()
}

// Analyser exposes the frequency analyser for visualizers.
func (c *Capture) Analyser() *Analyser {
	return c.analyser
}

// Running reports whether a take is in progress.
func (c *Capture) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

type writerFunc func(p []byte) (int, error)

func (f writerFunc) Write(p []byte) (int, error) { return f(p) }
