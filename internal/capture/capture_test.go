package capture

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"math"
	"sync"
	"testing"
	"time"
)

// fakeSource pushes scripted PCM chunks, then blocks until stopped.
type fakeSource struct {
	chunks   [][]byte
	startErr error

	mu      sync.Mutex
	started bool
	stopped bool
	quit    chan struct{}
}

func newFakeSource(chunks ...[]byte) *fakeSource {
	return &fakeSource{chunks: chunks, quit: make(chan struct{})}
}

func (f *fakeSource) Start() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return f.startErr
	}
	f.started = true
	return nil
}

func (f *fakeSource) Stream(w io.Writer) error {
	for _, chunk := range f.chunks {
		if _, err := w.Write(chunk); err != nil {
			return err
		}
	}
	<-f.quit
	return nil
}

func (f *fakeSource) Stop() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.stopped {
		f.stopped = true
		close(f.quit)
	}
	return nil
}

func (f *fakeSource) wasStopped() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stopped
}

// sineChunk produces PCM16-LE samples of a sine wave at the given frequency.
func sineChunk(freq float64, sampleRate, samples int) []byte {
	out := make([]byte, samples*2)
	for i := 0; i < samples; i++ {
		v := int16(20000 * math.Sin(2*math.Pi*freq*float64(i)/float64(sampleRate)))
		binary.LittleEndian.PutUint16(out[i*2:], uint16(v))
	}
	return out
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		if cond() {
			return
		}
		select {
		case <-deadline:
			t.Fatal("condition not met in time")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestCaptureProducesWAVBlob(t *testing.T) {
	pcm := sineChunk(440, 16000, 1600)
	src := newFakeSource(pcm)
	c := New(src, Config{SampleRate: 16000})

	if err := c.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitFor(t, func() bool { return c.Level() > 0 })

	blob, err := c.Stop()
	if err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if len(blob) != 44+len(pcm) {
		t.Fatalf("blob length = %d, want %d", len(blob), 44+len(pcm))
	}
	if !bytes.Equal(blob[:4], []byte("RIFF")) || !bytes.Equal(blob[8:12], []byte("WAVE")) {
		t.Error("blob missing RIFF/WAVE magic")
	}
	rate := binary.LittleEndian.Uint32(blob[24:28])
	if rate != 16000 {
		t.Errorf("header sample rate = %d, want 16000", rate)
	}
	dataLen := binary.LittleEndian.Uint32(blob[40:44])
	if int(dataLen) != len(pcm) {
		t.Errorf("data chunk size = %d, want %d", dataLen, len(pcm))
	}
}

func TestCaptureTeesToSink(t *testing.T) {
	pcm := sineChunk(440, 16000, 800)
	src := newFakeSource(pcm)
	c := New(src, Config{SampleRate: 16000})

	var sink bytes.Buffer
	var mu sync.Mutex
	c.SetSink(writerFunc(func(p []byte) (int, error) {
		mu.Lock()
		defer mu.Unlock()
		return sink.Write(p)
	}))

	if err := c.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return sink.Len() == len(pcm)
	})
	if _, err := c.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if !bytes.Equal(sink.Bytes(), pcm) {
		t.Error("sink did not receive the live PCM verbatim")
	}
}

func TestCaptureStopReleasesSourceAndIsIdempotent(t *testing.T) {
	src := newFakeSource(sineChunk(440, 16000, 160))
	c := New(src, Config{})

	if err := c.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if _, err := c.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if !src.wasStopped() {
		t.Error("source not released on stop")
	}
	if c.Running() {
		t.Error("capture still running after stop")
	}

	blob, err := c.Stop()
	if err != nil || blob != nil {
		t.Errorf("second Stop = (%v, %v), want (nil, nil)", blob, err)
	}
}

func TestCaptureSinkFailureKeepsTake(t *testing.T) {
	pcm := sineChunk(440, 16000, 800)
	src := newFakeSource(pcm)
	c := New(src, Config{SampleRate: 16000})
	c.SetSink(writerFunc(func(p []byte) (int, error) {
		return 0, io.ErrClosedPipe
	}))

	if err := c.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitFor(t, func() bool { return c.Level() > 0 })
	blob, err := c.Stop()
	if err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if len(blob) != 44+len(pcm) {
		t.Errorf("take lost when sink failed: blob length = %d, want %d", len(blob), 44+len(pcm))
	}
}

func TestAnalyserLevelSilenceVsTone(t *testing.T) {
	a := NewAnalyser(16000)
	a.Feed(make([]byte, 4096)) // silence
	silent := a.Level()
	if silent != 0 {
		t.Errorf("silence level = %v, want 0", silent)
	}

	a.Feed(sineChunk(440, 16000, 2048))
	loud := a.Level()
	if loud <= silent {
		t.Errorf("tone level %v not above silence %v", loud, silent)
	}
	if loud < 0 || loud > 100 {
		t.Errorf("level %v outside [0, 100]", loud)
	}
}

func TestAnalyserSnapshotPeaksNearToneBin(t *testing.T) {
	a := NewAnalyser(16000)
	// Frequency aligned with bin 4: 5 cycles over a 2048-sample window.
	freq := 5.0 * 16000 / 2048
	a.Feed(sineChunk(freq, 16000, 2048))

	bins := a.Snapshot()
	peak := 0
	for i, b := range bins {
		if b > bins[peak] {
			peak = i
		}
	}
	if peak != 4 {
		t.Errorf("spectrum peak at bin %d, want 4", peak)
	}
}

func TestStartClassifiesDeviceErrors(t *testing.T) {
	cases := []struct {
		name string
		msg  string
		want error
	}{
		{"denied", "PortAudio error: permission denied", ErrPermission},
		{"missing", "no default input device", ErrUnsupported},
		{"unavailable", "device unavailable", ErrUnsupported},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			src := newFakeSource()
			src.startErr = errors.New(tc.msg)
			c := New(src, Config{})

			err := c.Start()
			if !errors.Is(err, tc.want) {
				t.Errorf("Start() = %v, want %v", err, tc.want)
			}
			if c.Running() {
				t.Error("capture reported running after failed start")
			}
		})
	}
}

func TestStartKeepsUnknownSourceError(t *testing.T) {
	src := newFakeSource()
	src.startErr = errors.New("host api busy")
	c := New(src, Config{})

	err := c.Start()
	if err == nil || errors.Is(err, ErrPermission) || errors.Is(err, ErrUnsupported) {
		t.Errorf("Start() = %v, want the raw source error", err)
	}
}
