package transcriber

import (
	"context"
	"fmt"
	"strings"
	"sync"

	api "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/websocket/interfaces"
	interfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/interfaces"
	client "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/listen"
	"go.uber.org/zap"
)

var deepgramInit sync.Once

// DeepgramConfig holds live transcription parameters.
type DeepgramConfig struct {
	APIKey     string
	Model      string // default nova-2
	Language   string // default zh-CN
	SampleRate int    // default 16000
}

func (c DeepgramConfig) withDefaults() DeepgramConfig {
	if c.Model == "" {
		c.Model = "nova-2"
	}
	if c.Language == "" {
		c.Language = "zh-CN"
	}
	if c.SampleRate <= 0 {
		c.SampleRate = 16000
	}
	return c
}

// DeepgramEngine opens Deepgram live websocket sessions.
type DeepgramEngine struct {
	cfg    DeepgramConfig
	logger *zap.Logger
}

// NewDeepgramEngine creates a Deepgram-backed Engine.
func NewDeepgramEngine(cfg DeepgramConfig, logger *zap.Logger) *DeepgramEngine {
	if logger == nil {
		logger = zap.NewNop()
	}
	deepgramInit.Do(func() {
		client.Init(client.InitLib{LogLevel: client.LogLevelDefault})
	})
	return &DeepgramEngine{cfg: cfg.withDefaults(), logger: logger}
}

// Open connects a live transcription websocket.
func (e *DeepgramEngine) Open(ctx context.Context) (Session, error) {
	sess := &deepgramSession{
		events: make(chan Event, 32),
		logger: e.logger,
	}

	cOptions := &interfaces.ClientOptions{
		APIKey:          e.cfg.APIKey,
		EnableKeepAlive: true,
	}
	tOptions := &interfaces.LiveTranscriptionOptions{
		Model:          e.cfg.Model,
		Language:       e.cfg.Language,
		Punctuate:      true,
		SmartFormat:    true,
		InterimResults: true,
		Encoding:       "linear16",
		SampleRate:     e.cfg.SampleRate,
		Channels:       1,
	}

	dgClient, err := client.NewWSUsingCallback(ctx, "", cOptions, tOptions, deepgramCallback{sess: sess})
	if err != nil {
		return nil, fmt.Errorf("deepgram client: %w", err)
	}
	if ok := dgClient.Connect(); !ok {
		return nil, fmt.Errorf("deepgram connect failed")
	}
	sess.client = dgClient
	return sess, nil
}

// dgConn is the slice of the SDK websocket client the session needs.
type dgConn interface {
	Write(p []byte) (int, error)
	Stop()
}

// deepgramSession adapts the SDK callback interface to the Session contract.
type deepgramSession struct {
	client dgConn
	logger *zap.Logger

	events chan Event

	mu     sync.Mutex
	closed bool
}

func (s *deepgramSession) Events() <-chan Event { return s.events }

func (s *deepgramSession) Write(p []byte) (int, error) {
	return s.client.Write(p)
}

// Close stops the websocket. The SDK invokes the Close callback afterwards,
// which finishes the event stream.
func (s *deepgramSession) Close() error {
	s.client.Stop()
	s.finish()
	return nil
}

func (s *deepgramSession) emit(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.events <- ev:
	default:
		// Consumer stalled; dropping is better than blocking the SDK callback.
	}
}

func (s *deepgramSession) finish() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.events)
}

// deepgramCallback receives SDK events and forwards them to the session.
// It is a separate type because the SDK's Close(*api.CloseResponse) would
// otherwise collide with the Session contract's Close().
type deepgramCallback struct {
	sess *deepgramSession
}

// Message handles transcription results.
func (c deepgramCallback) Message(mr *api.MessageResponse) error {
	if len(mr.Channel.Alternatives) == 0 {
		return nil
	}
	alt := mr.Channel.Alternatives[0]
	text := strings.TrimSpace(alt.Transcript)
	if text == "" {
		return nil
	}
	c.sess.emit(ResultsEvent{
		Text:       text,
		IsFinal:    mr.IsFinal,
		Confidence: alt.Confidence,
		Start:      mr.Start,
		Duration:   mr.Duration,
	})
	return nil
}

func (c deepgramCallback) Open(*api.OpenResponse) error {
	c.sess.logger.Debug("deepgram session open")
	return nil
}

func (c deepgramCallback) Metadata(*api.MetadataResponse) error { return nil }

func (c deepgramCallback) SpeechStarted(*api.SpeechStartedResponse) error { return nil }

func (c deepgramCallback) UtteranceEnd(*api.UtteranceEndResponse) error { return nil }

// Close handles the server-side session end.
func (c deepgramCallback) Close(*api.CloseResponse) error {
	c.sess.emit(EndedEvent{})
	c.sess.finish()
	return nil
}

// Error handles session errors. Auth failures are terminal; everything else
// is worth a reconnect.
func (c deepgramCallback) Error(er *api.ErrorResponse) error {
	err := fmt.Errorf("deepgram %s: %s", er.ErrCode, er.Description)
	recoverable := !strings.HasPrefix(er.ErrCode, "401") && !strings.HasPrefix(er.ErrCode, "403")
	c.sess.emit(ErrorEvent{Err: err, Recoverable: recoverable})
	if !recoverable {
		c.sess.finish()
	}
	return nil
}

func (c deepgramCallback) UnhandledEvent([]byte) error { return nil }
