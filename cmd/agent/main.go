// The capture agent records one class session from the local microphone:
// it creates a backend session, streams audio to Deepgram for live
// transcription, relays finalized segments to the backend, and on Ctrl-C
// uploads the full WAV take and completes the session.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	microphone "github.com/deepgram/deepgram-go-sdk/v3/pkg/audio/microphone"
	"go.uber.org/zap"

	"github.com/classecho/backend/config"
	"github.com/classecho/backend/internal/capture"
	"github.com/classecho/backend/internal/recorder"
	"github.com/classecho/backend/internal/transcriber"
)

func main() {
	var (
		backendURL = flag.String("backend", envOr("CLASSECHO_BACKEND_URL", "http://localhost:8080/api"), "backend API base URL")
		token      = flag.String("token", os.Getenv("CLASSECHO_TOKEN"), "teacher JWT (empty for a demo-mode backend)")
		course     = flag.String("course", "", "course name (required)")
		className  = flag.String("class", "", "class name")
		subject    = flag.String("subject", "", "subject")
		grade      = flag.String("grade", "", "grade")
		objectives = flag.String("objectives", "", "teaching objectives")
	)
	flag.Parse()

	logger, err := zap.NewDevelopment()
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	if *course == "" {
		fmt.Fprintln(os.Stderr, "usage: agent -course <name> [-class <name>] [-subject <s>] [-grade <g>] [-objectives <o>]")
		flag.PrintDefaults()
		os.Exit(2)
	}

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("load config", zap.Error(err))
	}
	if cfg.Deepgram.APIKey == "" {
		logger.Fatal("DEEPGRAM_API_KEY not set")
	}

	microphone.Initialize()
	defer microphone.Teardown()

	// Not every device does 16 kHz mono; walk the candidates until one opens.
	var (
		mic        *microphone.Microphone
		sampleRate int
	)
	for _, rate := range sampleRateCandidates(cfg.Deepgram.SampleRate) {
		m, err := microphone.New(microphone.AudioConfig{InputChannels: 1, SamplingRate: float32(rate)})
		if err != nil {
			logger.Warn("microphone open failed", zap.Int("rate", rate), zap.Error(err))
			continue
		}
		mic = m
		sampleRate = rate
		break
	}
	if mic == nil {
		logger.Fatal("no usable microphone")
	}
	logger.Info("microphone ready", zap.Int("sample_rate", sampleRate))

	take := capture.New(mic, capture.Config{SampleRate: sampleRate, Channels: 1})

	engine := transcriber.NewDeepgramEngine(transcriber.DeepgramConfig{
		APIKey:     cfg.Deepgram.APIKey,
		Model:      cfg.Deepgram.Model,
		Language:   cfg.Deepgram.Language,
		SampleRate: sampleRate,
	}, logger)
	trans := transcriber.New(engine, logger)
	trans.SetInterimHandler(func(seg transcriber.Segment) {
		fmt.Printf("\r… %s", seg.Text)
	})

	backend := recorder.NewAPIClient(*backendURL, *token)
	ctrl := recorder.New(backend, take, trans, logger)

	ctx := context.Background()
	err = ctrl.Start(ctx, recorder.SessionMeta{
		CourseName: *course,
		ClassName:  *className,
		Subject:    *subject,
		Grade:      *grade,
		Objectives: *objectives,
	})
	if err != nil {
		logger.Fatal("start recording", zap.Error(err))
	}
	fmt.Printf("recording session %s, Ctrl-C to stop\n", ctrl.SessionID())

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	status := time.NewTicker(10 * time.Second)
	defer status.Stop()
loop:
	for {
		select {
		case <-quit:
			break loop
		case <-status.C:
			logger.Info("recording",
				zap.Int("elapsed_s", ctrl.Elapsed()),
				zap.Float64("level", take.Level()))
		}
	}

	fmt.Println("\nstopping…")
	stopCtx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()
	res, err := ctrl.Stop(stopCtx)
	if err != nil {
		logger.Fatal("stop recording", zap.Error(err))
	}

	fmt.Printf("session %s: %ds recorded, %d segments relayed (%d lost), audio uploaded: %v\n",
		res.SessionID, res.Elapsed, res.Relayed, res.Lost, res.AudioUploaded)
	for _, e := range res.Errors {
		fmt.Fprintf(os.Stderr, "warning: %v\n", e)
	}
	if len(res.Errors) > 0 {
		os.Exit(1)
	}
}

// sampleRateCandidates puts the configured rate first, then common fallbacks.
func sampleRateCandidates(preferred int) []int {
	defaults := []int{16000, 48000, 44100, 32000, 24000}
	rates := make([]int, 0, len(defaults)+1)
	if preferred > 0 {
		rates = append(rates, preferred)
	}
	for _, r := range defaults {
		if r != preferred {
			rates = append(rates, r)
		}
	}
	return rates
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
