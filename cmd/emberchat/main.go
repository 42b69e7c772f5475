// Package main is a terminal client for live voice conversations.
//
// It connects the microphone and speaker to a remote voice service over
// a websocket session and relays the session's single tool capability,
// send_message, to a downstream agent endpoint.
//
// Usage:
//
//	go run ./cmd/emberchat
//
// Environment variables:
//
//	EMBER_VOICE_URL      - Required websocket endpoint of the voice service
//	EMBER_AGENT_URL      - Required base URL of the agent endpoint
//	EMBER_AGENT_NAME     - Agent name for tool relay (default "default")
//	EMBER_CONFIG_ID      - Optional remote conversation configuration id
//	EMBER_CHAT_GROUP_ID  - Optional chat group id to resume
//	EMBER_METRICS_ADDR   - Optional listen address for /metrics
//	EMBER_SILENCE_FLOOR  - Optional RMS floor under which mic audio is dropped
//	EMBER_DEBUG          - Verbose console logging when set
//
// Controls:
//
//	q - Quit
package main

import (
	"bufio"
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/embervoice/ember-go/pkg/agent"
	"github.com/embervoice/ember-go/pkg/live"
	"github.com/embervoice/ember-go/pkg/metrics"
)

func main() {
	_ = godotenv.Load()

	logger := newLogger()
	defer logger.Sync()

	voiceURL := os.Getenv("EMBER_VOICE_URL")
	if voiceURL == "" {
		logger.Fatal("EMBER_VOICE_URL required")
	}
	agentURL := os.Getenv("EMBER_AGENT_URL")
	if agentURL == "" {
		logger.Fatal("EMBER_AGENT_URL required")
	}
	agentName := os.Getenv("EMBER_AGENT_NAME")
	if agentName == "" {
		agentName = "default"
	}

	silenceFloor := 0.0
	if v := os.Getenv("EMBER_SILENCE_FLOOR"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			logger.Fatal("invalid EMBER_SILENCE_FLOOR", zap.String("value", v))
		}
		silenceFloor = f
	}

	mets := metrics.New("ember")
	if addr := os.Getenv("EMBER_METRICS_ADDR"); addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", mets.Handler())
		go func() {
			logger.Info("metrics listening", zap.String("addr", addr))
			if err := http.ListenAndServe(addr, mux); err != nil {
				logger.Warn("metrics server stopped", zap.Error(err))
			}
		}()
	}

	cfg := live.DefaultSessionConfig()
	cfg.URL = voiceURL
	cfg.ConfigID = os.Getenv("EMBER_CONFIG_ID")
	cfg.ResumedChatGroupID = os.Getenv("EMBER_CHAT_GROUP_ID")

	recorder, renderer, cleanup, err := initAudio(cfg.Audio, silenceFloor)
	if err != nil {
		logger.Fatal("audio unavailable", zap.Error(err))
	}
	defer cleanup()

	bridge := agent.NewBridge(agentURL, agentName, agent.WithLogger(logger))

	sess := live.NewSession(cfg, renderer, recorder, bridge,
		live.WithLogger(logger),
		live.WithMetrics(mets),
		live.WithTranscriptSink(live.TranscriptFunc(printTranscript)),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		fmt.Println("\nShutting down...")
		cancel()
	}()

	dialCtx, dialCancel := context.WithTimeout(ctx, 15*time.Second)
	if err := sess.Connect(dialCtx); err != nil {
		dialCancel()
		logger.Fatal("connect failed", zap.Error(err))
	}
	dialCancel()
	defer sess.Close()

	go watchEvents(sess, logger)

	fmt.Println("Listening... (type 'q' to quit)")
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			if strings.ToLower(strings.TrimSpace(scanner.Text())) == "q" {
				cancel()
				return
			}
		}
	}()

	<-ctx.Done()
	fmt.Printf("Session over. Resume later with EMBER_CHAT_GROUP_ID=%s\n", sess.ChatGroupID())
}

func newLogger() *zap.Logger {
	if os.Getenv("EMBER_DEBUG") != "" {
		logger, err := zap.NewDevelopment()
		if err != nil {
			panic(err)
		}
		return logger
	}
	logger, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	return logger
}

func printTranscript(entry live.TranscriptEntry) {
	if len(entry.Emotions) == 0 {
		fmt.Printf("[%s] %s\n", entry.Role, entry.Content)
		return
	}
	labels := make([]string, 0, len(entry.Emotions))
	for _, e := range entry.Emotions {
		labels = append(labels, fmt.Sprintf("%s %.2f", e.Label, e.Magnitude))
	}
	fmt.Printf("[%s] %s  (%s)\n", entry.Role, entry.Content, strings.Join(labels, ", "))
}

func watchEvents(sess *live.Session, logger *zap.Logger) {
	for ev := range sess.Events() {
		switch e := ev.(type) {
		case live.InterruptionEvent:
			fmt.Println("[interrupted]")
		case live.ReconnectedEvent:
			fmt.Printf("[resumed conversation %s]\n", e.ChatGroupID)
		case live.ToolResolvedEvent:
			if e.Failed {
				fmt.Printf("[tool %s failed]\n", e.Name)
			}
		case live.ErrorEvent:
			logger.Warn("session error", zap.Error(e.Err))
		case live.ClosedEvent:
			return
		}
	}
}
