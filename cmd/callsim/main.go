// Command callsim plays the phone side of a call against a running bridge.
// It streams 8 kHz mu-law audio from a file (or silence) and writes the
// agent's reply audio to disk.
package main

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/satriahrh/callbridge/internal/api"
	"github.com/satriahrh/callbridge/internal/callleg"
)

// 20 ms of 8 kHz mu-law
const frameSize = 160

func main() {
	logger, _ := zap.NewDevelopment()
	defer logger.Sync()

	if err := godotenv.Load(); err != nil {
		logger.Debug("No .env file loaded", zap.Error(err))
	}

	bridge := flag.String("bridge", envOr("CALLSIM_BRIDGE", "localhost:8080"), "bridge host:port")
	apiKey := flag.String("api-key", os.Getenv("BRIDGE_API_KEY"), "API key for token issuance, empty for unauthenticated bridges")
	callID := flag.String("call", "", "call id, generated when empty")
	input := flag.String("in", "", "raw 8 kHz mu-law file to stream, silence when empty")
	output := flag.String("out", "", "file receiving the agent's mu-law audio")
	seconds := flag.Int("seconds", 5, "seconds of silence to stream when no input file is given")
	flag.Parse()

	if *callID == "" {
		*callID = "sim-" + uuid.NewString()[:8]
	}
	logger = logger.With(zap.String("callID", *callID))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	audio, err := loadAudio(*input, *seconds)
	if err != nil {
		logger.Fatal("Failed to load audio", zap.Error(err))
	}

	headers := http.Header{}
	if *apiKey != "" {
		token, err := requestToken(ctx, *bridge, *apiKey, *callID)
		if err != nil {
			logger.Fatal("Failed to get call token", zap.Error(err))
		}
		headers.Add("Authorization", "Bearer "+token)
		logger.Info("Call token issued")
	}

	u := url.URL{Scheme: "ws", Host: *bridge, Path: "/ws"}
	if *apiKey == "" {
		u.RawQuery = url.Values{"call_id": {*callID}}.Encode()
	}
	logger.Info("Connecting", zap.String("url", u.String()))

	c, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), headers)
	if err != nil {
		logger.Fatal("Dial failed", zap.Error(err))
	}
	defer c.Close()

	var sink io.Writer = io.Discard
	if *output != "" {
		f, err := os.Create(*output)
		if err != nil {
			logger.Fatal("Failed to create output file", zap.Error(err))
		}
		defer f.Close()
		sink = f
	}

	done := make(chan struct{})
	go readLoop(c, sink, logger, done)

	if err := stream(ctx, c, *callID, audio, logger); err != nil {
		logger.Error("Streaming stopped", zap.Error(err))
	}

	select {
	case <-done:
	case <-ctx.Done():
		logger.Info("Interrupted")
		_ = c.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		select {
		case <-done:
		case <-time.After(time.Second):
		}
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func loadAudio(path string, seconds int) ([]byte, error) {
	if path == "" {
		return bytes.Repeat([]byte{0xFF}, seconds*8000), nil
	}
	return os.ReadFile(path)
}

func requestToken(ctx context.Context, host, apiKey, callID string) (string, error) {
	body, err := json.Marshal(api.CallTokenRequest{CallID: callID})
	if err != nil {
		return "", err
	}

	endpoint := url.URL{Scheme: "http", Host: host, Path: "/api/v1/calls/token"}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint.String(), bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-Key", apiKey)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("token request failed with status %d: %s", resp.StatusCode, raw)
	}

	var tokenResp api.CallTokenResponse
	if err := json.Unmarshal(raw, &tokenResp); err != nil {
		return "", err
	}
	return tokenResp.Token, nil
}

func stream(ctx context.Context, c *websocket.Conn, callID string, audio []byte, logger *zap.Logger) error {
	if err := writeJSON(c, callleg.Message{
		Event:     callleg.EventStart,
		CallID:    callID,
		Format:    "mulaw",
		Timestamp: time.Now().UnixMilli(),
	}); err != nil {
		return fmt.Errorf("send start: %w", err)
	}

	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()

	frames := 0
	started := time.Now()
	for offset := 0; offset < len(audio); offset += frameSize {
		end := min(offset+frameSize, len(audio))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		if err := writeJSON(c, callleg.Message{
			Event:     callleg.EventMedia,
			CallID:    callID,
			Payload:   base64.StdEncoding.EncodeToString(audio[offset:end]),
			Timestamp: time.Now().UnixMilli(),
		}); err != nil {
			return fmt.Errorf("send media frame %d: %w", frames, err)
		}
		frames++
	}
	logger.Info("Finished streaming", zap.Int("frames", frames), zap.Duration("took", time.Since(started)))

	return writeJSON(c, callleg.Message{Event: callleg.EventStop, CallID: callID, Timestamp: time.Now().UnixMilli()})
}

func writeJSON(c *websocket.Conn, msg callleg.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return c.WriteMessage(websocket.TextMessage, data)
}

func readLoop(c *websocket.Conn, sink io.Writer, logger *zap.Logger, done chan struct{}) {
	defer close(done)

	var chunks, received int
	for {
		_, data, err := c.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				logger.Info("Bridge closed the call", zap.Int("chunks", chunks), zap.Int("bytes", received))
			} else {
				logger.Info("Read stopped", zap.Error(err))
			}
			return
		}

		msg, err := callleg.ParseMessage(data)
		if err != nil {
			var raw callleg.Message
			if json.Unmarshal(data, &raw) == nil && raw.Event == callleg.EventError {
				logger.Warn("Bridge error", zap.String("message", raw.Message))
				continue
			}
			logger.Warn("Unreadable frame", zap.Error(err))
			continue
		}

		switch msg.Event {
		case callleg.EventMedia:
			audio, err := msg.Audio()
			if err != nil {
				logger.Warn("Bad media payload", zap.Error(err))
				continue
			}
			chunks++
			received += len(audio)
			if _, err := sink.Write(audio); err != nil {
				logger.Error("Failed to write audio", zap.Error(err))
			}
		default:
			logger.Info("Received event", zap.String("event", string(msg.Event)))
		}
	}
}
