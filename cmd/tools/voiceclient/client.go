package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/gorilla/websocket"

	"github.com/zhouzirui/voice-relay/backend/internal/model/relay"
)

func pingFrame() map[string]string {
	return map[string]string{"type": relay.TypePing}
}

func textFrame(text string) map[string]string {
	return map[string]string{"type": relay.TypeVoiceMessage, "message": text}
}

func audioFrame(data []byte) map[string]string {
	return map[string]string{"type": relay.TypeAudioData, "audio": base64.StdEncoding.EncodeToString(data)}
}

// exchange sends one frame and waits for the first reply.
func exchange(ctx context.Context, url string, frame map[string]string, timeout time.Duration) (relay.Outbound, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return relay.Outbound{}, fmt.Errorf("dial %s: %w", url, err)
	}
	defer conn.Close()

	if err := conn.WriteJSON(frame); err != nil {
		return relay.Outbound{}, fmt.Errorf("send frame: %w", err)
	}

	deadline, _ := ctx.Deadline()
	_ = conn.SetReadDeadline(deadline)

	var reply relay.Outbound
	if err := conn.ReadJSON(&reply); err != nil {
		return relay.Outbound{}, fmt.Errorf("read reply: %w", err)
	}

	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	return reply, nil
}

// report prints the reply and optionally saves its audio.
func report(w io.Writer, reply relay.Outbound, outPath string) error {
	summary := struct {
		Type          string  `json:"type"`
		SessionID     string  `json:"session_id"`
		Transcription *string `json:"transcription,omitempty"`
		Message       string  `json:"message,omitempty"`
		AudioBytes    int     `json:"audio_bytes,omitempty"`
	}{
		Type:          reply.Type,
		SessionID:     reply.SessionID,
		Transcription: reply.Transcription,
		Message:       reply.Text(),
	}

	var audio []byte
	if reply.Audio != nil && *reply.Audio != "" {
		decoded, err := base64.StdEncoding.DecodeString(*reply.Audio)
		if err != nil {
			return fmt.Errorf("decode reply audio: %w", err)
		}
		audio = decoded
		summary.AudioBytes = len(audio)
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(summary); err != nil {
		return err
	}

	if reply.IsError() {
		return fmt.Errorf("server returned error: %s", reply.Text())
	}
	if outPath != "" && len(audio) > 0 {
		if err := os.WriteFile(outPath, audio, 0o644); err != nil {
			return fmt.Errorf("write audio: %w", err)
		}
		fmt.Fprintf(w, "audio written to %s\n", outPath)
	}
	return nil
}
