package speech

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"mime"
	"path/filepath"
	"strings"

	"github.com/openai/openai-go"
)

// ErrEmptyAudio is returned for zero-length input or output audio.
var ErrEmptyAudio = errors.New("audio is empty")

// WhisperTranscriber 通过 OpenAI 转写接口将录音转换为文本。
type WhisperTranscriber struct {
	client   *openai.Client
	model    string
	filename string
}

// NewWhisperTranscriber creates a transcriber. filename carries the
// container format hint (the browser records webm).
func NewWhisperTranscriber(client *openai.Client, model, filename string) *WhisperTranscriber {
	if model == "" {
		model = openai.AudioModelWhisper1
	}
	if filename == "" {
		filename = "audio.webm"
	}
	return &WhisperTranscriber{client: client, model: model, filename: filename}
}

// Transcribe uploads the audio and returns the recognised text.
func (t *WhisperTranscriber) Transcribe(ctx context.Context, audio []byte) (string, error) {
	if len(audio) == 0 {
		return "", ErrEmptyAudio
	}

	contentType := mime.TypeByExtension(filepath.Ext(t.filename))
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	resp, err := t.client.Audio.Transcriptions.New(ctx, openai.AudioTranscriptionNewParams{
		File:  openai.File(bytes.NewReader(audio), t.filename, contentType),
		Model: t.model,
	})
	if err != nil {
		return "", fmt.Errorf("openai transcription: %w", err)
	}

	text := strings.TrimSpace(resp.Text)
	log.Printf("[speech] transcribed bytes=%d chars=%d", len(audio), len(text))
	return text, nil
}

// OpenAISynthesizer 通过 OpenAI 语音合成接口生成回复音频。
type OpenAISynthesizer struct {
	client *openai.Client
	model  string
	voice  string
	format string
}

// NewOpenAISynthesizer creates a synthesizer. Empty model defaults to tts-1;
// empty or unknown voice and format fall back to nova and mp3.
func NewOpenAISynthesizer(client *openai.Client, model, voice, format string) *OpenAISynthesizer {
	if model == "" {
		model = openai.SpeechModelTTS1
	}
	voice = normalizeVoice(voice, string(openai.AudioSpeechNewParamsVoiceNova))
	format = normalizeFormat(format, string(openai.AudioSpeechNewParamsResponseFormatMP3))
	return &OpenAISynthesizer{client: client, model: model, voice: voice, format: format}
}

// Synthesize returns encoded audio for text.
func (s *OpenAISynthesizer) Synthesize(ctx context.Context, text string) ([]byte, error) {
	if strings.TrimSpace(text) == "" {
		return nil, errors.New("text is empty")
	}

	resp, err := s.client.Audio.Speech.New(ctx, openai.AudioSpeechNewParams{
		Input:          text,
		Model:          s.model,
		Voice:          openai.AudioSpeechNewParamsVoice(s.voice),
		ResponseFormat: openai.AudioSpeechNewParamsResponseFormat(s.format),
	})
	if err != nil {
		return nil, fmt.Errorf("openai speech: %w", err)
	}
	defer resp.Body.Close()

	audio, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read speech body: %w", err)
	}
	if len(audio) == 0 {
		return nil, ErrEmptyAudio
	}

	log.Printf("[speech] synthesized chars=%d bytes=%d format=%s", len(text), len(audio), s.format)
	return audio, nil
}
