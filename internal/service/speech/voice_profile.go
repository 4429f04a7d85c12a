package speech

import (
	"log"
	"strings"

	"github.com/openai/openai-go"
)

var voiceWhitelist = map[string]struct{}{
	string(openai.AudioSpeechNewParamsVoiceAlloy):   {},
	string(openai.AudioSpeechNewParamsVoiceAsh):     {},
	string(openai.AudioSpeechNewParamsVoiceBallad):  {},
	string(openai.AudioSpeechNewParamsVoiceCoral):   {},
	string(openai.AudioSpeechNewParamsVoiceEcho):    {},
	string(openai.AudioSpeechNewParamsVoiceFable):   {},
	string(openai.AudioSpeechNewParamsVoiceOnyx):    {},
	string(openai.AudioSpeechNewParamsVoiceNova):    {},
	string(openai.AudioSpeechNewParamsVoiceSage):    {},
	string(openai.AudioSpeechNewParamsVoiceShimmer): {},
	string(openai.AudioSpeechNewParamsVoiceVerse):   {},
}

var formatWhitelist = map[string]struct{}{
	string(openai.AudioSpeechNewParamsResponseFormatMP3):  {},
	string(openai.AudioSpeechNewParamsResponseFormatOpus): {},
	string(openai.AudioSpeechNewParamsResponseFormatAAC):  {},
	string(openai.AudioSpeechNewParamsResponseFormatFLAC): {},
	string(openai.AudioSpeechNewParamsResponseFormatWAV):  {},
	string(openai.AudioSpeechNewParamsResponseFormatPCM):  {},
}

// normalizeVoice 将配置的音色归一化，未知音色回退到 fallback。
func normalizeVoice(voice, fallback string) string {
	v := strings.ToLower(strings.TrimSpace(voice))
	if _, ok := voiceWhitelist[v]; ok {
		return v
	}
	if v != "" {
		log.Printf("[speech] unknown TTS voice %q, falling back to %s", voice, fallback)
	}
	return fallback
}

// normalizeFormat 同上，针对输出音频格式。
func normalizeFormat(format, fallback string) string {
	f := strings.ToLower(strings.TrimSpace(format))
	if _, ok := formatWhitelist[f]; ok {
		return f
	}
	if f != "" {
		log.Printf("[speech] unknown TTS format %q, falling back to %s", format, fallback)
	}
	return fallback
}
