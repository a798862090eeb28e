package recognizer

import (
	"encoding/binary"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/amanullahtanweer/speechcapture/internal/capture"
	json "github.com/goccy/go-json"
)

const (
	AssemblyAIWebSocketURL = "wss://streaming.assemblyai.com/v3/ws"

	assemblyAISampleRate = 16000
	// AssemblyAI accepts chunks between 50ms and 1000ms of 16kHz 16-bit audio.
	minChunkSize = 1600
	maxChunkSize = 30400
)

// AssemblyAIConfig holds the streaming credentials.
type AssemblyAIConfig struct {
	APIKey string `yaml:"api_key"`
	URL    string `yaml:"url"`
}

// AssemblyAI message types
type assemblyAIMessage struct {
	Type               string  `json:"type"`
	ID                 string  `json:"id,omitempty"`
	ExpiresAt          int64   `json:"expires_at,omitempty"`
	Transcript         string  `json:"transcript,omitempty"`
	EndOfTurn          bool    `json:"end_of_turn,omitempty"`
	TurnIsFormatted    bool    `json:"turn_is_formatted,omitempty"`
	AudioDurationSec   float64 `json:"audio_duration_seconds,omitempty"`
	SessionDurationSec float64 `json:"session_duration_seconds,omitempty"`
	Error              string  `json:"error,omitempty"`
}

type assemblyAIProtocol struct {
	cfg        AssemblyAIConfig
	sampleRate int
	buffer     []byte
}

func (p *assemblyAIProtocol) endpoint(cfg capture.EngineConfig) (string, http.Header) {
	base := p.cfg.URL
	if base == "" {
		base = AssemblyAIWebSocketURL
	}
	header := http.Header{}
	header.Add("Authorization", p.cfg.APIKey)

	query := url.Values{}
	query.Set("sample_rate", strconv.Itoa(assemblyAISampleRate))
	query.Set("format_turns", "true")
	if lang := baseLanguage(cfg.Language); lang != "" {
		query.Set("language", lang)
	}
	return base + "?" + query.Encode(), header
}

// frames buffers audio until at least 50ms is available and cuts it into
// chunks the service accepts.
func (p *assemblyAIProtocol) frames(pcm []byte) [][]byte {
	if p.sampleRate == 8000 {
		pcm = resample8to16(pcm)
	}
	p.buffer = append(p.buffer, pcm...)

	var out [][]byte
	for len(p.buffer) >= minChunkSize {
		n := len(p.buffer)
		if n > maxChunkSize {
			n = maxChunkSize
		}
		chunk := make([]byte, n)
		copy(chunk, p.buffer[:n])
		p.buffer = p.buffer[n:]
		out = append(out, chunk)
	}
	return out
}

func (p *assemblyAIProtocol) flush() [][]byte {
	if len(p.buffer) == 0 {
		return nil
	}
	tail := p.buffer
	p.buffer = nil
	return [][]byte{tail}
}

func (p *assemblyAIProtocol) finish() []byte {
	msg, _ := json.Marshal(assemblyAIMessage{Type: "Terminate"})
	return msg
}

func (p *assemblyAIProtocol) decode(message []byte) ([]capture.Event, bool, error) {
	var msg assemblyAIMessage
	if err := json.Unmarshal(message, &msg); err != nil {
		return nil, false, fmt.Errorf("parse assemblyai message: %w", err)
	}

	switch msg.Type {
	case "Turn":
		if msg.Transcript == "" {
			return nil, false, nil
		}
		// Unformatted turns are revised as the speaker continues; the
		// formatted turn is the finished utterance.
		return []capture.Event{capture.Results(capture.Result{
			Text:  msg.Transcript,
			Final: msg.TurnIsFormatted,
		})}, false, nil
	case "Termination":
		return nil, true, nil
	case "Error":
		return []capture.Event{capture.Failed(capture.ErrorNetwork, fmt.Errorf("assemblyai: %s", msg.Error))}, true, nil
	}
	return nil, false, nil
}

// resample8to16 upsamples 8kHz PCM16 to 16kHz by linear interpolation.
func resample8to16(input []byte) []byte {
	samples := make([]int16, len(input)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(input[i*2 : i*2+2]))
	}

	upsampled := make([]int16, len(samples)*2)
	for i := 0; i < len(samples)-1; i++ {
		upsampled[i*2] = samples[i]
		upsampled[i*2+1] = int16((int32(samples[i]) + int32(samples[i+1])) / 2)
	}
	if len(samples) > 0 {
		upsampled[len(upsampled)-2] = samples[len(samples)-1]
		upsampled[len(upsampled)-1] = samples[len(samples)-1]
	}

	output := make([]byte, len(upsampled)*2)
	for i, sample := range upsampled {
		binary.LittleEndian.PutUint16(output[i*2:i*2+2], uint16(sample))
	}
	return output
}
