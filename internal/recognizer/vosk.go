package recognizer

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/amanullahtanweer/speechcapture/internal/capture"
	json "github.com/goccy/go-json"
)

// VoskConfig points at vosk-server websocket endpoints. A vosk server loads a
// single model, so other languages need a server of their own in Models.
type VoskConfig struct {
	ServerURL string `yaml:"server_url"`
	// Language is the language of the model behind ServerURL. Empty accepts
	// any language.
	Language string            `yaml:"language"`
	Models   map[string]string `yaml:"models"`
}

// serverFor picks the server that recognizes lang, trying the full tag
// before its base language.
func (c VoskConfig) serverFor(lang string) (string, error) {
	lang = strings.ToLower(strings.TrimSpace(lang))
	if lang == "" {
		return c.ServerURL, nil
	}
	base := baseLanguage(lang)
	for key, url := range c.Models {
		if strings.EqualFold(key, lang) {
			return url, nil
		}
	}
	for key, url := range c.Models {
		if strings.EqualFold(key, base) {
			return url, nil
		}
	}
	if c.Language == "" || strings.EqualFold(baseLanguage(c.Language), base) {
		return c.ServerURL, nil
	}
	return "", fmt.Errorf("no vosk model for language %q", lang)
}

// baseLanguage strips the region from a language tag: "de-DE" is "de".
func baseLanguage(tag string) string {
	tag = strings.ToLower(strings.TrimSpace(tag))
	if i := strings.IndexAny(tag, "-_"); i > 0 {
		return tag[:i]
	}
	return tag
}

type voskProtocol struct {
	serverURL string
}

type voskResult struct {
	Text   string `json:"text"`
	Result []struct {
		Word  string  `json:"word"`
		Start float64 `json:"start"`
		End   float64 `json:"end"`
		Conf  float64 `json:"conf"`
	} `json:"result"`
	Partial string `json:"partial"`
}

func (p *voskProtocol) endpoint(cfg capture.EngineConfig) (string, http.Header) {
	url := fmt.Sprintf("%s/ws?sample_rate=%d", strings.TrimRight(p.serverURL, "/"), cfg.SampleRate)
	return url, nil
}

func (p *voskProtocol) frames(pcm []byte) [][]byte {
	frame := make([]byte, len(pcm))
	copy(frame, pcm)
	return [][]byte{frame}
}

func (p *voskProtocol) flush() [][]byte { return nil }

func (p *voskProtocol) finish() []byte { return []byte(`{"eof" : 1}`) }

func (p *voskProtocol) decode(message []byte) ([]capture.Event, bool, error) {
	var result voskResult
	if err := json.Unmarshal(message, &result); err != nil {
		return nil, false, fmt.Errorf("parse vosk result: %w", err)
	}

	switch {
	case result.Text != "":
		return []capture.Event{capture.Results(capture.Result{
			Text:       result.Text,
			Final:      true,
			Confidence: averageConfidence(result),
		})}, false, nil
	case result.Partial != "":
		return []capture.Event{capture.Results(capture.Result{Text: result.Partial})}, false, nil
	}
	return nil, false, nil
}

func averageConfidence(r voskResult) float64 {
	if len(r.Result) == 0 {
		return 0
	}
	var sum float64
	for _, w := range r.Result {
		sum += w.Conf
	}
	return sum / float64(len(r.Result))
}
