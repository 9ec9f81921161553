package deepgram

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	msginterfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/websocket/interfaces"

	"github.com/harunnryd/dengar/pkg/adapters/stt"
)

const DefaultEndpoint = "wss://api.deepgram.com/v1/listen"

// Message types on the live listen socket.
const (
	TypeResults       = "Results"
	TypeMetadata      = "Metadata"
	TypeSpeechStarted = "SpeechStarted"
	TypeUtteranceEnd  = "UtteranceEnd"
	TypeError         = "Error"
	TypeKeepAlive     = "KeepAlive"
	TypeCloseStream   = "CloseStream"
)

var (
	keepAliveMsg   = []byte(`{"type":"KeepAlive"}`)
	closeStreamMsg = []byte(`{"type":"CloseStream"}`)
)

// Options are provider-specific query parameters taken from the provider
// settings map.
type Options struct {
	EndpointingMS int      `mapstructure:"endpointing_ms"`
	Keywords      []string `mapstructure:"keywords"`
	Diarize       bool     `mapstructure:"diarize"`
	VADEvents     bool     `mapstructure:"vad_events"`
	Tag           string   `mapstructure:"tag"`
}

// SettingsKeys lists the accepted provider settings.
var SettingsKeys = []string{"endpointing_ms", "keywords", "diarize", "vad_events", "tag"}

// Protocol speaks Deepgram's live transcription websocket format.
type Protocol struct {
	opts Options
}

func New() *Protocol { return &Protocol{} }

func NewWithOptions(opts Options) *Protocol { return &Protocol{opts: opts} }

func (p *Protocol) Name() string { return "deepgram" }

func (p *Protocol) Handshake(endpoint, apiKey string, cfg stt.SessionConfig) (string, http.Header, error) {
	if strings.TrimSpace(endpoint) == "" {
		endpoint = DefaultEndpoint
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", nil, fmt.Errorf("parse endpoint: %w", err)
	}
	switch u.Scheme {
	case "ws", "wss":
	default:
		return "", nil, fmt.Errorf("endpoint must be ws:// or wss://, got %q", endpoint)
	}

	cfg = cfg.WithDefaults()
	q := u.Query()
	if cfg.Model != "" {
		q.Set("model", cfg.Model)
	}
	if cfg.Language != "" {
		q.Set("language", cfg.Language)
	}
	q.Set("encoding", cfg.Encoding)
	q.Set("sample_rate", strconv.Itoa(cfg.SampleRate))
	q.Set("channels", strconv.Itoa(cfg.Channels))
	q.Set("interim_results", strconv.FormatBool(cfg.InterimResults))
	if cfg.SmartFormat {
		q.Set("smart_format", "true")
	}
	if cfg.Punctuate {
		q.Set("punctuate", "true")
	}
	if cfg.Channels > 1 {
		q.Set("multichannel", "true")
	}
	if cfg.UtteranceEndMS > 0 {
		q.Set("utterance_end_ms", strconv.Itoa(cfg.UtteranceEndMS))
	}
	if p.opts.EndpointingMS > 0 {
		q.Set("endpointing", strconv.Itoa(p.opts.EndpointingMS))
	}
	for _, kw := range p.opts.Keywords {
		if kw = strings.TrimSpace(kw); kw != "" {
			q.Add("keywords", kw)
		}
	}
	if p.opts.Diarize {
		q.Set("diarize", "true")
	}
	if p.opts.VADEvents {
		q.Set("vad_events", "true")
	}
	if p.opts.Tag != "" {
		q.Set("tag", p.opts.Tag)
	}
	u.RawQuery = q.Encode()

	header := http.Header{}
	if apiKey != "" {
		header.Set("Authorization", "Token "+apiKey)
	}
	return u.String(), header, nil
}

func (p *Protocol) KeepAlive() []byte { return keepAliveMsg }

// Finalize asks the server to flush pending results and close the socket.
func (p *Protocol) Finalize() []byte { return closeStreamMsg }

// envelope carries the fields needed to classify a message and to tell an
// absent field from an empty one.
// Channel stays raw because UtteranceEnd sends it as an index array.
type envelope struct {
	Type         string          `json:"type"`
	ChannelIndex []int           `json:"channel_index"`
	Channel      json.RawMessage `json:"channel"`
}

type channelEnvelope struct {
	Alternatives json.RawMessage `json:"alternatives"`
}

func (p *Protocol) Decode(raw []byte) (stt.Message, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return stt.Message{}, fmt.Errorf("%w: %v", stt.ErrMalformed, err)
	}

	switch env.Type {
	case TypeResults:
		return decodeResults(raw, env)
	case TypeMetadata:
		var md msginterfaces.MetadataResponse
		if err := json.Unmarshal(raw, &md); err != nil {
			return stt.Message{}, fmt.Errorf("%w: metadata: %v", stt.ErrMalformed, err)
		}
		return stt.Message{Kind: stt.MessageMetadata, Type: env.Type, RequestID: md.RequestID}, nil
	case TypeSpeechStarted:
		return stt.Message{Kind: stt.MessageSpeechStarted, Type: env.Type, Channel: firstIndex(env.ChannelIndex)}, nil
	case TypeUtteranceEnd:
		return stt.Message{Kind: stt.MessageUtteranceEnd, Type: env.Type, Channel: firstIndex(env.ChannelIndex)}, nil
	case TypeError:
		var er msginterfaces.ErrorResponse
		if err := json.Unmarshal(raw, &er); err != nil {
			return stt.Message{}, fmt.Errorf("%w: error message: %v", stt.ErrMalformed, err)
		}
		return stt.Message{Kind: stt.MessageError, Type: env.Type, ErrorCode: er.ErrCode, ErrorMessage: er.ErrMsg}, nil
	case "":
		return stt.Message{}, fmt.Errorf("%w: missing type", stt.ErrMalformed)
	default:
		return stt.Message{Kind: stt.MessageUnknown, Type: env.Type}, nil
	}
}

func decodeResults(raw []byte, env envelope) (stt.Message, error) {
	if len(env.Channel) == 0 || string(env.Channel) == "null" {
		return stt.Message{}, fmt.Errorf("%w: missing channel", stt.ErrMalformed)
	}
	var ch channelEnvelope
	if err := json.Unmarshal(env.Channel, &ch); err != nil {
		return stt.Message{}, fmt.Errorf("%w: channel: %v", stt.ErrMalformed, err)
	}
	if len(ch.Alternatives) == 0 || string(ch.Alternatives) == "null" {
		return stt.Message{}, fmt.Errorf("%w: missing alternatives", stt.ErrMalformed)
	}

	var mr msginterfaces.MessageResponse
	if err := json.Unmarshal(raw, &mr); err != nil {
		return stt.Message{}, fmt.Errorf("%w: results: %v", stt.ErrMalformed, err)
	}
	alts := make([]stt.Alternative, 0, len(mr.Channel.Alternatives))
	for _, alt := range mr.Channel.Alternatives {
		alts = append(alts, stt.Alternative{Transcript: alt.Transcript, Confidence: alt.Confidence})
	}
	return stt.Message{
		Kind:         stt.MessageResult,
		Type:         env.Type,
		Channel:      firstIndex(env.ChannelIndex),
		Alternatives: alts,
		IsFinal:      mr.IsFinal,
		SpeechFinal:  mr.SpeechFinal,
	}, nil
}

func firstIndex(idx []int) int {
	if len(idx) == 0 {
		return 0
	}
	return idx[0]
}

var _ stt.Protocol = (*Protocol)(nil)
