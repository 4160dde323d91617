// Package llm streams assistant replies from a chat model through eino.
package llm

import (
	"context"
	"io"
	"strings"

	"github.com/cloudwego/eino-ext/components/model/ark"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/chatsession/pkg/messages"
	"github.com/go-go-golems/chatsession/pkg/transport"
)

// Config holds the Ark model settings. Either APIKey or the AccessKey and
// SecretKey pair must be set along with Model.
type Config struct {
	BaseURL      string   `yaml:"base_url"`
	Region       string   `yaml:"region"`
	APIKey       string   `yaml:"api_key"`
	AccessKey    string   `yaml:"access_key"`
	SecretKey    string   `yaml:"secret_key"`
	Model        string   `yaml:"model"`
	MaxTokens    *int     `yaml:"max_tokens"`
	Temperature  *float32 `yaml:"temperature"`
	TopP         *float32 `yaml:"top_p"`
	SystemPrompt string   `yaml:"system_prompt"`
}

func (c Config) Enabled() bool {
	if strings.TrimSpace(c.Model) == "" {
		return false
	}
	return c.APIKey != "" || (c.AccessKey != "" && c.SecretKey != "")
}

type Transport struct {
	model        model.BaseChatModel
	systemPrompt string
}

var _ transport.Transport = (*Transport)(nil)

type Option func(*Transport)

func WithSystemPrompt(prompt string) Option {
	return func(t *Transport) { t.systemPrompt = prompt }
}

func New(m model.BaseChatModel, opts ...Option) *Transport {
	t := &Transport{model: m}
	for _, opt := range opts {
		if opt != nil {
			opt(t)
		}
	}
	return t
}

// NewArk builds a Transport over a Volcengine Ark chat model.
func NewArk(ctx context.Context, cfg Config) (*Transport, error) {
	if !cfg.Enabled() {
		return nil, errors.New("ark: model and credentials are required")
	}
	m, err := ark.NewChatModel(ctx, &ark.ChatModelConfig{
		BaseURL:     cfg.BaseURL,
		Region:      cfg.Region,
		APIKey:      cfg.APIKey,
		AccessKey:   cfg.AccessKey,
		SecretKey:   cfg.SecretKey,
		Model:       cfg.Model,
		MaxTokens:   cfg.MaxTokens,
		Temperature: cfg.Temperature,
		TopP:        cfg.TopP,
	})
	if err != nil {
		return nil, errors.Wrap(err, "create ark chat model")
	}
	return New(m, WithSystemPrompt(cfg.SystemPrompt)), nil
}

// Input converts a request to the model's message list: the optional system
// prompt, the history, then the prompt.
func (t *Transport) Input(req transport.Request) []*schema.Message {
	out := make([]*schema.Message, 0, len(req.History)+2)
	if strings.TrimSpace(t.systemPrompt) != "" {
		out = append(out, schema.SystemMessage(t.systemPrompt))
	}
	for _, m := range req.History {
		switch m.Role {
		case messages.RoleUser:
			out = append(out, schema.UserMessage(m.Content))
		case messages.RoleAssistant:
			out = append(out, schema.AssistantMessage(m.Content, nil))
		}
	}
	return append(out, schema.UserMessage(req.Prompt))
}

func (t *Transport) Open(ctx context.Context, req transport.Request) (transport.Stream, error) {
	if t == nil || t.model == nil {
		return nil, errors.New("llm transport has no model")
	}
	streamCtx, cancel := context.WithCancel(ctx)
	sr, err := t.model.Stream(streamCtx, t.Input(req))
	if err != nil {
		cancel()
		return nil, errors.Wrap(err, "open model stream")
	}

	return transport.Produce(streamCtx, 0, func(ctx context.Context, s *transport.ChannelStream) {
		// Recv does not observe ctx; cancelling the model context unblocks it.
		stop := context.AfterFunc(ctx, cancel)
		defer stop()
		defer cancel()
		defer sr.Close()

		var seq uint64
		for {
			chunk, err := sr.Recv()
			if errors.Is(err, io.EOF) {
				_ = s.Send(ctx, transport.Done())
				return
			}
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				log.Debug().Err(err).Str("component", "llm").Str("turn_id", req.TurnID).Msg("model stream failed")
				_ = s.Send(ctx, transport.Failure(err.Error()))
				return
			}
			if chunk == nil || chunk.Content == "" {
				continue
			}
			seq++
			if err := s.Send(ctx, transport.Chunk(chunk.Content, seq)); err != nil {
				return
			}
		}
	}), nil
}
