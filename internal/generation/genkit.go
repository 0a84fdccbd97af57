package generation

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"strings"

	"github.com/basket/streamdesk/internal/persistence"
	"github.com/basket/streamdesk/internal/prompts"
	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
	"github.com/firebase/genkit/go/plugins/anthropic"
	"github.com/firebase/genkit/go/plugins/compat_oai"
	"github.com/firebase/genkit/go/plugins/googlegenai"
)

const (
	defaultDeepSeekBaseURL = "https://api.deepseek.com/v1"

	defaultSystemPrompt = "You are a writing assistant. Follow the instruction in the user's message " +
		"and reply with the resulting text only, formatted as Markdown where it helps readability."
)

// ErrNoAPIKey is returned by NewGenkitSource when the provider has no key.
var ErrNoAPIKey = errors.New("provider API key not configured")

// GenkitConfig selects the provider and model. Provider is one of
// deepseek, openai, anthropic or google.
type GenkitConfig struct {
	Provider     string
	Model        string
	APIKey       string
	BaseURL      string
	SystemPrompt string
	// HistoryRuns is how many completed runs are replayed as prior turns.
	HistoryRuns int
}

// HistoryLoader returns a user's completed runs oldest first.
type HistoryLoader interface {
	ConversationHistory(ctx context.Context, userID string, limit int) ([]persistence.Run, error)
}

type GenkitSource struct {
	g       *genkit.Genkit
	cfg     GenkitConfig
	model   string
	history HistoryLoader
	logger  *slog.Logger
}

// NewSource returns a GenkitSource for cfg, or EchoSource when the provider
// is "echo" or has no API key.
func NewSource(ctx context.Context, cfg GenkitConfig, history HistoryLoader, logger *slog.Logger) Source {
	if logger == nil {
		logger = slog.Default()
	}
	if strings.EqualFold(cfg.Provider, "echo") {
		logger.Info("generation backend initialized", "provider", "echo")
		return EchoSource{}
	}
	src, err := NewGenkitSource(ctx, cfg, history, logger)
	if err != nil {
		logger.Warn("generation backend unavailable; using deterministic fallback", "provider", cfg.Provider, "error", err)
		return EchoSource{}
	}
	return src
}

func NewGenkitSource(ctx context.Context, cfg GenkitConfig, history HistoryLoader, logger *slog.Logger) (*GenkitSource, error) {
	if logger == nil {
		logger = slog.Default()
	}
	provider := strings.ToLower(strings.TrimSpace(cfg.Provider))
	if provider == "" {
		provider = "deepseek"
	}
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, fmt.Errorf("%s: %w", provider, ErrNoAPIKey)
	}

	var g *genkit.Genkit
	switch provider {
	case "deepseek":
		baseURL := cfg.BaseURL
		if baseURL == "" {
			baseURL = defaultDeepSeekBaseURL
		}
		g = genkit.Init(ctx, genkit.WithPlugins(&compat_oai.OpenAICompatible{
			Provider: "deepseek",
			APIKey:   apiKey,
			BaseURL:  baseURL,
		}))
	case "openai":
		g = genkit.Init(ctx, genkit.WithPlugins(&compat_oai.OpenAICompatible{
			Provider: "openai",
			APIKey:   apiKey,
			BaseURL:  cfg.BaseURL,
		}))
	case "anthropic":
		g = genkit.Init(ctx, genkit.WithPlugins(&anthropic.Anthropic{
			APIKey:  apiKey,
			BaseURL: cfg.BaseURL,
		}))
	case "google":
		g = genkit.Init(ctx, genkit.WithPlugins(&googlegenai.GoogleAI{APIKey: apiKey}))
	default:
		return nil, fmt.Errorf("unsupported provider %q", provider)
	}

	cfg.Provider = provider
	model := modelName(provider, cfg.Model)
	logger.Info("generation backend initialized", "provider", provider, "model", model)
	return &GenkitSource{g: g, cfg: cfg, model: model, history: history, logger: logger}, nil
}

// Model returns the fully qualified model name requests are sent to.
func (s *GenkitSource) Model() string { return s.model }

func (s *GenkitSource) Stream(ctx context.Context, req Request) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		msgs := s.messages(ctx, req)
		stream := genkit.GenerateStream(ctx, s.g,
			ai.WithModelName(s.model),
			ai.WithMessages(msgs...),
		)

		emitted := false
		for streamVal, err := range stream {
			if signalled(req) {
				return
			}
			if err != nil {
				yield("", fmt.Errorf("%s stream: %w", s.cfg.Provider, err))
				return
			}
			if streamVal.Chunk != nil {
				for _, part := range streamVal.Chunk.Content {
					if part.Kind != ai.PartText || part.Text == "" {
						continue
					}
					emitted = true
					if !yield(part.Text, nil) {
						return
					}
				}
			}
			// Some providers only return the text on the final response.
			if streamVal.Done && !emitted && streamVal.Response != nil {
				if text := streamVal.Response.Text(); text != "" {
					if !yield(text, nil) {
						return
					}
				}
			}
		}
	}
}

func (s *GenkitSource) messages(ctx context.Context, req Request) []*ai.Message {
	system := strings.TrimSpace(s.cfg.SystemPrompt)
	if system == "" {
		system = defaultSystemPrompt
	}
	msgs := []*ai.Message{ai.NewSystemTextMessage(system)}

	if s.history != nil && s.cfg.HistoryRuns > 0 {
		runs, err := s.history.ConversationHistory(ctx, req.UserID, s.cfg.HistoryRuns)
		if err != nil {
			s.logger.WarnContext(ctx, "load conversation history failed", "user_id", req.UserID, "request_id", req.RequestID, "error", err)
		}
		msgs = append(msgs, historyToMessages(runs)...)
	}
	return append(msgs, ai.NewUserTextMessage(prompts.Render(req.PromptTemplate, req.Text)))
}

// historyToMessages turns each stored run into a user/model turn pair.
func historyToMessages(runs []persistence.Run) []*ai.Message {
	var msgs []*ai.Message
	for _, r := range runs {
		if strings.TrimSpace(r.Input) == "" || strings.TrimSpace(r.Output) == "" {
			continue
		}
		msgs = append(msgs,
			ai.NewUserTextMessage(r.Input),
			ai.NewModelTextMessage(r.Output),
		)
	}
	return msgs
}

func modelName(provider, model string) string {
	model = strings.TrimSpace(model)
	if model == "" {
		model = defaultModel(provider)
	}
	switch provider {
	case "anthropic":
		return "anthropic/" + model
	case "openai":
		return "openai/" + model
	case "google":
		return "googleai/" + model
	default:
		return "deepseek/" + model
	}
}

func defaultModel(provider string) string {
	switch provider {
	case "openai":
		return "gpt-4o-mini"
	case "anthropic":
		return "claude-haiku-4-5"
	case "google":
		return "gemini-2.5-flash"
	default:
		return "deepseek-chat"
	}
}
