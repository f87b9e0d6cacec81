package ai

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
	"time"

	"github.com/cloudwego/eino-ext/components/model/claude"
	"github.com/cloudwego/eino-ext/components/model/gemini"
	"github.com/cloudwego/eino-ext/components/model/openai"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/rs/zerolog"
	"google.golang.org/genai"

	"igniteme/internal/config"
	"igniteme/internal/logger"
	"igniteme/internal/metrics"
	"igniteme/internal/models"
)

// ErrTransient marks a chat call that failed for a network reason and may
// succeed when resubmitted.
var ErrTransient = errors.New("ai service unavailable")

const defaultTimeout = 60 * time.Second

// Service sends dialogue turns to the configured chat model.
type Service struct {
	model       model.BaseChatModel
	provider    string
	temperature *float32
	timeout     time.Duration
	retries     int
	log         zerolog.Logger
}

// Options tune a Service built around an existing chat model.
type Options struct {
	Provider    string
	Temperature *float32
	Timeout     time.Duration
	Retries     int
}

// New wraps an already constructed chat model.
func New(chatModel model.BaseChatModel, opts Options) *Service {
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.Retries < 0 {
		opts.Retries = 0
	}
	if opts.Provider == "" {
		opts.Provider = "custom"
	}
	return &Service{
		model:       chatModel,
		provider:    opts.Provider,
		temperature: opts.Temperature,
		timeout:     opts.Timeout,
		retries:     opts.Retries,
		log:         logger.Component("ai"),
	}
}

// NewService builds the chat model selected by cfg.Chat.
func NewService(ctx context.Context, cfg *config.Config) (*Service, error) {
	if cfg == nil {
		return nil, errors.New("config required")
	}
	provider := cfg.Chat.Provider
	provCfg, ok := cfg.Providers[provider]
	if !ok {
		return nil, fmt.Errorf("provider %s not configured", provider)
	}
	modelName := cfg.Chat.Model
	if modelName == "" {
		modelName = provCfg.Model
	}
	chatModel, err := newChatModel(ctx, provider, modelName, provCfg)
	if err != nil {
		return nil, err
	}
	return New(chatModel, Options{
		Provider:    provider,
		Temperature: cfg.Chat.Temperature,
		Timeout:     time.Duration(cfg.Chat.TimeoutSeconds) * time.Second,
		Retries:     cfg.Chat.MaxRetries,
	}), nil
}

func newChatModel(ctx context.Context, provider, modelName string, provCfg config.ProviderConfig) (model.BaseChatModel, error) {
	var (
		chatModel model.BaseChatModel
		err       error
	)
	switch provider {
	case "openai":
		chatModel, err = openai.NewChatModel(ctx, &openai.ChatModelConfig{
			BaseURL: provCfg.BaseURL,
			Model:   modelName,
			APIKey:  provCfg.APIKey,
		})
	case "gemini":
		client, cerr := genai.NewClient(ctx, &genai.ClientConfig{
			APIKey: provCfg.APIKey,
		})
		if cerr != nil {
			return nil, fmt.Errorf("create gemini client: %w", cerr)
		}
		chatModel, err = gemini.NewChatModel(ctx, &gemini.Config{
			Client: client,
			Model:  modelName,
		})
	case "claude":
		var baseURLPtr *string
		if provCfg.BaseURL != "" {
			baseURLPtr = &provCfg.BaseURL
		}
		chatModel, err = claude.NewChatModel(ctx, &claude.Config{
			APIKey:    provCfg.APIKey,
			Model:     modelName,
			BaseURL:   baseURLPtr,
			MaxTokens: 3000,
		})
	default:
		return nil, fmt.Errorf("invalid provider: %s", provider)
	}
	if err != nil {
		return nil, fmt.Errorf("init %s chat model: %w", provider, err)
	}
	return chatModel, nil
}

// Chat sends prompt as a user message after the transcript and returns the
// assistant text. Each attempt is bounded by the configured timeout; only
// transient network failures are retried.
func (s *Service) Chat(ctx context.Context, transcript []models.Turn, prompt string) (string, error) {
	msgs := convertTurns(transcript)
	msgs = append(msgs, schema.UserMessage(prompt))

	var opts []model.Option
	if s.temperature != nil {
		opts = append(opts, model.WithTemperature(*s.temperature))
	}

	var lastErr error
	for attempt := 0; attempt <= s.retries; attempt++ {
		if ctx.Err() != nil {
			break
		}
		start := time.Now()
		text, err := s.generate(ctx, msgs, opts)
		metrics.AICallDuration.WithLabelValues(s.provider).Observe(time.Since(start).Seconds())
		if err == nil {
			metrics.AICalls.WithLabelValues(s.provider, "ok").Inc()
			return text, nil
		}
		lastErr = err
		if !isTransient(ctx, err) {
			metrics.AICalls.WithLabelValues(s.provider, "error").Inc()
			return "", fmt.Errorf("chat %s: %w", s.provider, err)
		}
		metrics.AICalls.WithLabelValues(s.provider, "transient").Inc()
		s.log.Warn().Err(err).Int("attempt", attempt+1).Str("provider", s.provider).Msg("transient chat failure")
	}
	if lastErr == nil {
		lastErr = ctx.Err()
	}
	return "", fmt.Errorf("%w: %v", ErrTransient, lastErr)
}

func (s *Service) generate(ctx context.Context, msgs []*schema.Message, opts []model.Option) (string, error) {
	callCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	resp, err := s.model.Generate(callCtx, msgs, opts...)
	if err != nil {
		return "", err
	}
	if resp == nil {
		return "", errors.New("empty response")
	}
	return resp.Content, nil
}

// isTransient reports failures worth one more attempt. A cancelled parent
// context is final.
func isTransient(parent context.Context, err error) bool {
	if parent.Err() != nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

func convertTurns(turns []models.Turn) []*schema.Message {
	messages := make([]*schema.Message, 0, len(turns)+1)
	for _, turn := range turns {
		var role schema.RoleType
		switch turn.Role {
		case models.RoleUser:
			role = schema.User
		case models.RoleAssistant:
			role = schema.Assistant
		case models.RoleSystem:
			role = schema.System
		default:
			role = schema.User
		}
		messages = append(messages, &schema.Message{
			Role:    role,
			Content: turn.Content,
		})
	}
	return messages
}
