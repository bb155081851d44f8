package ai

import (
	"context"
	"fmt"
	"log"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/schema"

	"github.com/zhouzirui/z-chat/backend/internal/config"
	"github.com/zhouzirui/z-chat/backend/internal/model/chat"
)

const defaultSystemPrompt = "You are a helpful assistant. Answer clearly and keep the conversation context in mind."

// Service encapsulates AI-powered completion on an eino chain.
type Service struct {
	chatModel    model.ChatModel
	cfg          config.AIConfig
	chain        compose.Runnable[map[string]any, *schema.Message]
	historyLimit int
}

// NewService creates a new AI service instance from configuration.
func NewService(ctx context.Context, cfg config.AIConfig) (*Service, error) {
	chatModel, err := cfg.NewChatModel(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create chat model: %w", err)
	}
	return NewServiceWithModel(ctx, chatModel, cfg)
}

// NewServiceWithModel builds the chain around an existing chat model.
func NewServiceWithModel(ctx context.Context, chatModel model.ChatModel, cfg config.AIConfig) (*Service, error) {
	promptTemplate := prompt.FromMessages(
		schema.FString,
		schema.SystemMessage("{system}"),
		schema.MessagesPlaceholder("history", true),
		schema.UserMessage("{query}"),
	)

	chain := compose.NewChain[map[string]any, *schema.Message]()
	chain.AppendChatTemplate(promptTemplate)
	chain.AppendChatModel(chatModel)

	runnable, err := chain.Compile(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to compile chat chain: %w", err)
	}

	historyLimit := cfg.HistoryLimit
	if historyLimit <= 0 {
		historyLimit = 10
	}

	return &Service{
		chatModel:    chatModel,
		cfg:          cfg,
		chain:        runnable,
		historyLimit: historyLimit,
	}, nil
}

// StreamCompletion streams the assistant reply for content given the prior turns.
// When streaming is disabled in configuration the full reply arrives as a single chunk.
func (s *Service) StreamCompletion(ctx context.Context, conversationID string, history []chat.Message, content string) (*schema.StreamReader[*schema.Message], error) {
	input := s.buildChainInput(history, content)

	if !s.cfg.StreamResponse {
		response, err := s.chain.Invoke(ctx, input)
		if err != nil {
			return nil, fmt.Errorf("failed to run AI chain: %w", err)
		}
		log.Printf("[ai] generated response for conversation=%s, length=%d", conversationID, len(response.Content))
		return schema.StreamReaderFromArray([]*schema.Message{response}), nil
	}

	stream, err := s.chain.Stream(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("failed to stream AI chain output: %w", err)
	}
	return stream, nil
}

func (s *Service) buildChainInput(messages []chat.Message, userMessage string) map[string]any {
	system := s.cfg.SystemPrompt
	if system == "" {
		system = defaultSystemPrompt
	}
	return map[string]any{
		"system":  system,
		"history": s.buildHistoryMessages(messages),
		"query":   userMessage,
	}
}

func (s *Service) buildHistoryMessages(messages []chat.Message) []*schema.Message {
	if len(messages) == 0 {
		return nil
	}

	startIdx := 0
	if len(messages) > s.historyLimit {
		startIdx = len(messages) - s.historyLimit
	}

	history := make([]*schema.Message, 0, len(messages)-startIdx)
	for _, msg := range messages[startIdx:] {
		switch msg.Role {
		case chat.RoleUser:
			history = append(history, schema.UserMessage(msg.Content))
		case chat.RoleAssistant:
			history = append(history, schema.AssistantMessage(msg.Content, nil))
		}
	}
	return history
}
