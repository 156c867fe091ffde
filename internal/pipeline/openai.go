package pipeline

import (
	"context"
	"fmt"

	openai "github.com/sashabaranov/go-openai"
	"github.com/rs/zerolog"

	"github.com/lexiqai/ari-agent/internal/observability"
)

// OpenAILLM generates conversational replies with the OpenAI chat API.
type OpenAILLM struct {
	Base

	client *openai.Client
	apiKey string
	model  string
	logger zerolog.Logger
}

// NewOpenAILLM creates the OpenAI adapter. An empty model selects gpt-4o-mini.
func NewOpenAILLM(apiKey, model string) *OpenAILLM {
	if model == "" {
		model = openai.GPT4oMini
	}
	return &OpenAILLM{
		Base:   NewBase("openai_llm"),
		client: openai.NewClient(apiKey),
		apiKey: apiKey,
		model:  model,
		logger: observability.GetLogger().With().Str("component", "openai_llm").Logger(),
	}
}

// ValidateConnectivity probes the OpenAI API, defaulting to the public
// endpoint and the adapter's configured key.
func (o *OpenAILLM) ValidateConnectivity(ctx context.Context, opts Options) Health {
	defaults := Options{"base_url": "https://api.openai.com", "api_key": o.apiKey}
	return o.Base.ValidateConnectivity(ctx, mergeOptions(defaults, opts))
}

// Generate produces a reply for the caller's transcript. The conversation
// context may carry a "system_prompt" string and a "history" slice of
// alternating user/assistant turns.
func (o *OpenAILLM) Generate(ctx context.Context, callID, transcript string, convContext map[string]any, opts Options) (string, error) {
	messages := buildMessages(transcript, convContext)

	resp, err := o.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:    o.model,
		Messages: messages,
	})
	if err != nil {
		return "", fmt.Errorf("openai completion failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("openai returned no choices")
	}

	reply := resp.Choices[0].Message.Content
	o.logger.Debug().Str("call_id", callID).Int("reply_len", len(reply)).Msg("Generated reply")
	return reply, nil
}

func buildMessages(transcript string, convContext map[string]any) []openai.ChatCompletionMessage {
	var messages []openai.ChatCompletionMessage

	if convContext != nil {
		if prompt, ok := convContext["system_prompt"].(string); ok && prompt != "" {
			messages = append(messages, openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleSystem,
				Content: prompt,
			})
		}
		if history, ok := convContext["history"].([]string); ok {
			for i, turn := range history {
				role := openai.ChatMessageRoleUser
				if i%2 == 1 {
					role = openai.ChatMessageRoleAssistant
				}
				messages = append(messages, openai.ChatCompletionMessage{Role: role, Content: turn})
			}
		}
	}

	return append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: transcript,
	})
}
