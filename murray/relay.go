package murray

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

var (
	thinkBlockRegexp  = regexp.MustCompile(`(?s)<think>(.*?)</think>`)
	orphanThinkRegexp = regexp.MustCompile(`</?think>`)
	excessBlankRegexp = regexp.MustCompile(`\n{3,}`)
)

// RelayMessage is one prior channel message included as conversation
// history for a relayed query.
type RelayMessage struct {
	// FromBot is true when the message was sent by the bot itself
	FromBot bool

	Content string
}

// Responder answers a relayed channel message. Implementations are
// expected to be safe for concurrent use.
type Responder interface {
	// Respond returns the backend's answer to query, given recent
	// channel history (oldest first, possibly empty).
	Respond(ctx context.Context, query string, history []RelayMessage) (string, error)
}

// WorkspaceResponder answers queries via AnythingLLM workspace chat,
// grounded in the synced document embeddings. The workspace keeps its
// own conversation thread, so channel history is not forwarded.
type WorkspaceResponder struct {
	workspace *Workspace
	logger    *slog.Logger
}

// NewWorkspaceResponder returns a WorkspaceResponder backed by the
// given workspace client.
func NewWorkspaceResponder(workspace *Workspace, logger *slog.Logger) *WorkspaceResponder {
	if logger == nil {
		logger = slog.Default()
	}
	return &WorkspaceResponder{
		workspace: workspace,
		logger:    logger.With(loggerNameKey, "relay"),
	}
}

func (w *WorkspaceResponder) Respond(
	ctx context.Context,
	query string,
	_ []RelayMessage,
) (string, error) {
	answer, err := w.workspace.Chat(ctx, query)
	if err != nil {
		return "", fmt.Errorf("workspace chat: %w", err)
	}
	return answer, nil
}

// OpenAIResponder answers queries via an OpenAI-compatible chat
// completions API. The default configuration targets Perplexity.
type OpenAIResponder struct {
	client *openai.Client
	config *RelayConfig
	logger *slog.Logger
}

// NewOpenAIResponder creates an OpenAIResponder from the relay config.
func NewOpenAIResponder(config *RelayConfig, logger *slog.Logger) *OpenAIResponder {
	if logger == nil {
		logger = slog.Default()
	}
	clientConfig := openai.DefaultConfig(config.Token)
	if config.BaseURL != "" {
		clientConfig.BaseURL = config.BaseURL
	}
	return &OpenAIResponder{
		client: openai.NewClientWithConfig(clientConfig),
		config: config,
		logger: logger.With(loggerNameKey, "relay"),
	}
}

func (o *OpenAIResponder) Respond(
	ctx context.Context,
	query string,
	history []RelayMessage,
) (string, error) {
	messages := make(
		[]openai.ChatCompletionMessage,
		0,
		len(history)+2,
	)
	messages = append(
		messages,
		openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: o.config.SystemPrompt,
		},
	)
	messages = append(messages, shapeHistory(history)...)
	messages = append(
		messages,
		openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleUser,
			Content: query,
		},
	)

	resp, err := o.client.CreateChatCompletion(
		ctx,
		openai.ChatCompletionRequest{
			Model:    o.config.Model,
			Messages: messages,
		},
	)
	if err != nil {
		return "", fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("chat completion: no choices returned")
	}
	o.logger.DebugContext(
		ctx,
		"chat completion finished",
		"model", resp.Model,
		"prompt_tokens", resp.Usage.PromptTokens,
		"completion_tokens", resp.Usage.CompletionTokens,
	)
	return resp.Choices[0].Message.Content, nil
}

// shapeHistory converts channel history into chat messages satisfying
// the strict user/assistant alternation some providers enforce.
// Consecutive messages with the same role are merged, and a leading
// assistant message is dropped so the sequence always starts with a
// user turn.
func shapeHistory(history []RelayMessage) []openai.ChatCompletionMessage {
	var shaped []openai.ChatCompletionMessage
	for _, msg := range history {
		content := strings.TrimSpace(msg.Content)
		if content == "" {
			continue
		}
		role := openai.ChatMessageRoleUser
		if msg.FromBot {
			role = openai.ChatMessageRoleAssistant
		}
		if len(shaped) == 0 && role == openai.ChatMessageRoleAssistant {
			continue
		}
		if n := len(shaped); n > 0 && shaped[n-1].Role == role {
			shaped[n-1].Content += "\n" + content
			continue
		}
		shaped = append(
			shaped,
			openai.ChatCompletionMessage{Role: role, Content: content},
		)
	}
	// a trailing assistant turn is fine, since the current query
	// follows as the next user message
	return shaped
}

// splitThinking separates a model response into its reasoning block and
// the answer. Reasoning models wrap chain-of-thought in <think> tags;
// both parts come back cleaned, and thinking is empty when the response
// has no such block.
func splitThinking(response string) (thinking string, answer string) {
	matches := thinkBlockRegexp.FindStringSubmatch(response)
	if len(matches) == 2 {
		thinking = strings.TrimSpace(matches[1])
	}
	answer = cleanResponse(response)
	return thinking, answer
}

// cleanResponse strips <think> blocks (including unpaired tags from
// truncated responses) and collapses the leftover blank lines.
func cleanResponse(response string) string {
	cleaned := thinkBlockRegexp.ReplaceAllString(response, "")
	cleaned = orphanThinkRegexp.ReplaceAllString(cleaned, "")
	cleaned = excessBlankRegexp.ReplaceAllString(cleaned, "\n\n")
	return strings.TrimSpace(cleaned)
}
