package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net/http"

	openai "github.com/sashabaranov/go-openai"
)

// ChatClient captures the subset of the go-openai client used by the adapter.
type ChatClient interface {
	CreateChatCompletion(ctx context.Context, request openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
	CreateChatCompletionStream(ctx context.Context, request openai.ChatCompletionRequest) (*openai.ChatCompletionStream, error)
}

// OpenAIOptions configures the OpenAI-compatible adapter.
type OpenAIOptions struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// OpenAI implements Provider via the Chat Completions API of any
// OpenAI-compatible gateway.
type OpenAI struct {
	chat   ChatClient
	logger *slog.Logger
}

// NewOpenAI builds a provider talking to the configured gateway.
func NewOpenAI(opts OpenAIOptions) (*OpenAI, error) {
	if opts.APIKey == "" {
		return nil, errors.New("api key is required")
	}
	cfg := openai.DefaultConfig(opts.APIKey)
	if opts.BaseURL != "" {
		cfg.BaseURL = opts.BaseURL
	}
	if opts.HTTPClient != nil {
		cfg.HTTPClient = opts.HTTPClient
	}
	return NewOpenAIWithClient(openai.NewClientWithConfig(cfg), opts.Logger), nil
}

// NewOpenAIWithClient wraps an existing chat client.
func NewOpenAIWithClient(chat ChatClient, logger *slog.Logger) *OpenAI {
	if logger == nil {
		logger = slog.Default()
	}
	return &OpenAI{chat: chat, logger: logger}
}

// Complete renders a buffered chat completion.
func (o *OpenAI) Complete(ctx context.Context, req Request) (*Completion, error) {
	request, err := encodeRequest(req)
	if err != nil {
		return nil, err
	}
	resp, err := o.chat.CreateChatCompletion(ctx, request)
	if err != nil {
		return nil, fmt.Errorf("%w: chat completion: %w", ErrProvider, err)
	}
	if len(resp.Choices) == 0 {
		return &Completion{}, nil
	}
	msg := resp.Choices[0].Message
	out := &Completion{Content: msg.Content}
	for _, tc := range msg.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, ToolCallRequest{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: tc.Function.Arguments,
		})
	}
	return out, nil
}

// Stream renders a streamed chat completion.
func (o *OpenAI) Stream(ctx context.Context, req Request) iter.Seq2[Chunk, error] {
	return func(yield func(Chunk, error) bool) {
		request, err := encodeRequest(req)
		if err != nil {
			yield(Chunk{}, err)
			return
		}

		stream, err := o.chat.CreateChatCompletionStream(ctx, request)
		if err != nil {
			yield(Chunk{}, fmt.Errorf("%w: open stream: %w", ErrProvider, err))
			return
		}
		defer func() {
			if closeErr := stream.Close(); closeErr != nil {
				o.logger.Debug("failed to close completion stream", "error", closeErr)
			}
		}()

		for {
			resp, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				yield(Chunk{}, fmt.Errorf("%w: stream: %w", ErrProvider, err))
				return
			}
			if len(resp.Choices) == 0 {
				continue
			}
			chunk := decodeDelta(resp.Choices[0].Delta)
			if chunk.Content == "" && len(chunk.ToolCalls) == 0 {
				continue
			}
			if !yield(chunk, nil) {
				return
			}
		}
	}
}

func decodeDelta(delta openai.ChatCompletionStreamChoiceDelta) Chunk {
	chunk := Chunk{Content: delta.Content}
	for i, tc := range delta.ToolCalls {
		index := i
		if tc.Index != nil {
			index = *tc.Index
		}
		chunk.ToolCalls = append(chunk.ToolCalls, ToolCallDelta{
			Index:     index,
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: tc.Function.Arguments,
		})
	}
	return chunk
}

func encodeRequest(req Request) (openai.ChatCompletionRequest, error) {
	if len(req.Messages) == 0 {
		return openai.ChatCompletionRequest{}, errors.New("messages are required")
	}
	request := openai.ChatCompletionRequest{
		Model:     req.Model,
		Messages:  make([]openai.ChatCompletionMessage, 0, len(req.Messages)),
		MaxTokens: req.MaxTokens,
	}
	for _, m := range req.Messages {
		request.Messages = append(request.Messages, encodeMessage(m))
	}
	if len(req.Tools) > 0 {
		request.Tools = make([]openai.Tool, 0, len(req.Tools))
		for _, def := range req.Tools {
			request.Tools = append(request.Tools, openai.Tool{
				Type: openai.ToolTypeFunction,
				Function: &openai.FunctionDefinition{
					Name:        def.Name,
					Description: def.Description,
					Parameters:  def.Parameters,
				},
			})
		}
		choice := req.ToolChoice
		if choice == "" {
			choice = ToolChoiceAuto
		}
		request.ToolChoice = string(choice)
	}
	return request, nil
}

func encodeMessage(m Message) openai.ChatCompletionMessage {
	msg := openai.ChatCompletionMessage{
		Role:       string(m.Role),
		ToolCallID: m.ToolCallID,
	}
	if len(m.Parts) > 0 {
		msg.MultiContent = make([]openai.ChatMessagePart, 0, len(m.Parts))
		for _, p := range m.Parts {
			switch p.Type {
			case PartImageURL:
				msg.MultiContent = append(msg.MultiContent, openai.ChatMessagePart{
					Type:     openai.ChatMessagePartTypeImageURL,
					ImageURL: &openai.ChatMessageImageURL{URL: p.ImageURL, Detail: openai.ImageURLDetailAuto},
				})
			default:
				msg.MultiContent = append(msg.MultiContent, openai.ChatMessagePart{
					Type: openai.ChatMessagePartTypeText,
					Text: p.Text,
				})
			}
		}
	} else {
		msg.Content = m.Content
	}
	for _, tc := range m.ToolCalls {
		msg.ToolCalls = append(msg.ToolCalls, openai.ToolCall{
			ID:   tc.ID,
			Type: openai.ToolTypeFunction,
			Function: openai.FunctionCall{
				Name:      tc.Name,
				Arguments: tc.Arguments,
			},
		})
	}
	return msg
}

// Ensure OpenAI implements Provider.
var _ Provider = (*OpenAI)(nil)
