package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/go-resty/resty/v2"

	"github.com/sempervigil/sempervigil/internal/types"
)

const (
	openAIChatPath = "/chat/completions"

	// anthropicDefaultMaxTokens applies when a profile sets no
	// max_tokens; the anthropic API requires the field.
	anthropicDefaultMaxTokens = 1024
)

// chatMessage is one OpenAI-style conversation turn.
type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// chatRequest mirrors the chat completions request body. Nil params are
// omitted so providers apply their own defaults.
type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature *float64      `json:"temperature,omitempty"`
	MaxTokens   *int          `json:"max_tokens,omitempty"`
	TopP        *float64      `json:"top_p,omitempty"`
	Seed        *int          `json:"seed,omitempty"`
}

type chatUsage struct {
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Usage *chatUsage `json:"usage"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// callOpenAI POSTs a chat completion to an OpenAI-compatible endpoint.
// 429 maps to rate-limited with the Retry-After hint, 5xx and 408 to
// transient, other 4xx to permanent.
func (r *Router) callOpenAI(ctx context.Context, p *types.LLMProvider, apiKey, model, system, user string, params types.LLMParams) (string, tokenUsage, error) {
	msgs := make([]chatMessage, 0, 2)
	if system != "" {
		msgs = append(msgs, chatMessage{Role: "system", Content: system})
	}
	msgs = append(msgs, chatMessage{Role: "user", Content: user})

	req := r.http.R().
		SetContext(ctx).
		SetResult(&chatResponse{}).
		SetError(&chatResponse{}).
		SetBody(chatRequest{
			Model:       model,
			Messages:    msgs,
			Temperature: params.Temperature,
			MaxTokens:   params.MaxTokens,
			TopP:        params.TopP,
			Seed:        params.Seed,
		})
	if apiKey != "" {
		req.SetHeader("Authorization", "Bearer "+apiKey)
	}

	resp, err := req.Post(strings.TrimRight(p.BaseURL, "/") + openAIChatPath)
	if err != nil {
		if ctx.Err() != nil {
			return "", tokenUsage{}, types.Tag(types.KindCanceled, ctx.Err())
		}
		return "", tokenUsage{}, types.Tagf(types.KindTransient, "provider %s: %v", p.ID, err)
	}

	switch {
	case resp.IsSuccess():
		out, ok := resp.Result().(*chatResponse)
		if !ok || out == nil {
			return "", tokenUsage{}, types.Tagf(types.KindInternal, "provider %s: unexpected response shape", p.ID)
		}
		if len(out.Choices) == 0 {
			return "", tokenUsage{}, types.Tagf(types.KindPermanent, "provider %s: response has no choices", p.ID)
		}
		var u tokenUsage
		if out.Usage != nil {
			u.Prompt = &out.Usage.PromptTokens
			u.Completion = &out.Usage.CompletionTokens
		}
		return out.Choices[0].Message.Content, u, nil
	case resp.StatusCode() == http.StatusTooManyRequests:
		return "", tokenUsage{}, types.RateLimited(
			fmt.Errorf("provider %s: HTTP 429%s", p.ID, upstreamMessage(resp)), retryAfter(resp))
	case resp.StatusCode() >= 500 || resp.StatusCode() == http.StatusRequestTimeout:
		return "", tokenUsage{}, types.Tagf(types.KindTransient,
			"provider %s: HTTP %d%s", p.ID, resp.StatusCode(), upstreamMessage(resp))
	default:
		return "", tokenUsage{}, types.Tagf(types.KindPermanent,
			"provider %s: HTTP %d%s", p.ID, resp.StatusCode(), upstreamMessage(resp))
	}
}

// upstreamMessage extracts the provider's error message for the log
// line, when the error body carried one.
func upstreamMessage(resp *resty.Response) string {
	out, ok := resp.Error().(*chatResponse)
	if !ok || out == nil || out.Error == nil || out.Error.Message == "" {
		return ""
	}
	return ": " + out.Error.Message
}

// retryAfter parses a Retry-After header as delay seconds. Garbage
// yields zero.
func retryAfter(resp *resty.Response) time.Duration {
	v := strings.TrimSpace(resp.Header().Get("Retry-After"))
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return 0
}

// callAnthropic sends one Messages API request. An empty baseURL uses
// the SDK default endpoint; an empty apiKey defers to the SDK's own
// environment lookup.
func callAnthropic(ctx context.Context, baseURL, apiKey, model, system, user string, params types.LLMParams) (string, tokenUsage, error) {
	// The router owns retry policy; SDK-internal retries are off so a
	// 429 reaches the queue with its rate-limit kind intact.
	opts := []option.RequestOption{option.WithMaxRetries(0)}
	if apiKey != "" {
		opts = append(opts, option.WithAPIKey(apiKey))
	}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	client := anthropic.NewClient(opts...)

	maxTokens := int64(anthropicDefaultMaxTokens)
	if params.MaxTokens != nil {
		maxTokens = int64(*params.MaxTokens)
	}
	req := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: maxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(user)),
		},
	}
	if system != "" {
		req.System = []anthropic.TextBlockParam{{Text: system}}
	}
	if params.Temperature != nil {
		req.Temperature = anthropic.Float(*params.Temperature)
	}
	if params.TopP != nil {
		req.TopP = anthropic.Float(*params.TopP)
	}
	// params.Seed has no anthropic equivalent and is dropped.

	msg, err := client.Messages.New(ctx, req)
	if err != nil {
		return "", tokenUsage{}, anthropicError(err)
	}
	if len(msg.Content) == 0 {
		return "", tokenUsage{}, types.Tagf(types.KindPermanent, "anthropic: response has no content blocks")
	}
	block := msg.Content[0]
	if block.Type != "text" {
		return "", tokenUsage{}, types.Tagf(types.KindPermanent, "anthropic: unexpected block type %q", block.Type)
	}
	in, out := msg.Usage.InputTokens, msg.Usage.OutputTokens
	return block.Text, tokenUsage{Prompt: &in, Completion: &out}, nil
}

func anthropicError(err error) error {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.StatusCode == http.StatusTooManyRequests:
			return types.RateLimited(fmt.Errorf("anthropic: HTTP 429"), 0)
		case apiErr.StatusCode >= 500 || apiErr.StatusCode == http.StatusRequestTimeout:
			return types.Tagf(types.KindTransient, "anthropic: HTTP %d", apiErr.StatusCode)
		default:
			return types.Tagf(types.KindPermanent, "anthropic: HTTP %d", apiErr.StatusCode)
		}
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return types.Tag(types.KindCanceled, err)
	}
	return types.Tagf(types.KindTransient, "anthropic: %v", err)
}
