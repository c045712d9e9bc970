// Package llmprovider is the opaque text-in/text-out LLM collaborator
// (spec.md §1). The transport is hashicorp/go-retryablehttp, the
// teacher's indirect dependency promoted to direct use here; transport
// retries are disabled (RetryMax: 0) so the single logical retry-with-
// reason the worker owns (spec.md §4.4) is never doubled by the HTTP
// layer retrying underneath it.
package llmprovider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	retryablehttp "github.com/hashicorp/go-retryablehttp"

	"github.com/qbeam/beamopt/internal/errorsx"
)

// Provider is the opaque LLM collaborator interface.
type Provider interface {
	// Complete sends prompt and returns the raw text response.
	Complete(ctx context.Context, prompt string) (string, error)
}

// HTTPProvider implements Provider against an HTTP chat-completion style endpoint.
type HTTPProvider struct {
	url    string
	apiKey string
	model  string
	client *retryablehttp.Client
}

// New builds an HTTPProvider. Concurrency limiting is the caller's
// responsibility (internal/worker applies a semaphore per
// LLM_MAX_CONCURRENCY).
func New(url, apiKey, model string) *HTTPProvider {
	client := retryablehttp.NewClient()
	client.RetryMax = 0
	client.Logger = nil
	return &HTTPProvider{url: url, apiKey: apiKey, model: model, client: client}
}

type completionRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type completionResponse struct {
	Text string `json:"text"`
}

// Complete sends one prompt with the context's deadline as the call's deadline.
func (p *HTTPProvider) Complete(ctx context.Context, prompt string) (string, error) {
	body, err := json.Marshal(completionRequest{Model: p.model, Prompt: prompt})
	if err != nil {
		return "", errorsx.LLMError.New(err.Error())
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(body))
	if err != nil {
		return "", errorsx.LLMError.New(err.Error())
	}
	req.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return "", errorsx.LLMTimeout.New(deadlineString(ctx))
		}
		return "", errorsx.LLMError.New(err.Error())
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return "", errorsx.LLMError.New(fmt.Sprintf("status %d", resp.StatusCode))
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", errorsx.LLMError.New(err.Error())
	}

	var out completionResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", errorsx.LLMError.New(err.Error())
	}
	return out.Text, nil
}

func deadlineString(ctx context.Context) string {
	if dl, ok := ctx.Deadline(); ok {
		return time.Until(dl).String()
	}
	return "unknown"
}
