package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"strings"
	"time"
)

// Generator produces summaries and draft replies for email content.
type Generator interface {
	Summarize(ctx context.Context, from, subject, content string) GenerationResult
	DraftReply(ctx context.Context, from, subject, content, tone string) GenerationResult
}

// OllamaClient wraps the local Ollama generate endpoint. Every call carries
// an explicit timeout so a hung model turns into an error result instead of
// stalling the pipeline.
type OllamaClient struct {
	host    string
	model   string
	client  *http.Client
	metrics *Metrics
}

// NewOllamaClient creates a client for the local Ollama service
func NewOllamaClient(config *OllamaConfig, metrics *Metrics) *OllamaClient {
	return &OllamaClient{
		host:  strings.TrimRight(config.Host, "/"),
		model: config.Model,
		client: &http.Client{
			Timeout: config.Timeout,
		},
		metrics: metrics,
	}
}

type generateRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	Stream bool   `json:"stream"`
}

type generateResponse struct {
	Response string `json:"response"`
	Error    string `json:"error"`
}

// generate performs one model call and returns the trimmed generated text.
func (o *OllamaClient) generate(ctx context.Context, prompt string) (string, error) {
	payload, err := json.Marshal(generateRequest{
		Model:  o.model,
		Prompt: prompt,
		Stream: false,
	})
	if err != nil {
		return "", fmt.Errorf("failed to encode generate request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.host+"/api/generate", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("failed to create generate request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("model service unreachable: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("failed to read model response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("model service returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var result generateResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return "", fmt.Errorf("malformed model response: %w", err)
	}
	if result.Error != "" {
		return "", fmt.Errorf("model service error: %s", result.Error)
	}

	return strings.TrimSpace(result.Response), nil
}

// run times a single model call and converts any failure into an error
// result so one message never aborts the batch.
func (o *OllamaClient) run(ctx context.Context, prompt string) GenerationResult {
	start := time.Now()
	text, err := o.generate(ctx, prompt)
	if err != nil {
		return GenerationResult{Status: GenerationError, Err: err.Error()}
	}

	seconds := roundSeconds(time.Since(start))
	if o.metrics != nil {
		o.metrics.ModelLatency.Observe(time.Since(start).Seconds())
	}

	return GenerationResult{
		Content: text,
		Seconds: seconds,
		Status:  GenerationSuccess,
	}
}

// Summarize generates a 2-3 sentence summary of an email
func (o *OllamaClient) Summarize(ctx context.Context, from, subject, content string) GenerationResult {
	prompt := fmt.Sprintf(`Summarize this email in 2-3 sentences. Focus on the main request, action items, or important information.

From: %s
Subject: %s
Content: %s

Summary:`, from, subject, content)

	return o.run(ctx, prompt)
}

// DraftReply generates a short reply in the requested tone
func (o *OllamaClient) DraftReply(ctx context.Context, from, subject, content, tone string) GenerationResult {
	if tone == "" {
		tone = "professional"
	}

	prompt := fmt.Sprintf(`Write a concise, %s reply to this email. Keep it brief and to the point.

Original Email:
From: %s
Subject: %s
Content: %s

Draft Reply:`, tone, from, subject, content)

	return o.run(ctx, prompt)
}

func roundSeconds(d time.Duration) float64 {
	return math.Round(d.Seconds()*100) / 100
}
