// Package oracle asks an OpenAI-compatible chat completion endpoint to read
// climbing grades out of a route description. It returns the model's raw
// answer text; validation lives in packages/reducer.
package oracle

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"cotations/packages/grades"
	"cotations/packages/metrics"
)

const (
	DefaultBaseURL = "https://api.openai.com"
	DefaultModel   = "gpt-4o"

	completionPath = "/v1/chat/completions"
)

type Client struct {
	client  *http.Client
	baseURL string
	apiKey  string
	model   string
}

func New(apiKey, model, baseURL string, timeout time.Duration) *Client {
	if model == "" {
		model = DefaultModel
	}
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{
		client:  &http.Client{Timeout: timeout},
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		model:   model,
	}
}

// Model returns the configured model name. Cache keys include it so answers
// from different models never collide.
func (c *Client) Model() string { return c.model }

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []chatChoice `json:"choices"`
}

type chatChoice struct {
	Message chatMessage `json:"message"`
}

// Extract sends one description and returns the model's raw answer text.
func (c *Client) Extract(ctx context.Context, description string) (string, error) {
	reqBody, err := json.Marshal(chatRequest{
		Model:       c.model,
		Temperature: 0,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt()},
			{Role: "user", Content: "Description:\n" + description},
		},
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal request body: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+completionPath, bytes.NewBuffer(reqBody))
	if err != nil {
		return "", fmt.Errorf("failed to create http request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	start := time.Now()
	resp, err := c.client.Do(httpReq)
	metrics.OracleCallDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.OracleRequests.WithLabelValues("transport_error").Inc()
		return "", fmt.Errorf("oracle request failed: %w", err)
	}
	defer resp.Body.Close()
	metrics.OracleRequests.WithLabelValues(strconv.Itoa(resp.StatusCode)).Inc()

	if resp.StatusCode != http.StatusOK {
		var errBody bytes.Buffer
		io.Copy(&errBody, resp.Body)
		return "", fmt.Errorf("oracle returned non-200 status: %d - %s", resp.StatusCode, errBody.String())
	}

	var apiResponse chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&apiResponse); err != nil {
		return "", fmt.Errorf("failed to decode oracle response: %w", err)
	}
	if len(apiResponse.Choices) == 0 {
		return "", errors.New("oracle response carried no choices")
	}
	return apiResponse.Choices[0].Message.Content, nil
}

// systemPrompt is rebuilt from the vocabulary so the prompt and the
// validator can never drift apart.
func systemPrompt() string {
	var b strings.Builder
	b.WriteString("You extract climbing grades (cotations) from route descriptions. ")
	b.WriteString("The only valid grades, from easiest to hardest, are: ")
	b.WriteString(strings.Join(grades.Tokens(), ", "))
	b.WriteString(". Count how many pitches or passages the description assigns to each grade. ")
	b.WriteString("A grade mentioned without an explicit number counts once. ")
	b.WriteString("A range like \"5c to 6a\" counts once for every grade inside it. ")
	b.WriteString(`Answer with only a JSON array of {"grade": string, "count": integer} objects, easiest first. `)
	b.WriteString("Answer [] if no grade from the list appears.")
	return b.String()
}
