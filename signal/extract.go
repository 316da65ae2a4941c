package signal

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// extractionPrompt is the strict contract sent to the completion service:
// exactly the five fields or the literal null, aliases canonicalized, ranges
// collapsed to their first value, at most three take profits unless the
// instrument is a recognized index.
const extractionPrompt = `Parse the following trading signal and return a JSON object:

"%s"

Rules:
1. The JSON object must have these fields: instrument, order_type, entry_point, stop_loss, take_profits.
2. order_type is only "buy" or "sell".
3. If the entry point or stop loss is a range, use the first value.
4. take_profits is always an array, even for a single value.
5. Take only the first 3 take profits, unless the instrument is an index like DJI30, US30, NDX100 or NAS100, then take all.
6. Convert instrument names: US30 to DJI30, NAS100 to NDX100, GOLD to XAUUSD, SILVER to XAGUSD.
7. All numeric values are numbers, not strings.
8. If the input is not a valid trading signal, return null.

Respond only with the JSON object or null, no additional text.`

const extractionSystem = "You are a trading signal parser. Always respond with a valid JSON object and nothing else."

// HTTPExtractor calls a chat-completion endpoint to turn free-form signal
// text into a structured Extraction.
type HTTPExtractor struct {
	url        string
	token      string
	model      string
	httpClient *http.Client
}

func NewHTTPExtractor(url, token, model string, timeout time.Duration) *HTTPExtractor {
	if model == "" {
		model = "gpt-4"
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPExtractor{
		url:        url,
		token:      token,
		model:      model,
		httpClient: &http.Client{Timeout: timeout},
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// Extract sends the text to the completion service. A "null" reply or
// unparseable content comes back as (nil, nil): the service decided the text
// is not a signal.
func (e *HTTPExtractor) Extract(ctx context.Context, text string) (*Extraction, error) {
	body, err := json.Marshal(chatRequest{
		Model: e.model,
		Messages: []chatMessage{
			{Role: "system", Content: extractionSystem},
			{Role: "user", Content: fmt.Sprintf(extractionPrompt, text)},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, e.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+e.token)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := e.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("extraction API error (status %d): %s", resp.StatusCode, string(b))
	}

	var chat chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&chat); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if len(chat.Choices) == 0 {
		return nil, fmt.Errorf("extraction API returned no choices")
	}

	content := strings.TrimSpace(chat.Choices[0].Message.Content)
	if strings.EqualFold(content, "null") {
		return nil, nil
	}

	var ext Extraction
	if err := json.Unmarshal([]byte(content), &ext); err != nil {
		// Off-contract reply. Treat as a non-signal rather than failing the
		// message.
		return nil, nil
	}
	return &ext, nil
}
