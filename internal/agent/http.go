package agent

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"courier/internal/bus"
	"courier/internal/version"
)

// HTTPEngine talks to an agent service over HTTP. Message submission opens
// a streaming response of newline-delimited JSON fragments; each fragment
// is published on the event bus as it arrives.
type HTTPEngine struct {
	baseURL string
	apiKey  string
	client  *http.Client
	events  *bus.Bus
}

// NewHTTPEngine creates an engine for the service at baseURL. apiKey may be
// empty when the service does not authenticate.
func NewHTTPEngine(baseURL, apiKey string, events *bus.Bus) *HTTPEngine {
	return &HTTPEngine{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		// No overall timeout: message streams stay open for as long as
		// the agent is working. Cancellation comes from the context.
		client: &http.Client{},
		events: events,
	}
}

type createConversationRequest struct {
	Provider string `json:"provider"`
	Model    string `json:"model"`
	Source   string `json:"source"`
	Name     string `json:"name"`
}

type createConversationResponse struct {
	ID string `json:"id"`
}

// CreateConversation opens a conversation on the agent service.
func (e *HTTPEngine) CreateConversation(ctx context.Context, model ModelConfig, source, name string) (string, error) {
	body := createConversationRequest{
		Provider: model.Provider,
		Model:    model.Model,
		Source:   source,
		Name:     name,
	}

	var resp createConversationResponse
	if err := e.post(ctx, "/v1/conversations", body, &resp); err != nil {
		return "", fmt.Errorf("failed to create conversation: %w", err)
	}
	if resp.ID == "" {
		return "", fmt.Errorf("agent service returned an empty conversation id")
	}

	log.Printf("[Agent] Created conversation %s (%s/%s)", resp.ID, model.Provider, model.Model)
	return resp.ID, nil
}

type submitRequest struct {
	SessionID string `json:"session_id"`
	Text      string `json:"text"`
}

type streamFragment struct {
	Content string `json:"content"`
	IsNew   bool   `json:"is_new"`
	Done    bool   `json:"done"`
	Error   string `json:"error,omitempty"`
}

// Submit sends the prompt and pumps the response stream onto the bus. It
// returns once the stream ends; a Done event is always published, even on
// mid-stream failure, so waiting listeners are released.
func (e *HTTPEngine) Submit(ctx context.Context, sessionID, conversationID, text string) error {
	reqBody, err := json.Marshal(submitRequest{SessionID: sessionID, Text: text})
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	url := fmt.Sprintf("%s/v1/conversations/%s/messages", e.baseURL, conversationID)
	httpReq, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewBuffer(reqBody))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	e.setHeaders(httpReq)
	httpReq.Header.Set("Accept", "application/x-ndjson")

	resp, err := e.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("agent service error: %d - %s", resp.StatusCode, string(bodyBytes))
	}

	defer e.events.Publish(bus.Event{ConversationID: conversationID, Done: true})

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		var frag streamFragment
		if err := json.Unmarshal([]byte(line), &frag); err != nil {
			log.Printf("[Agent] Failed to parse stream fragment: %v", err)
			continue
		}

		if frag.Error != "" {
			return fmt.Errorf("agent stream error: %s", frag.Error)
		}
		if frag.Done {
			return nil
		}

		e.events.Publish(bus.Event{
			ConversationID: conversationID,
			Content:        frag.Content,
			IsNewMessage:   frag.IsNew,
		})
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("stream read failed: %w", err)
	}
	return nil
}

type confirmRequest struct {
	CallID string `json:"call_id"`
	Value  bool   `json:"value"`
}

// Confirm answers a tool-confirmation prompt.
func (e *HTTPEngine) Confirm(ctx context.Context, conversationID, callID string, value bool) error {
	path := fmt.Sprintf("/v1/conversations/%s/confirmations", conversationID)
	if err := e.post(ctx, path, confirmRequest{CallID: callID, Value: value}, nil); err != nil {
		return fmt.Errorf("failed to confirm call %s: %w", callID, err)
	}
	return nil
}

// ClearContext drops the service's cached state for a session.
func (e *HTTPEngine) ClearContext(ctx context.Context, sessionID string) error {
	url := fmt.Sprintf("%s/v1/sessions/%s/context", e.baseURL, sessionID)
	httpReq, err := http.NewRequestWithContext(ctx, "DELETE", url, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	e.setHeaders(httpReq)

	resp, err := e.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	// A session the service has never seen is already clear.
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusNotFound {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("agent service error: %d - %s", resp.StatusCode, string(bodyBytes))
	}
	return nil
}

func (e *HTTPEngine) post(ctx context.Context, path string, body, out any) error {
	reqBody, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, "POST", e.baseURL+path, bytes.NewBuffer(reqBody))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	e.setHeaders(httpReq)

	resp, err := e.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("agent service error: %d - %s", resp.StatusCode, string(bodyBytes))
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return nil
}

func (e *HTTPEngine) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", version.UserAgent())
	if e.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+e.apiKey)
	}
}
