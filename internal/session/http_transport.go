package session

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"agent-chat/internal/domain"
	"agent-chat/internal/sse"
)

// RejectedError es una respuesta no exitosa del servidor antes de abrir el stream.
type RejectedError struct {
	StatusCode int
	Message    string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("server rejected request (%d): %s", e.StatusCode, e.Message)
}

// HTTPTransport implementa Transport contra la API HTTP del servidor.
type HTTPTransport struct {
	baseURL string
	token   string
	client  *http.Client
}

// NewHTTPTransport crea el transporte. token es opcional (bearer JWT).
func NewHTTPTransport(baseURL, token string, client *http.Client) *HTTPTransport {
	if client == nil {
		client = &http.Client{}
	}
	return &HTTPTransport{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		client:  client,
	}
}

func (t *HTTPTransport) Open(ctx context.Context, threadID, prompt string) (EventStream, error) {
	// El prompt viaja en el body: en la query choca con el limite de largo de URL.
	body, err := json.Marshal(struct {
		Prompt string `json:"prompt"`
	}{Prompt: prompt})
	if err != nil {
		return nil, err
	}
	endpoint := fmt.Sprintf("%s/threads/%s/stream", t.baseURL, url.PathEscape(threadID))
	req, err := t.newRequest(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("open stream: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, rejected(resp)
	}
	return &httpEventStream{body: resp.Body, reader: sse.NewReader(resp.Body)}, nil
}

func (t *HTTPTransport) Abort(ctx context.Context, threadID string) (bool, error) {
	req, err := t.newRequest(ctx, http.MethodPost, t.baseURL+"/api/abort/"+url.PathEscape(threadID), nil)
	if err != nil {
		return false, err
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return false, fmt.Errorf("abort: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return false, rejected(resp)
	}

	var payload struct {
		Success bool   `json:"success"`
		Message string `json:"message"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return false, fmt.Errorf("decode abort response: %w", err)
	}
	return payload.Success, nil
}

func (t *HTTPTransport) Load(ctx context.Context, threadID string) ([]domain.Message, error) {
	var payload struct {
		Messages []domain.Message `json:"messages"`
	}
	if err := t.doJSON(ctx, http.MethodGet, t.baseURL+"/threads/"+url.PathEscape(threadID), http.StatusOK, &payload); err != nil {
		return nil, err
	}
	return payload.Messages, nil
}

// ListThreads devuelve los hilos del recurso, el mas reciente primero.
func (t *HTTPTransport) ListThreads(ctx context.Context) ([]domain.Thread, error) {
	var payload struct {
		Threads []domain.Thread `json:"threads"`
	}
	if err := t.doJSON(ctx, http.MethodGet, t.baseURL+"/threads", http.StatusOK, &payload); err != nil {
		return nil, err
	}
	return payload.Threads, nil
}

// CreateThread crea un hilo vacio en el servidor.
func (t *HTTPTransport) CreateThread(ctx context.Context) (domain.Thread, error) {
	var payload struct {
		Thread domain.Thread `json:"thread"`
	}
	if err := t.doJSON(ctx, http.MethodPost, t.baseURL+"/threads", http.StatusCreated, &payload); err != nil {
		return domain.Thread{}, err
	}
	return payload.Thread, nil
}

func (t *HTTPTransport) doJSON(ctx context.Context, method, endpoint string, want int, out any) error {
	req, err := t.newRequest(ctx, method, endpoint, nil)
	if err != nil {
		return err
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, endpoint, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != want {
		return rejected(resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (t *HTTPTransport) newRequest(ctx context.Context, method, endpoint string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return nil, err
	}
	if t.token != "" {
		req.Header.Set("Authorization", "Bearer "+t.token)
	}
	return req, nil
}

func rejected(resp *http.Response) error {
	var payload struct {
		Error string `json:"error"`
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err := json.Unmarshal(body, &payload); err != nil || payload.Error == "" {
		payload.Error = strings.TrimSpace(string(body))
	}
	return &RejectedError{StatusCode: resp.StatusCode, Message: payload.Error}
}

type httpEventStream struct {
	body   io.ReadCloser
	reader *sse.Reader
}

func (s *httpEventStream) Next() (domain.StreamEvent, error) {
	return s.reader.Next()
}

func (s *httpEventStream) Close() error {
	return s.body.Close()
}
