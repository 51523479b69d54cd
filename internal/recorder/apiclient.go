package recorder

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

// APIClient is the HTTP Backend implementation against the collection API.
type APIClient struct {
	baseURL string // e.g. http://localhost:8080/api
	token   string
	http    *http.Client
}

// NewAPIClient creates a backend client. token is the JWT for the recording
// teacher; empty is allowed against a demo-mode server.
func NewAPIClient(baseURL, token string) *APIClient {
	return &APIClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Message string          `json:"message"`
	Error   *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (c *APIClient) do(ctx context.Context, method, path, contentType string, body io.Reader, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return fmt.Errorf("%s %s: status %d, bad envelope: %w", method, path, resp.StatusCode, err)
	}
	if !env.Success {
		code := ""
		msg := env.Message
		if env.Error != nil {
			code = env.Error.Code
			msg = env.Error.Message
		}
		return fmt.Errorf("%s %s: %s (%s)", method, path, msg, code)
	}
	if out != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return fmt.Errorf("%s %s: decode data: %w", method, path, err)
		}
	}
	return nil
}

func (c *APIClient) postJSON(ctx context.Context, path string, body interface{}, out interface{}) error {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	return c.do(ctx, http.MethodPost, path, "application/json", &buf, out)
}

// CreateSession starts a new backend session and returns its id.
func (c *APIClient) CreateSession(ctx context.Context, meta SessionMeta) (uuid.UUID, error) {
	payload := map[string]string{
		"courseName": meta.CourseName,
		"className":  meta.ClassName,
		"subject":    meta.Subject,
		"grade":      meta.Grade,
		"objectives": meta.Objectives,
	}
	var data struct {
		ID uuid.UUID `json:"id"`
	}
	if err := c.postJSON(ctx, "/collection/sessions", payload, &data); err != nil {
		return uuid.Nil, err
	}
	return data.ID, nil
}

// AppendSegments relays a batch of finalized segments.
func (c *APIClient) AppendSegments(ctx context.Context, sessionID uuid.UUID, segments []Segment) error {
	type segmentInput struct {
		Timestamp  float64 `json:"timestamp"`
		Speaker    string  `json:"speaker"`
		Text       string  `json:"text"`
		Confidence float64 `json:"confidence"`
	}
	batch := make([]segmentInput, 0, len(segments))
	for _, s := range segments {
		batch = append(batch, segmentInput{
			Timestamp:  s.Timestamp,
			Speaker:    s.Speaker,
			Text:       s.Text,
			Confidence: s.Confidence,
		})
	}
	path := fmt.Sprintf("/collection/sessions/%s/transcript", sessionID)
	return c.postJSON(ctx, path, map[string]interface{}{"segments": batch}, nil)
}

// StopSession moves the session to processing.
func (c *APIClient) StopSession(ctx context.Context, sessionID uuid.UUID) error {
	return c.postJSON(ctx, fmt.Sprintf("/collection/sessions/%s/stop", sessionID), nil, nil)
}

// UploadAudio ships the WAV blob as a multipart upload.
func (c *APIClient) UploadAudio(ctx context.Context, sessionID uuid.UUID, wav []byte) error {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("audio", sessionID.String()+".wav")
	if err != nil {
		return err
	}
	if _, err := part.Write(wav); err != nil {
		return err
	}
	if err := mw.Close(); err != nil {
		return err
	}
	path := fmt.Sprintf("/collection/sessions/%s/audio", sessionID)
	return c.do(ctx, http.MethodPost, path, mw.FormDataContentType(), &buf, nil)
}

// CompleteSession marks the session completed.
func (c *APIClient) CompleteSession(ctx context.Context, sessionID uuid.UUID) error {
	return c.postJSON(ctx, fmt.Sprintf("/collection/sessions/%s/complete", sessionID), nil, nil)
}
