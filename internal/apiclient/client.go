// Package apiclient talks to the noteroom REST API on behalf of the editing client.
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/noteroom/internal/editor"
	"go.uber.org/zap"
)

const (
	defaultCookieName     = "app_session"
	defaultRequestTimeout = 10 * time.Second
	maxResponseBytes      = 4 << 20
)

var (
	// ErrUnauthorized is returned when the session cookie is missing or rejected.
	ErrUnauthorized = errors.New("apiclient: unauthorized")
	// ErrForbidden is returned when the note is not owned by or shared with the caller.
	ErrForbidden = errors.New("apiclient: forbidden")
	// ErrNotFound is returned when the note does not exist.
	ErrNotFound = errors.New("apiclient: not found")

	errMissingBaseURL = errors.New("apiclient: base url is required")
)

// StatusError describes a non-success response.
type StatusError struct {
	StatusCode int
	Code       string
	sentinel   error
}

func (e *StatusError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("apiclient: unexpected status %d", e.StatusCode)
	}
	return fmt.Sprintf("apiclient: status %d: %s", e.StatusCode, e.Code)
}

func (e *StatusError) Unwrap() error {
	return e.sentinel
}

// Config describes how to reach the API.
type Config struct {
	BaseURL        string
	SessionToken   string
	CookieName     string
	HTTPClient     *http.Client
	RequestTimeout time.Duration
	Logger         *zap.Logger
}

// Client is an authenticated API client. It implements editor.NoteStore.
type Client struct {
	baseURL        *url.URL
	sessionToken   string
	cookieName     string
	httpClient     *http.Client
	requestTimeout time.Duration
	logger         *zap.Logger
}

// Profile is the caller's identity as the API reports it.
type Profile struct {
	UserID      string `json:"user_id"`
	Email       string `json:"email"`
	DisplayName string `json:"display_name"`
}

// Note mirrors the API's note representation.
type Note struct {
	ID               string   `json:"id"`
	OwnerID          string   `json:"owner_id"`
	Title            string   `json:"title"`
	Content          string   `json:"content"`
	IsDeleted        bool     `json:"is_deleted"`
	SharedWith       []string `json:"shared_with"`
	CreatedAtSeconds int64    `json:"created_at_s"`
	UpdatedAtSeconds int64    `json:"updated_at_s"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// New validates the configuration and returns a client.
func New(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, errMissingBaseURL
	}
	baseURL, err := url.Parse(strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"))
	if err != nil {
		return nil, fmt.Errorf("apiclient: parse base url: %w", err)
	}
	if baseURL.Scheme != "http" && baseURL.Scheme != "https" {
		return nil, fmt.Errorf("apiclient: unsupported scheme %q", baseURL.Scheme)
	}
	cookieName := strings.TrimSpace(cfg.CookieName)
	if cookieName == "" {
		cookieName = defaultCookieName
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		baseURL:        baseURL,
		sessionToken:   cfg.SessionToken,
		cookieName:     cookieName,
		httpClient:     httpClient,
		requestTimeout: timeout,
		logger:         logger,
	}, nil
}

// RelayURL returns the websocket address of the relay endpoint.
func (c *Client) RelayURL() string {
	relayURL := *c.baseURL
	if relayURL.Scheme == "https" {
		relayURL.Scheme = "wss"
	} else {
		relayURL.Scheme = "ws"
	}
	relayURL.Path = strings.TrimRight(relayURL.Path, "/") + "/relay"
	return relayURL.String()
}

// SessionHeader carries the session cookie for the relay handshake.
func (c *Client) SessionHeader() http.Header {
	header := http.Header{}
	if c.sessionToken != "" {
		header.Set("Cookie", (&http.Cookie{Name: c.cookieName, Value: c.sessionToken}).String())
	}
	return header
}

// Me returns the authenticated caller.
func (c *Client) Me(ctx context.Context) (Profile, error) {
	var profile Profile
	if err := c.do(ctx, http.MethodGet, "/me", nil, &profile); err != nil {
		return Profile{}, err
	}
	return profile, nil
}

// GetNote fetches a note.
func (c *Client) GetNote(ctx context.Context, noteID string) (Note, error) {
	var note Note
	if err := c.do(ctx, http.MethodGet, "/notes/"+url.PathEscape(noteID), nil, &note); err != nil {
		return Note{}, err
	}
	return note, nil
}

// CreateNote creates a note owned by the caller.
func (c *Client) CreateNote(ctx context.Context, title string, content string) (Note, error) {
	var note Note
	body := map[string]string{"title": title, "content": content}
	if err := c.do(ctx, http.MethodPost, "/notes", body, &note); err != nil {
		return Note{}, err
	}
	return note, nil
}

// ShareNote grants another user access and returns the grantee list.
func (c *Client) ShareNote(ctx context.Context, noteID string, userID string) ([]string, error) {
	var response struct {
		SharedWith []string `json:"shared_with"`
	}
	body := map[string]string{"user_id": userID}
	if err := c.do(ctx, http.MethodPost, "/notes/"+url.PathEscape(noteID)+"/share", body, &response); err != nil {
		return nil, err
	}
	return response.SharedWith, nil
}

// Load implements editor.NoteStore.
func (c *Client) Load(ctx context.Context, noteID string) (editor.Document, error) {
	note, err := c.GetNote(ctx, noteID)
	if err != nil {
		return editor.Document{}, err
	}
	return editor.Document{Title: note.Title, Content: note.Content}, nil
}

// Save implements editor.NoteStore by writing both fields.
func (c *Client) Save(ctx context.Context, noteID string, document editor.Document) error {
	body := map[string]string{"title": document.Title, "content": document.Content}
	return c.do(ctx, http.MethodPut, "/notes/"+url.PathEscape(noteID), body, nil)
}

func (c *Client) do(ctx context.Context, method string, path string, body any, out any) error {
	endpoint := c.baseURL.String() + path

	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("apiclient: encode %s %s: %w", method, path, err)
		}
		reader = bytes.NewReader(encoded)
	}

	requestCtx, cancel := context.WithTimeout(ctx, c.requestTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(requestCtx, method, endpoint, reader)
	if err != nil {
		return fmt.Errorf("apiclient: create %s %s: %w", method, path, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if c.sessionToken != "" {
		req.AddCookie(&http.Cookie{Name: c.cookieName, Value: c.sessionToken})
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("apiclient: %s %s: %w", method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	limited := io.LimitReader(resp.Body, maxResponseBytes)
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		statusErr := decodeStatusError(resp.StatusCode, limited)
		c.logger.Debug("api request failed",
			zap.String("method", method),
			zap.String("path", path),
			zap.Int("status", resp.StatusCode),
			zap.String("code", statusErr.Code))
		return statusErr
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		_, _ = io.Copy(io.Discard, limited)
		return nil
	}
	if err := json.NewDecoder(limited).Decode(out); err != nil {
		return fmt.Errorf("apiclient: decode %s %s: %w", method, path, err)
	}
	return nil
}

func decodeStatusError(statusCode int, body io.Reader) *StatusError {
	statusErr := &StatusError{StatusCode: statusCode}
	var payload errorResponse
	if err := json.NewDecoder(body).Decode(&payload); err == nil {
		statusErr.Code = payload.Error
	}
	switch statusCode {
	case http.StatusUnauthorized:
		statusErr.sentinel = ErrUnauthorized
	case http.StatusForbidden:
		statusErr.sentinel = ErrForbidden
	case http.StatusNotFound:
		statusErr.sentinel = ErrNotFound
	}
	return statusErr
}
