package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"sediment-server/internal/config"
)

// SupabaseStore is an ObjectStore backed by the Supabase Storage REST API.
type SupabaseStore struct {
	baseURL    string
	serviceKey string
	bucket     string
	client     *http.Client
	logger     zerolog.Logger
}

// NewSupabaseStore creates a client for cfg.Bucket authenticated with the service key.
func NewSupabaseStore(cfg config.StorageConfig, logger zerolog.Logger) *SupabaseStore {
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &SupabaseStore{
		baseURL:    strings.TrimRight(cfg.URL, "/") + "/storage/v1",
		serviceKey: cfg.ServiceKey,
		bucket:     cfg.Bucket,
		client:     &http.Client{Timeout: timeout},
		logger:     logger.With().Str("component", "storage").Logger(),
	}
}

// apiError is the error body returned by the storage API. statusCode is a
// string in current releases and a number in older ones.
type apiError struct {
	StatusCode any    `json:"statusCode"`
	Error      string `json:"error"`
	Message    string `json:"message"`
}

func escapePath(path string) string {
	segments := strings.Split(path, "/")
	for i, s := range segments {
		segments[i] = url.PathEscape(s)
	}
	return strings.Join(segments, "/")
}

func (s *SupabaseStore) objectURL(kind, path string) string {
	if kind != "" {
		return fmt.Sprintf("%s/object/%s/%s/%s", s.baseURL, kind, url.PathEscape(s.bucket), escapePath(path))
	}
	return fmt.Sprintf("%s/object/%s/%s", s.baseURL, url.PathEscape(s.bucket), escapePath(path))
}

func (s *SupabaseStore) newRequest(ctx context.Context, method, endpoint string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return nil, fmt.Errorf("build storage request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+s.serviceKey)
	req.Header.Set("apikey", s.serviceKey)
	return req, nil
}

func (s *SupabaseStore) do(req *http.Request, path string) (*http.Response, error) {
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("storage %s %s: %w", req.Method, path, err)
	}
	if resp.StatusCode < 300 {
		return resp, nil
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var apiErr apiError
	_ = json.Unmarshal(body, &apiErr)
	code := fmt.Sprint(apiErr.StatusCode)

	switch {
	case resp.StatusCode == http.StatusNotFound || code == "404" || strings.EqualFold(apiErr.Error, "not_found"):
		return nil, fmt.Errorf("%w: %s", ErrObjectNotFound, path)
	case resp.StatusCode == http.StatusConflict || code == "409" || strings.EqualFold(apiErr.Error, "Duplicate"):
		return nil, fmt.Errorf("%w: %s", ErrObjectExists, path)
	}

	msg := apiErr.Message
	if msg == "" {
		msg = strings.TrimSpace(string(body))
	}
	return nil, fmt.Errorf("storage %s %s: status %d: %s", req.Method, path, resp.StatusCode, msg)
}

func (s *SupabaseStore) Upload(ctx context.Context, path, contentType string, data []byte) error {
	req, err := s.newRequest(ctx, http.MethodPost, s.objectURL("", path), bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("x-upsert", "false")

	resp, err := s.do(req, path)
	if err != nil {
		return err
	}
	resp.Body.Close()

	s.logger.Debug().Str("path", path).Int("bytes", len(data)).Msg("object uploaded")
	return nil
}

func (s *SupabaseStore) Download(ctx context.Context, path string) ([]byte, string, error) {
	req, err := s.newRequest(ctx, http.MethodGet, s.objectURL("", path), nil)
	if err != nil {
		return nil, "", err
	}

	resp, err := s.do(req, path)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", fmt.Errorf("read object %s: %w", path, err)
	}
	return data, resp.Header.Get("Content-Type"), nil
}

func (s *SupabaseStore) Remove(ctx context.Context, paths ...string) error {
	if len(paths) == 0 {
		return nil
	}

	body, err := json.Marshal(map[string][]string{"prefixes": paths})
	if err != nil {
		return err
	}
	endpoint := fmt.Sprintf("%s/object/%s", s.baseURL, url.PathEscape(s.bucket))
	req, err := s.newRequest(ctx, http.MethodDelete, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.do(req, strings.Join(paths, ","))
	if err != nil {
		return err
	}
	resp.Body.Close()

	s.logger.Debug().Strs("paths", paths).Msg("objects removed")
	return nil
}

func (s *SupabaseStore) SignedURL(ctx context.Context, path string, ttl time.Duration) (string, error) {
	body, err := json.Marshal(map[string]int{"expiresIn": int(ttl.Seconds())})
	if err != nil {
		return "", err
	}
	req, err := s.newRequest(ctx, http.MethodPost, s.objectURL("sign", path), bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.do(req, path)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var out struct {
		SignedURL string `json:"signedURL"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode signed url response: %w", err)
	}
	if out.SignedURL == "" {
		return "", fmt.Errorf("storage returned an empty signed url for %s", path)
	}
	if strings.HasPrefix(out.SignedURL, "http://") || strings.HasPrefix(out.SignedURL, "https://") {
		return out.SignedURL, nil
	}
	return s.baseURL + "/" + strings.TrimPrefix(out.SignedURL, "/"), nil
}
