// Package inference is the client of the external sediment detection model.
package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"sediment-server/internal/config"
	"sediment-server/internal/labels"
	"sediment-server/internal/metrics"
	"sediment-server/internal/models"
)

var (
	// ErrUnavailable means the model could not be reached or kept failing.
	ErrUnavailable = errors.New("inference service unavailable")
	// ErrBadResponse means the model answered with something unusable.
	ErrBadResponse = errors.New("inference service returned an invalid response")
)

const defaultMaxAttempts = 3

// Detector runs the model on one image.
type Detector interface {
	Detect(ctx context.Context, filename, contentType string, data []byte) (*Result, error)
}

// Result is the normalised model output for one image.
type Result struct {
	ModelName       string
	Detections      []models.Detection
	Counts          models.Counts
	TotalDetections int
}

// RawBox is a box as emitted by the model.
type RawBox struct {
	X1 float64 `json:"x1"`
	Y1 float64 `json:"y1"`
	X2 float64 `json:"x2"`
	Y2 float64 `json:"y2"`
}

// RawDetection is a detection as emitted by the model.
type RawDetection struct {
	ClassID    int     `json:"class_id"`
	Confidence float64 `json:"confidence"`
	BBox       RawBox  `json:"bbox"`
}

type response struct {
	Model      string         `json:"model"`
	Detections []RawDetection `json:"detections"`
}

// Client calls the model over HTTP with client-side rate limiting and retries.
type Client struct {
	url        string
	apiKey     string
	modelName  string
	httpClient *http.Client
	limiter    *rate.Limiter
	metrics    *metrics.Metrics
	logger     zerolog.Logger

	maxAttempts  int
	retryInitial time.Duration
}

// NewClient creates a client from configuration.
func NewClient(cfg config.InferenceConfig, m *metrics.Metrics, logger zerolog.Logger) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	perSecond := cfg.RatePerSecond
	if perSecond <= 0 {
		perSecond = 5
	}
	burst := int(math.Ceil(perSecond))

	return &Client{
		url:          cfg.URL,
		apiKey:       cfg.APIKey,
		modelName:    cfg.ModelName,
		httpClient:   &http.Client{Timeout: timeout},
		limiter:      rate.NewLimiter(rate.Limit(perSecond), burst),
		metrics:      m,
		logger:       logger.With().Str("component", "inference").Logger(),
		maxAttempts:  defaultMaxAttempts,
		retryInitial: 250 * time.Millisecond,
	}
}

// Detect sends the image to the model and normalises its answer.
func (c *Client) Detect(ctx context.Context, filename, contentType string, data []byte) (*Result, error) {
	start := time.Now()
	raw, err := c.call(ctx, filename, contentType, data)
	c.metrics.ObserveInference(time.Since(start), err)
	if err != nil {
		return nil, err
	}

	modelName := raw.Model
	if modelName == "" {
		modelName = c.modelName
	}
	result := Normalize(modelName, raw.Detections)
	c.metrics.AddDetections(result.Counts)

	c.logger.Debug().
		Str("model", result.ModelName).
		Int("detections", result.TotalDetections).
		Dur("took", time.Since(start)).
		Msg("inference completed")
	return result, nil
}

func (c *Client) call(ctx context.Context, filename, contentType string, data []byte) (*response, error) {
	body, formType, err := encodeForm(filename, contentType, c.modelName, data)
	if err != nil {
		return nil, err
	}

	attempt := 0
	var out *response
	op := func() error {
		attempt++
		if err := c.limiter.Wait(ctx); err != nil {
			return backoff.Permanent(fmt.Errorf("%w: %v", ErrUnavailable, err))
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(fmt.Errorf("build inference request: %w", err))
		}
		req.Header.Set("Content-Type", formType)
		req.Header.Set("Accept", "application/json")
		if c.apiKey != "" {
			req.Header.Set("Authorization", "Bearer "+c.apiKey)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(fmt.Errorf("%w: %v", ErrUnavailable, ctx.Err()))
			}
			c.logger.Warn().Err(err).Int("attempt", attempt).Msg("inference request failed")
			return fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
			c.logger.Warn().Int("status", resp.StatusCode).Int("attempt", attempt).Msg("inference service error")
			return fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
		case resp.StatusCode >= 300:
			msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			return backoff.Permanent(fmt.Errorf("%w: status %d: %s", ErrBadResponse, resp.StatusCode, bytes.TrimSpace(msg)))
		}

		var decoded response
		if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
			return backoff.Permanent(fmt.Errorf("%w: %v", ErrBadResponse, err))
		}
		out = &decoded
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.retryInitial
	b.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(c.maxAttempts-1)), ctx)

	if err := backoff.Retry(op, policy); err != nil {
		if errors.Is(err, ErrUnavailable) || errors.Is(err, ErrBadResponse) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return out, nil
}

func encodeForm(filename, contentType, modelName string, data []byte) ([]byte, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	part, err := w.CreatePart(fileHeader(filename, contentType))
	if err != nil {
		return nil, "", err
	}
	if _, err := part.Write(data); err != nil {
		return nil, "", err
	}
	if modelName != "" {
		if err := w.WriteField("model", modelName); err != nil {
			return nil, "", err
		}
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return buf.Bytes(), w.FormDataContentType(), nil
}

func fileHeader(filename, contentType string) textproto.MIMEHeader {
	if filename == "" {
		filename = "image.jpg"
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	return textproto.MIMEHeader{
		"Content-Disposition": {fmt.Sprintf(`form-data; name="file"; filename=%q`, filename)},
		"Content-Type":        {contentType},
	}
}

// Normalize maps class indices to names, rounds confidences to 4 decimals and
// coordinates to 2, orders box corners, and counts detections per class.
// Every known class is present in Counts; unknown only when seen.
func Normalize(modelName string, raw []RawDetection) *Result {
	result := &Result{
		ModelName:  modelName,
		Detections: make([]models.Detection, 0, len(raw)),
		Counts:     models.Counts(labels.ZeroCounts()),
	}

	for _, d := range raw {
		x1, x2 := math.Min(d.BBox.X1, d.BBox.X2), math.Max(d.BBox.X1, d.BBox.X2)
		y1, y2 := math.Min(d.BBox.Y1, d.BBox.Y2), math.Max(d.BBox.Y1, d.BBox.Y2)
		name := labels.Name(d.ClassID)

		result.Detections = append(result.Detections, models.Detection{
			ClassID:    d.ClassID,
			ClassName:  name,
			Confidence: round(d.Confidence, 4),
			BBox: models.BoundingBox{
				X1: round(x1, 2),
				Y1: round(y1, 2),
				X2: round(x2, 2),
				Y2: round(y2, 2),
			},
		})
		result.Counts[name]++
	}
	result.TotalDetections = len(result.Detections)
	return result
}

func round(v float64, places int) float64 {
	p := math.Pow10(places)
	return math.Round(v*p) / p
}
