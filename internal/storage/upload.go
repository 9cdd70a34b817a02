package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"mime/multipart"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/skypro1111/usrp-recorder/internal/audio"
	"github.com/skypro1111/usrp-recorder/internal/transmission"
)

// UploaderConfig contains HTTP upload configuration
type UploaderConfig struct {
	Endpoint   string
	APIKey     string
	Timeout    time.Duration
	MaxRetries int
	Format     string // FormatPCM or FormatWAV
	SampleRate int

	// MaxBackoff caps the delay between retries
	MaxBackoff time.Duration
}

// Uploader posts flushed transmissions to an HTTP endpoint as multipart/form-data
type Uploader struct {
	config     UploaderConfig
	httpClient *http.Client
	logger     *slog.Logger

	// Statistics
	totalRequests   uint64
	successRequests uint64
	failedRequests  uint64
	totalRetries    uint64
	avgResponseTime time.Duration

	mu sync.RWMutex
}

// UploaderStats represents uploader statistics
type UploaderStats struct {
	TotalRequests   uint64        `json:"total_requests"`
	SuccessRequests uint64        `json:"success_requests"`
	FailedRequests  uint64        `json:"failed_requests"`
	SuccessRate     float64       `json:"success_rate"`
	TotalRetries    uint64        `json:"total_retries"`
	AvgResponseTime time.Duration `json:"avg_response_time"`
}

// statusError is a non-2xx response
type statusError struct {
	StatusCode int
	Body       string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("HTTP error %d: %s", e.StatusCode, e.Body)
}

// NewUploader creates a new upload client
func NewUploader(config UploaderConfig, logger *slog.Logger) (*Uploader, error) {
	if config.Endpoint == "" {
		return nil, fmt.Errorf("endpoint cannot be empty")
	}

	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}

	if config.MaxRetries < 0 {
		config.MaxRetries = 0
	}

	if config.Format == "" {
		config.Format = FormatPCM
	}

	if config.SampleRate <= 0 {
		config.SampleRate = audio.DefaultSampleRate
	}

	if config.MaxBackoff <= 0 {
		config.MaxBackoff = 30 * time.Second
	}

	httpClient := &http.Client{
		Timeout: config.Timeout,
		Transport: &http.Transport{
			MaxIdleConns:        10,
			MaxIdleConnsPerHost: 2,
			IdleConnTimeout:     90 * time.Second,
		},
	}

	return &Uploader{
		config:     config,
		httpClient: httpClient,
		logger:     logger,
	}, nil
}

// Store implements Sink
func (u *Uploader) Store(ctx context.Context, req *transmission.FlushRequest) error {
	startTime := time.Now()
	u.incrementTotalRequests()

	var lastErr error

	// Retry loop with exponential backoff
	for attempt := 0; attempt <= u.config.MaxRetries; attempt++ {
		if attempt > 0 {
			u.incrementTotalRetries()

			backoffTime := time.Duration(math.Pow(2, float64(attempt-1))) * time.Second
			if backoffTime > u.config.MaxBackoff {
				backoffTime = u.config.MaxBackoff
			}

			u.logger.Warn("Retrying upload",
				slog.String("transmission_id", req.ID),
				slog.Int("attempt", attempt),
				slog.Duration("backoff", backoffTime),
				slog.String("error", lastErr.Error()))

			select {
			case <-time.After(backoffTime):
			case <-ctx.Done():
				u.incrementFailedRequests()
				return ctx.Err()
			}
		}

		err := u.doRequest(ctx, req)
		if err == nil {
			u.incrementSuccessRequests()
			u.updateAvgResponseTime(time.Since(startTime))
			return nil
		}

		lastErr = err

		if !isRetryableError(err) {
			break
		}
	}

	u.incrementFailedRequests()
	return fmt.Errorf("upload failed after %d attempts: %w", u.config.MaxRetries+1, lastErr)
}

// doRequest performs a single HTTP request to the upload endpoint
func (u *Uploader) doRequest(ctx context.Context, req *transmission.FlushRequest) error {
	body, contentType, err := u.createMultipartRequest(req)
	if err != nil {
		return fmt.Errorf("failed to create multipart request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, u.config.Endpoint, body)
	if err != nil {
		return fmt.Errorf("failed to create HTTP request: %w", err)
	}

	httpReq.Header.Set("Content-Type", contentType)
	if u.config.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+u.config.APIKey)
	}
	httpReq.Header.Set("User-Agent", "usrp-recorder/1.0")

	resp, err := u.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &statusError{StatusCode: resp.StatusCode, Body: string(respBody)}
	}

	return nil
}

// createMultipartRequest creates a multipart/form-data request body
func (u *Uploader) createMultipartRequest(req *transmission.FlushRequest) (io.Reader, string, error) {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	data := req.Audio
	if u.config.Format == FormatWAV {
		wav, err := audio.EncodePCM16WAV(req.Audio, u.config.SampleRate)
		if err != nil {
			return nil, "", fmt.Errorf("failed to encode WAV: %w", err)
		}
		data = wav
	}

	filename := Filename(req.Group, req.EndTime, req.Callsign, u.config.Format)
	fileWriter, err := writer.CreateFormFile("file", filename)
	if err != nil {
		return nil, "", fmt.Errorf("failed to create form file: %w", err)
	}

	if _, err := fileWriter.Write(data); err != nil {
		return nil, "", fmt.Errorf("failed to write audio data: %w", err)
	}

	fields := []struct{ key, value string }{
		{"id", req.ID},
		{"group", req.Group},
		{"callsign", req.Callsign},
		{"talkgroup", strconv.FormatUint(uint64(req.Talkgroup), 10)},
		{"start_time", req.StartTime.UTC().Format(time.RFC3339)},
		{"end_time", req.EndTime.UTC().Format(time.RFC3339)},
		{"duration", fmt.Sprintf("%.3f", req.Duration().Seconds())},
		{"sample_rate", strconv.Itoa(u.config.SampleRate)},
		{"format", u.config.Format},
	}

	for _, f := range fields {
		if err := writer.WriteField(f.key, f.value); err != nil {
			return nil, "", fmt.Errorf("failed to write field %s: %w", f.key, err)
		}
	}

	if err := writer.Close(); err != nil {
		return nil, "", fmt.Errorf("failed to close multipart writer: %w", err)
	}

	return &buf, writer.FormDataContentType(), nil
}

// isRetryableError reports whether a failed upload should be attempted again
func isRetryableError(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var se *statusError
	if errors.As(err, &se) {
		return se.StatusCode >= 500 || se.StatusCode == http.StatusTooManyRequests
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	return false
}

// Statistics methods
func (u *Uploader) incrementTotalRequests() {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.totalRequests++
}

func (u *Uploader) incrementSuccessRequests() {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.successRequests++
}

func (u *Uploader) incrementFailedRequests() {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.failedRequests++
}

func (u *Uploader) incrementTotalRetries() {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.totalRetries++
}

func (u *Uploader) updateAvgResponseTime(responseTime time.Duration) {
	u.mu.Lock()
	defer u.mu.Unlock()

	// Simple moving average
	if u.avgResponseTime == 0 {
		u.avgResponseTime = responseTime
	} else {
		u.avgResponseTime = (u.avgResponseTime + responseTime) / 2
	}
}

// GetStats returns current uploader statistics
func (u *Uploader) GetStats() UploaderStats {
	u.mu.RLock()
	defer u.mu.RUnlock()

	successRate := float64(0)
	if u.totalRequests > 0 {
		successRate = float64(u.successRequests) / float64(u.totalRequests) * 100
	}

	return UploaderStats{
		TotalRequests:   u.totalRequests,
		SuccessRequests: u.successRequests,
		FailedRequests:  u.failedRequests,
		SuccessRate:     successRate,
		TotalRetries:    u.totalRetries,
		AvgResponseTime: u.avgResponseTime,
	}
}
