package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"ftlbridge/pkg/ftl"
)

const (
	DefaultRESTAttempts      = 5
	DefaultRESTRetryInterval = 3 * time.Second
	DefaultRESTTimeout       = 5 * time.Second
)

// RESTConfig configures the HTTP control plane.
type RESTConfig struct {
	// BaseURL is prefixed to every endpoint, e.g. "https://api.example.com/ftl".
	BaseURL       string
	AuthToken     string
	Timeout       time.Duration
	Attempts      int
	RetryInterval time.Duration
}

// REST talks to a control plane over HTTP:
//
//	GET  {base}/hmac/{channel}     -> {"hmacKey": "..."}
//	POST {base}/start/{channel}    -> {"streamId": 1}
//	POST {base}/metadata/{stream}  -> {"endStream": false}
//	POST {base}/end/{stream}
//
// Transport errors, 5xx and 429 responses are retried.
type REST struct {
	baseURL       string
	token         string
	client        *http.Client
	attempts      int
	retryInterval time.Duration
	logger        *slog.Logger
}

type hmacResponse struct {
	HmacKey string `json:"hmacKey"`
}

type startRequest struct {
	ProtocolVersion string `json:"protocolVersion"`
	VendorName      string `json:"vendorName,omitempty"`
	VendorVersion   string `json:"vendorVersion,omitempty"`
	HasVideo        bool   `json:"hasVideo"`
	VideoCodec      string `json:"videoCodec,omitempty"`
	VideoWidth      uint32 `json:"videoWidth,omitempty"`
	VideoHeight     uint32 `json:"videoHeight,omitempty"`
	HasAudio        bool   `json:"hasAudio"`
	AudioCodec      string `json:"audioCodec,omitempty"`
}

type startResponse struct {
	StreamID uint32 `json:"streamId"`
}

type metadataRequest struct {
	IngestServer      string `json:"ingestServer"`
	StreamTimeSeconds uint32 `json:"streamTimeSeconds"`
	VendorName        string `json:"vendorName"`
	VendorVersion     string `json:"vendorVersion"`
	VideoCodec        string `json:"videoCodec"`
	VideoWidth        uint32 `json:"videoWidth"`
	VideoHeight       uint32 `json:"videoHeight"`
	AudioCodec        string `json:"audioCodec"`
	IngestBitrateBps  uint64 `json:"ingestBitrateBps"`
	PacketsReceived   uint64 `json:"packetsReceived"`
	PacketsLost       uint64 `json:"packetsLost"`
	PacketsNacked     uint64 `json:"packetsNacked"`
}

type metadataResponse struct {
	EndStream bool `json:"endStream"`
}

// statusError is a non-2xx response.
type statusError struct {
	Code   int
	Status string
	Body   string
}

func (e *statusError) Error() string {
	if e.Body == "" {
		return e.Status
	}
	return fmt.Sprintf("%s: %s", e.Status, e.Body)
}

func statusCode(err error) int {
	var se *statusError
	if errors.As(err, &se) {
		return se.Code
	}
	return 0
}

// NewREST creates an HTTP control plane. client may be nil.
func NewREST(cfg RESTConfig, client *http.Client, logger *slog.Logger) (*REST, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, errors.New("rest control plane: base url is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultRESTTimeout
	}
	if cfg.Attempts <= 0 {
		cfg.Attempts = DefaultRESTAttempts
	}
	if cfg.RetryInterval < 0 {
		cfg.RetryInterval = 0
	} else if cfg.RetryInterval == 0 {
		cfg.RetryInterval = DefaultRESTRetryInterval
	}
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &REST{
		baseURL:       strings.TrimRight(cfg.BaseURL, "/"),
		token:         strings.TrimSpace(cfg.AuthToken),
		client:        client,
		attempts:      cfg.Attempts,
		retryInterval: cfg.RetryInterval,
		logger:        logger.With("service", "rest"),
	}, nil
}

func (r *REST) AuthorizeChannel(ctx context.Context, channel ftl.ChannelID) ([]byte, error) {
	var resp hmacResponse
	err := r.do(ctx, http.MethodGet, fmt.Sprintf("hmac/%d", channel), nil, &resp)
	if err != nil {
		if statusCode(err) == http.StatusNotFound {
			return nil, fmt.Errorf("%w: %d", ftl.ErrChannelNotFound, channel)
		}
		return nil, fmt.Errorf("get hmac key: %w", err)
	}
	if resp.HmacKey == "" {
		return nil, fmt.Errorf("%w: %d has no key", ftl.ErrChannelNotFound, channel)
	}
	return []byte(resp.HmacKey), nil
}

func (r *REST) RegisterStreamStart(ctx context.Context, channel ftl.ChannelID, md ftl.MediaMetadata) (ftl.StreamID, error) {
	req := startRequest{
		ProtocolVersion: md.ProtocolVersion(),
		VendorName:      md.VendorName,
		VendorVersion:   md.VendorVersion,
		HasVideo:        md.HasVideo,
		VideoCodec:      md.VideoCodec,
		VideoWidth:      md.VideoWidth,
		VideoHeight:     md.VideoHeight,
		HasAudio:        md.HasAudio,
		AudioCodec:      md.AudioCodec,
	}

	var resp startResponse
	if err := r.do(ctx, http.MethodPost, fmt.Sprintf("start/%d", channel), req, &resp); err != nil {
		if code := statusCode(err); code >= 400 && code < 500 {
			return 0, fmt.Errorf("%w: %v", ftl.ErrStreamRejected, err)
		}
		return 0, fmt.Errorf("start stream: %w", err)
	}
	if resp.StreamID == 0 {
		return 0, fmt.Errorf("%w: no stream id returned", ftl.ErrStreamRejected)
	}
	return ftl.StreamID(resp.StreamID), nil
}

func (r *REST) UpdateStreamMetadata(ctx context.Context, stream ftl.StreamID, md ftl.StreamMetadata) (ftl.ServiceResponse, error) {
	req := metadataRequest{
		IngestServer:      md.IngestServer,
		StreamTimeSeconds: md.StreamTimeSeconds,
		VendorName:        md.VendorName,
		VendorVersion:     md.VendorVersion,
		VideoCodec:        md.VideoCodec,
		VideoWidth:        md.VideoWidth,
		VideoHeight:       md.VideoHeight,
		AudioCodec:        md.AudioCodec,
		IngestBitrateBps:  md.IngestBitrateBps,
		PacketsReceived:   md.PacketsReceived,
		PacketsLost:       md.PacketsLost,
		PacketsNacked:     md.PacketsNacked,
	}

	var resp metadataResponse
	if err := r.do(ctx, http.MethodPost, fmt.Sprintf("metadata/%d", stream), req, &resp); err != nil {
		return ftl.ServiceResponse{}, fmt.Errorf("update stream metadata: %w", err)
	}
	return ftl.ServiceResponse{EndStream: resp.EndStream}, nil
}

func (r *REST) RegisterStreamEnd(ctx context.Context, stream ftl.StreamID) error {
	if err := r.do(ctx, http.MethodPost, fmt.Sprintf("end/%d", stream), nil, nil); err != nil {
		return fmt.Errorf("end stream: %w", err)
	}
	return nil
}

func (r *REST) do(ctx context.Context, method, path string, payload any, dest any) error {
	var body []byte
	if payload != nil {
		var err error
		if body, err = json.Marshal(payload); err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
	}
	url := r.baseURL + "/" + path

	var lastErr error
	for attempt := 1; attempt <= r.attempts; attempt++ {
		lastErr = r.once(ctx, method, url, body, dest)
		if lastErr == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if code := statusCode(lastErr); code != 0 && code < 500 && code != http.StatusTooManyRequests {
			return lastErr
		}
		if attempt == r.attempts {
			break
		}

		r.logger.Warn("Control plane request failed", "method", method, "url", url, "attempt", attempt, "err", lastErr)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(r.retryInterval):
		}
	}
	return lastErr
}

func (r *REST) once(ctx context.Context, method, url string, body []byte, dest any) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if r.token != "" {
		req.Header.Set("Authorization", "Bearer "+r.token)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return &statusError{Code: resp.StatusCode, Status: resp.Status, Body: strings.TrimSpace(string(data))}
	}
	if dest == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(dest); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
