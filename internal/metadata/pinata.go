// Package metadata pins coupon token metadata to IPFS through Pinata.
package metadata

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"resty.dev/v3"
)

const DefaultPinataURL = "https://api.pinata.cloud"

var ErrNotConfigured = errors.New("metadata store not configured")

type CouponMetadata struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Value       string `json:"value"`
	Expiry      string `json:"expiry"`
	Image       string `json:"image"`
}

type pinResponse struct {
	IpfsHash  string `json:"IpfsHash"`
	PinSize   int64  `json:"PinSize"`
	Timestamp string `json:"Timestamp"`
}

type pinError struct {
	Error any `json:"error"`
}

// PinataClient calls pinJSONToIPFS with a JWT.
type PinataClient struct {
	http   *resty.Client
	jwt    string
	logger *zap.Logger
}

func NewPinataClient(baseURL string, jwt string, timeout time.Duration, logger *zap.Logger) *PinataClient {
	if logger == nil {
		logger = zap.NewNop()
	}
	if baseURL == "" {
		baseURL = DefaultPinataURL
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	client := resty.New().
		SetBaseURL(strings.TrimSuffix(baseURL, "/")).
		SetTimeout(timeout).
		SetHeader("Accept", "application/json")
	return &PinataClient{
		http:   client,
		jwt:    strings.TrimSpace(jwt),
		logger: logger,
	}
}

func (c *PinataClient) Close() error {
	return c.http.Close()
}

// UploadJSON pins v and returns its ipfs:// content address.
func (c *PinataClient) UploadJSON(ctx context.Context, v any) (string, error) {
	if c.jwt == "" {
		return "", ErrNotConfigured
	}

	var result pinResponse
	var failure pinError
	resp, err := c.http.R().
		SetContext(ctx).
		SetAuthToken(c.jwt).
		SetHeader("Content-Type", "application/json").
		SetBody(v).
		SetResult(&result).
		SetError(&failure).
		Post("/pinning/pinJSONToIPFS")
	if err != nil {
		c.logger.Warn("pinata request failed", zap.Error(err))
		return "", fmt.Errorf("pin metadata: %w", err)
	}
	if resp.IsError() {
		return "", fmt.Errorf("pinata returned %d: %v", resp.StatusCode(), failure.Error)
	}
	if result.IpfsHash == "" {
		return "", fmt.Errorf("pinata response missing IpfsHash")
	}
	return "ipfs://" + result.IpfsHash, nil
}
