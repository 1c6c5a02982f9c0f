package flickr

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
	"unicode/utf8"

	"flickrtwin/pkg/errors"
	"flickrtwin/pkg/logger"
	"flickrtwin/pkg/metrics"
)

// minAPIKeyLength rejects obviously unset keys before any network I/O
const minAPIKeyLength = 6

// Client is a REST client for the three favorite-graph methods.
// It performs exactly one HTTP request per call and never retries.
type Client struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	logger     logger.Logger
	metrics    *metrics.Metrics
}

// NewClient creates a new client. timeout bounds every HTTP request.
func NewClient(apiKey string, timeout time.Duration, log logger.Logger) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    BaseURL,
		apiKey:     apiKey,
		logger:     logger.OrDefault(log),
	}
}

// SetBaseURL points the client at another endpoint
func (c *Client) SetBaseURL(baseURL string) {
	c.baseURL = baseURL
}

// SetAPIKey replaces the API key
func (c *Client) SetAPIKey(apiKey string) {
	c.apiKey = apiKey
}

// SetMetrics enables call metrics
func (c *Client) SetMetrics(m *metrics.Metrics) {
	c.metrics = m
}

// GetImageFavorites fetches one page of the users who favorited a photo
func (c *Client) GetImageFavorites(ctx context.Context, photoID string, page int) (*PhotoFavorites, error) {
	var out PhotoFavorites
	if err := c.call(ctx, MethodImageFavorites, imageFavoritesParams(photoID, page), "photo", &out); err != nil {
		return nil, fmt.Errorf("favorites of photo %s page %d: %w", photoID, page, err)
	}
	return &out, nil
}

// GetUserFavorites fetches one page of a user's public favorites
func (c *Client) GetUserFavorites(ctx context.Context, userID string, page int) (*UserFavorites, error) {
	var out UserFavorites
	if err := c.call(ctx, MethodUserFavorites, userFavoritesParams(userID, page), "photos", &out); err != nil {
		return nil, fmt.Errorf("favorites of user %s page %d: %w", userID, page, err)
	}
	return &out, nil
}

// GetPhotoInfo fetches the metadata of a single photo
func (c *Client) GetPhotoInfo(ctx context.Context, photoID string) (*PhotoInfo, error) {
	var out PhotoInfo
	if err := c.call(ctx, MethodPhotoInfo, photoInfoParams(photoID), "photo", &out); err != nil {
		return nil, fmt.Errorf("info of photo %s: %w", photoID, err)
	}
	return &out, nil
}

// call performs one REST call and decodes the payload found under key into target
func (c *Client) call(ctx context.Context, method string, params url.Values, key string, target interface{}) error {
	if len(c.apiKey) < minAPIKeyLength {
		return errors.ErrNoAPIKey
	}

	start := time.Now()
	body, err := c.get(ctx, MethodURL(c.baseURL, c.apiKey, method, params), method)
	if err != nil {
		c.metrics.ObserveCall(method, string(errors.TypeOf(err)), time.Since(start))
		return err
	}

	err = decode(body, key, target)
	c.metrics.ObserveCall(method, outcome(err), time.Since(start))
	if err != nil {
		fields := map[string]interface{}{
			"method": method,
			"error":  err.Error(),
		}
		if errors.TypeOf(err) == errors.ErrorTypeMalformedResponse {
			fields["body_preview"] = preview(body)
		}
		c.logger.WarnWithFields("API call failed", fields)
		return err
	}
	return nil
}

// get performs the HTTP request and returns the body of a 200 response
func (c *Client) get(ctx context.Context, rawURL, method string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, &errors.Error{
			Type:    errors.ErrorTypeUnknown,
			Message: fmt.Sprintf("failed to create request: %v", err),
		}
	}
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	c.logger.DebugWithFields("sending API request", map[string]interface{}{
		"method": method,
	})

	resp, err := c.httpClient.Do(req)
	duration := time.Since(start)
	if err != nil {
		c.logger.ErrorWithFields("HTTP request failed", map[string]interface{}{
			"method":   method,
			"error":    err.Error(),
			"duration": duration,
		})
		return nil, &errors.Error{
			Type:    errors.ErrorTypeNetwork,
			Message: fmt.Sprintf("network error: %v", err),
		}
	}
	defer resp.Body.Close()

	c.logger.DebugWithFields("API request completed", map[string]interface{}{
		"method":   method,
		"status":   resp.StatusCode,
		"duration": duration,
	})

	if resp.StatusCode != http.StatusOK {
		return nil, &errors.Error{
			Type:    errors.ErrorTypeHTTP,
			Message: fmt.Sprintf("unexpected status: %s", resp.Status),
			Code:    resp.StatusCode,
		}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &errors.Error{
			Type:    errors.ErrorTypeNetwork,
			Message: fmt.Sprintf("failed to read response body: %v", err),
			Code:    resp.StatusCode,
		}
	}
	return body, nil
}

// decode checks the status envelope and unmarshals the payload under key
func decode(body []byte, key string, target interface{}) error {
	var st status
	if err := json.Unmarshal(body, &st); err != nil {
		return errors.NewMalformedResponse("invalid JSON: %v", err)
	}
	if st.Stat != "ok" {
		if st.Stat == "" {
			return errors.NewMalformedResponse("missing stat field")
		}
		return errors.NewAPIError(st.Code, st.Message)
	}

	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(body, &envelope); err != nil {
		return errors.NewMalformedResponse("invalid JSON: %v", err)
	}
	raw, ok := envelope[key]
	if !ok || bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return errors.NewMalformedResponse("missing %q in response", key)
	}
	if err := json.Unmarshal(raw, target); err != nil {
		return errors.NewMalformedResponse("unexpected %q shape: %v", key, err)
	}
	return nil
}

const previewLen = 200

func outcome(err error) string {
	if err == nil {
		return "ok"
	}
	return string(errors.TypeOf(err))
}

// preview cuts body to at most previewLen bytes without splitting a rune
func preview(body []byte) string {
	if len(body) <= previewLen {
		return string(body)
	}
	cut := previewLen
	for cut > 0 && !utf8.RuneStart(body[cut]) {
		cut--
	}
	return string(body[:cut]) + "..."
}
