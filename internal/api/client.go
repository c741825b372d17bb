package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go-civitai-daemon/internal/models"

	log "github.com/sirupsen/logrus"
)

// Custom Error Types
var (
	ErrRateLimited  = errors.New("API rate limit exceeded")
	ErrUnauthorized = errors.New("API request unauthorized (check API key)")
	ErrNotFound     = errors.New("API resource not found")
	ErrServerError  = errors.New("API server error")
	ErrNoFiles      = errors.New("model version has no downloadable files")
)

const (
	CivitaiApiBaseUrl = "https://civitai.com/api/v1"
	DefaultUserAgent  = "CivitaiDaemon/1.0 (Go)"
)

const defaultAttempts = 3

// Client struct for interacting with the Civitai API
type Client struct {
	ApiKey     string
	BaseURL    string
	UserAgent  string
	HttpClient *http.Client // Use a shared client
	// Backoff is the wait before retry n (1-based). Defaults to n seconds.
	Backoff func(n int) time.Duration
}

// NewClient creates a new API client. An empty baseURL uses the public API.
func NewClient(apiKey string, httpClient *http.Client, baseURL string) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	if baseURL == "" {
		baseURL = CivitaiApiBaseUrl
	}
	log.Debugf("NewClient called (API logging handled by transport if enabled)")

	return &Client{
		ApiKey:     apiKey,
		BaseURL:    strings.TrimRight(baseURL, "/"),
		UserAgent:  DefaultUserAgent,
		HttpClient: httpClient,
		Backoff:    func(n int) time.Duration { return time.Duration(n) * time.Second },
	}
}

// GetModelVersion fetches one model version by ID.
func (c *Client) GetModelVersion(ctx context.Context, versionID int) (models.ModelVersion, error) {
	var version models.ModelVersion
	body, err := c.get(ctx, fmt.Sprintf("%s/model-versions/%d", c.BaseURL, versionID))
	if err != nil {
		return version, fmt.Errorf("model version %d: %w", versionID, err)
	}
	if err := json.Unmarshal(body, &version); err != nil {
		log.Debugf("Response body causing unmarshal error: %s", string(body))
		return version, fmt.Errorf("error unmarshalling model version %d: %w", versionID, err)
	}
	return version, nil
}

// ResolveJob turns a model version ID into a job for its primary file.
func (c *Client) ResolveJob(ctx context.Context, versionID int, priority *int) (*models.Job, error) {
	version, err := c.GetModelVersion(ctx, versionID)
	if err != nil {
		return nil, err
	}
	spec, ok := version.JobSpec()
	if !ok {
		return nil, fmt.Errorf("%w: version %d", ErrNoFiles, versionID)
	}
	spec.Priority = priority
	log.Infof("Resolved version %d to %s (%s, %s)", versionID, spec.Filename, spec.Category, spec.BaseModel)
	return models.NewJob(spec), nil
}

// SearchModels runs a /models search with the given query string and returns
// the response body untouched. The cursor, if any, travels in values.
func (c *Client) SearchModels(ctx context.Context, values url.Values) (json.RawMessage, error) {
	reqURL := c.BaseURL + "/models"
	if enc := values.Encode(); enc != "" {
		reqURL += "?" + enc
	}
	body, err := c.get(ctx, reqURL)
	if err != nil {
		return nil, fmt.Errorf("model search: %w", err)
	}
	if !json.Valid(body) {
		return nil, fmt.Errorf("model search: upstream returned invalid JSON")
	}
	return json.RawMessage(body), nil
}

// GetModels fetches one page of models and returns the cursor of the next page.
func (c *Client) GetModels(ctx context.Context, queryParams models.QueryParameters) (string, models.ModelsPage, error) {
	var page models.ModelsPage
	body, err := c.SearchModels(ctx, ConvertQueryParamsToURLValues(queryParams))
	if err != nil {
		return "", page, err
	}
	if err := json.Unmarshal(body, &page); err != nil {
		log.Debugf("Response body causing unmarshal error: %s", string(body))
		return "", page, fmt.Errorf("error unmarshalling response JSON: %w", err)
	}
	return page.Metadata.NextCursor, page, nil
}

// ConvertQueryParamsToURLValues converts the QueryParameters struct into url.Values
// suitable for Civitai API requests.
func ConvertQueryParamsToURLValues(queryParams models.QueryParameters) url.Values {
	values := url.Values{}
	addNonEmpty := func(key, value string) {
		if value != "" {
			values.Add(key, value)
		}
	}
	addNonEmpty("query", queryParams.Query)
	addNonEmpty("tag", queryParams.Tag)
	addNonEmpty("username", queryParams.Username)
	addNonEmpty("sort", queryParams.Sort)
	addNonEmpty("period", queryParams.Period)
	addNonEmpty("cursor", queryParams.Cursor)
	for _, t := range queryParams.Types {
		values.Add("types", t)
	}
	for _, b := range queryParams.BaseModels {
		values.Add("baseModels", b)
	}
	if queryParams.Nsfw != nil {
		values.Add("nsfw", strconv.FormatBool(*queryParams.Nsfw))
	}
	if queryParams.Limit > 0 {
		values.Add("limit", strconv.Itoa(queryParams.Limit))
	}
	if queryParams.PrimaryFileOnly {
		values.Add("primaryFileOnly", "true")
	}
	return values
}

// get performs a GET with retries on transport errors and 5xx responses.
func (c *Client) get(ctx context.Context, reqURL string) ([]byte, error) {
	var lastErr error
	for attempt := 1; attempt <= defaultAttempts; attempt++ {
		if attempt > 1 {
			select {
			case <-time.After(c.Backoff(attempt - 1)):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
		if err != nil {
			return nil, fmt.Errorf("error creating request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		if c.UserAgent != "" {
			req.Header.Set("User-Agent", c.UserAgent)
		}
		if c.ApiKey != "" {
			req.Header.Set("Authorization", "Bearer "+c.ApiKey)
		}

		resp, err := c.HttpClient.Do(req) // Transport will log if enabled
		if err != nil {
			lastErr = fmt.Errorf("http request failed (attempt %d/%d): %w", attempt, defaultAttempts, err)
			log.WithError(err).Warnf("Retrying API request (%d/%d)...", attempt, defaultAttempts)
			continue
		}

		body, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusOK:
			if readErr != nil {
				return nil, fmt.Errorf("error reading response body: %w", readErr)
			}
			return body, nil
		case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
			return nil, ErrUnauthorized
		case resp.StatusCode == http.StatusNotFound:
			return nil, ErrNotFound
		case resp.StatusCode == http.StatusTooManyRequests:
			lastErr = ErrRateLimited
		case resp.StatusCode >= 500:
			lastErr = fmt.Errorf("%w: status %d", ErrServerError, resp.StatusCode)
		default:
			return nil, fmt.Errorf("API request failed with status %d", resp.StatusCode)
		}
		log.WithError(lastErr).Warnf("Retrying API request (%d/%d)...", attempt, defaultAttempts)
	}
	return nil, lastErr
}
