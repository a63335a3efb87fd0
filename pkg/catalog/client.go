package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/jellydator/ttlcache/v3"
)

const (
	// backoffMultiplier is the exponential backoff multiplier for retry attempts
	backoffMultiplier = 2.0

	// draftCacheTTL bounds how long a draft-version response is reused
	// within one process. Draft content is mutable, so entries expire and
	// are revalidated; published entries are pinned for the process.
	draftCacheTTL = 5 * time.Minute

	pageSize = 1000
)

// applyJitter applies symmetric jitter to a duration.
//
// The jitter creates a random duration centered on the input duration,
// varying by jitterFactor (+ or -). Returns the original duration if
// jitterFactor is 0 or negative.
func applyJitter(duration time.Duration, jitterFactor float64) time.Duration {
	if jitterFactor <= 0 {
		return duration
	}

	//nolint:gosec // Using non-cryptographic random for jitter is acceptable
	multiplier := 1.0 + (rand.Float64()*2.0-1.0)*jitterFactor
	return time.Duration(float64(duration) * multiplier)
}

// Config holds catalog client configuration
//
//nolint:govet // Field alignment is less important than readability for config structs
type Config struct {
	Logger *slog.Logger

	// BaseURL is the archive API root, e.g. "https://api.dandiarchive.org/api".
	BaseURL string

	// RequestTimeout bounds one HTTP round trip.
	RequestTimeout time.Duration

	// MaxRetries is the maximum number of retry attempts for transient failures
	MaxRetries int
	// InitialBackoff is the initial backoff duration for retry attempts
	InitialBackoff time.Duration
	// MaxBackoff is the maximum backoff duration for retry attempts
	MaxBackoff time.Duration
	// BackoffJitterFactor is the jitter factor for backoff (0.0 to 1.0)
	BackoffJitterFactor float64
}

// Client queries the archive catalog over HTTP with bounded retries and
// memoizes responses in-process.
type Client struct {
	cfg        Config
	httpClient *http.Client
	logger     *slog.Logger

	// cache memoizes decoded responses by request path. Draft entries get
	// draftCacheTTL; everything else is immutable and lives for the
	// process.
	cache *ttlcache.Cache[string, any]
}

// NewClient creates a catalog client.
func NewClient(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("catalog base URL is required")
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("invalid catalog base URL: %w", err)
	}
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = 30 * time.Second
	}

	cache := ttlcache.New[string, any]()
	go cache.Start()

	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.RequestTimeout},
		logger:     cfg.Logger,
		cache:      cache,
	}, nil
}

// Close stops the cache janitor.
func (c *Client) Close() {
	c.cache.Stop()
}

// permanentStatusError marks HTTP responses that retrying cannot fix.
type permanentStatusError struct {
	statusCode int
	url        string
}

func (e *permanentStatusError) Error() string {
	return fmt.Sprintf("catalog returned status %d for %s", e.statusCode, e.url)
}

// IsPermanentError determines if a catalog error is permanent or transient.
// Client-side errors (4xx except 429) won't be fixed by retrying; network
// failures and server-side errors are transient.
func IsPermanentError(err error) bool {
	var statusErr *permanentStatusError
	return errors.As(err, &statusErr)
}

// retryWithBackoff executes an operation with exponential backoff retry logic
func (c *Client) retryWithBackoff(ctx context.Context, operation func() error, operationName string) error {
	var lastErr error
	backoff := c.cfg.InitialBackoff

	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			actualBackoff := applyJitter(backoff, c.cfg.BackoffJitterFactor)

			c.logger.Info(fmt.Sprintf("retrying %s after backoff", operationName),
				"attempt", attempt,
				"backoffSeconds", actualBackoff.Seconds())

			select {
			case <-time.After(actualBackoff):
			case <-ctx.Done():
				return ctx.Err()
			}

			backoff = time.Duration(float64(backoff) * backoffMultiplier)
			if backoff > c.cfg.MaxBackoff {
				backoff = c.cfg.MaxBackoff
			}
		}

		err := operation()
		if err == nil {
			return nil
		}

		if IsPermanentError(err) {
			c.logger.Error(fmt.Sprintf("permanent error, not retrying %s", operationName), "error", err)
			return err
		}

		lastErr = err
		c.logger.Warn(fmt.Sprintf("transient error, will retry %s", operationName),
			"attempt", attempt,
			"error", err)
	}

	return fmt.Errorf("max retries (%d) exceeded for %s: %w", c.cfg.MaxRetries, operationName, lastErr)
}

// getJSON fetches one URL and decodes the response into target, retrying
// transient failures.
func (c *Client) getJSON(ctx context.Context, requestURL string, target any) error {
	return c.retryWithBackoff(ctx, func() error {
		request, err := http.NewRequestWithContext(ctx, http.MethodGet, requestURL, nil)
		if err != nil {
			return err
		}
		request.Header.Set("Accept", "application/json")

		response, err := c.httpClient.Do(request)
		if err != nil {
			return fmt.Errorf("catalog request failed: %w", err)
		}
		defer func() { _ = response.Body.Close() }()

		if response.StatusCode != http.StatusOK {
			_, _ = io.Copy(io.Discard, response.Body)
			if response.StatusCode >= 400 && response.StatusCode < 500 &&
				response.StatusCode != http.StatusTooManyRequests {
				return &permanentStatusError{statusCode: response.StatusCode, url: requestURL}
			}
			return fmt.Errorf("catalog returned status %d for %s", response.StatusCode, requestURL)
		}

		if err := json.NewDecoder(response.Body).Decode(target); err != nil {
			return fmt.Errorf("failed to decode catalog response: %w", err)
		}
		return nil
	}, "catalog query "+requestURL)
}

// Paginated response envelope shared by all listing endpoints.
type page[T any] struct {
	Count   int     `json:"count"`
	Next    *string `json:"next"`
	Results []T     `json:"results"`
}

// getAllPages follows the "next" links of a paginated listing.
func getAllPages[T any](ctx context.Context, c *Client, firstURL string) ([]T, error) {
	var results []T
	nextURL := firstURL
	for nextURL != "" {
		var currentPage page[T]
		if err := c.getJSON(ctx, nextURL, &currentPage); err != nil {
			return nil, err
		}
		results = append(results, currentPage.Results...)
		if currentPage.Next == nil {
			break
		}
		nextURL = *currentPage.Next
	}
	return results, nil
}

type datasetResult struct {
	Identifier string `json:"identifier"`
}

type versionResult struct {
	Version string `json:"version"`
}

type assetResult struct {
	AssetID string  `json:"asset_id"`
	Path    string  `json:"path"`
	Blob    *string `json:"blob"`
	Zarr    *string `json:"zarr"`
}

// ListDatasets returns the identifiers of all known datasets.
func (c *Client) ListDatasets(ctx context.Context) ([]string, error) {
	cacheKey := "datasets"
	if item := c.cache.Get(cacheKey); item != nil {
		return item.Value().([]string), nil
	}

	listURL := fmt.Sprintf("%s/dandisets/?page_size=%d", strings.TrimRight(c.cfg.BaseURL, "/"), pageSize)
	results, err := getAllPages[datasetResult](ctx, c, listURL)
	if err != nil {
		return nil, fmt.Errorf("failed to list datasets: %w", err)
	}

	identifiers := make([]string, 0, len(results))
	for _, result := range results {
		identifiers = append(identifiers, result.Identifier)
	}

	// The dataset listing changes as datasets are created; treat it like
	// draft content.
	c.cache.Set(cacheKey, identifiers, draftCacheTTL)
	return identifiers, nil
}

// ListVersions returns a dataset's version identifiers, the draft included.
func (c *Client) ListVersions(ctx context.Context, datasetID string) ([]string, error) {
	cacheKey := "versions/" + datasetID
	if item := c.cache.Get(cacheKey); item != nil {
		return item.Value().([]string), nil
	}

	listURL := fmt.Sprintf("%s/dandisets/%s/versions/?page_size=%d",
		strings.TrimRight(c.cfg.BaseURL, "/"), datasetID, pageSize)
	results, err := getAllPages[versionResult](ctx, c, listURL)
	if err != nil {
		return nil, fmt.Errorf("failed to list versions of dataset %s: %w", datasetID, err)
	}

	versions := make([]string, 0, len(results))
	hasDraft := false
	for _, result := range results {
		if result.Version == DraftVersionID {
			hasDraft = true
		}
		versions = append(versions, result.Version)
	}
	if !hasDraft {
		versions = append(versions, DraftVersionID)
	}

	c.cache.Set(cacheKey, versions, draftCacheTTL)
	return versions, nil
}

// GetManifest returns the object-key manifest for one dataset version.
func (c *Client) GetManifest(ctx context.Context, datasetID, versionID string) (*Manifest, error) {
	cacheKey := "manifest/" + datasetID + "/" + versionID
	if item := c.cache.Get(cacheKey); item != nil {
		return item.Value().(*Manifest), nil
	}

	listURL := fmt.Sprintf("%s/dandisets/%s/versions/%s/assets/?page_size=%d",
		strings.TrimRight(c.cfg.BaseURL, "/"), datasetID, versionID, pageSize)
	results, err := getAllPages[assetResult](ctx, c, listURL)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch manifest of %s/%s: %w", datasetID, versionID, err)
	}

	manifest := &Manifest{
		DatasetID:  datasetID,
		VersionID:  versionID,
		PathsByKey: make(map[string]string, len(results)),
	}
	for _, asset := range results {
		switch {
		case asset.Zarr != nil && *asset.Zarr != "":
			manifest.PathsByKey[ZarrObjectKey(*asset.Zarr)] = asset.Path
		case asset.Blob != nil && *asset.Blob != "":
			objectKey, err := BlobObjectKey(*asset.Blob)
			if err != nil {
				c.logger.Warn("skipping asset with malformed blob id",
					"dataset", datasetID, "version", versionID,
					"assetId", asset.AssetID, "error", err)
				continue
			}
			manifest.PathsByKey[objectKey] = asset.Path
		default:
			c.logger.Warn("skipping asset with neither blob nor zarr id",
				"dataset", datasetID, "version", versionID, "assetId", asset.AssetID)
		}
	}

	ttl := ttlcache.NoTTL
	if manifest.IsDraft() {
		ttl = draftCacheTTL
	}
	c.cache.Set(cacheKey, manifest, ttl)
	return manifest, nil
}
