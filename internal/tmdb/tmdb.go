package tmdb

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/hellowydwyd/Actor-Dataset-Construct/internal/config"
)

// ErrNotFound is returned when a movie or person does not exist upstream.
var ErrNotFound = errors.New("tmdb: not found")

// ErrRateLimited is returned after retries on 429 responses are exhausted.
var ErrRateLimited = errors.New("tmdb: rate limited")

// Client talks to The Movie Database API. Responses for metadata
// lookups are cached in-process so repeated dataset builds for the
// same title do not re-fetch cast lists.
type Client struct {
	parsedURL *url.URL
	imageURL  *url.URL
	apiKey    string
	language  string

	cache *cache.Cache

	maxRetries int
	retryBase  time.Duration
}

// Movie is a search result entry.
type Movie struct {
	ID          int    `json:"id"`
	Title       string `json:"title"`
	ReleaseDate string `json:"release_date"`
	Overview    string `json:"overview"`
}

// CastMember is one credited actor of a movie, in billing order.
type CastMember struct {
	PersonID    int    `json:"id"`
	Name        string `json:"name"`
	Character   string `json:"character"`
	Order       int    `json:"order"`
	ProfilePath string `json:"profile_path"`
}

// IdentityKey returns the stable key used across the store for this
// person. TMDB person IDs never change, names do.
func (c CastMember) IdentityKey() string {
	return fmt.Sprintf("tmdb-person-%d", c.PersonID)
}

// ProfileImage is one portrait of a person.
type ProfileImage struct {
	FilePath    string  `json:"file_path"`
	Width       int     `json:"width"`
	Height      int     `json:"height"`
	VoteAverage float64 `json:"vote_average"`
	VoteCount   int     `json:"vote_count"`
}

// NewClient creates a TMDB client from configuration.
func NewClient(cfg *config.TMDBConfig) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("tmdb: API key is not set")
	}
	parsed, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid TMDB base URL: %w", err)
	}
	img, err := url.Parse(cfg.ImageURL)
	if err != nil {
		return nil, fmt.Errorf("invalid TMDB image URL: %w", err)
	}
	return &Client{
		parsedURL:  parsed,
		imageURL:   img,
		apiKey:     cfg.APIKey,
		language:   cfg.Language,
		cache:      cache.New(30*time.Minute, 10*time.Minute),
		maxRetries: 4,
		retryBase:  500 * time.Millisecond,
	}, nil
}

// resolveURL builds a full API URL from path segments, appending the
// API key and language query parameters.
func (c *Client) resolveURL(pathSegments ...string) string {
	var query string
	if len(pathSegments) > 0 {
		last := pathSegments[len(pathSegments)-1]
		if pathPart, q, ok := strings.Cut(last, "?"); ok {
			pathSegments[len(pathSegments)-1] = pathPart
			query = q
		}
	}
	result := c.parsedURL.JoinPath(pathSegments...)
	values, _ := url.ParseQuery(query)
	values.Set("api_key", c.apiKey)
	if c.language != "" {
		values.Set("language", c.language)
	}
	result.RawQuery = values.Encode()
	return result.String()
}
