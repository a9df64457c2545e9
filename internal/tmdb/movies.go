package tmdb

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
)

type searchResponse struct {
	Results []Movie `json:"results"`
}

type creditsResponse struct {
	Cast []CastMember `json:"cast"`
}

type personImagesResponse struct {
	Profiles []ProfileImage `json:"profiles"`
}

// SearchMovie finds a movie by title, optionally narrowed by release
// year (0 means any year). The best-ranked match is first.
func (c *Client) SearchMovie(ctx context.Context, title string, year int) ([]Movie, error) {
	cacheKey := fmt.Sprintf("search:%s:%d", title, year)
	if v, ok := c.cache.Get(cacheKey); ok {
		return v.([]Movie), nil
	}

	query := "query=" + url.QueryEscape(title)
	if year > 0 {
		query += "&year=" + strconv.Itoa(year)
	}
	resp, err := doGetJSON[searchResponse](ctx, c, "search", "movie?"+query)
	if err != nil {
		return nil, fmt.Errorf("search movie %q: %w", title, err)
	}
	if len(resp.Results) == 0 {
		return nil, fmt.Errorf("search movie %q: %w", title, ErrNotFound)
	}

	c.cache.SetDefault(cacheKey, resp.Results)
	return resp.Results, nil
}

// GetCast returns a movie's credited cast in billing order, capped at
// topN entries (0 means all).
func (c *Client) GetCast(ctx context.Context, movieID, topN int) ([]CastMember, error) {
	cacheKey := fmt.Sprintf("cast:%d", movieID)
	cast, ok := cachedCast(c, cacheKey)
	if !ok {
		resp, err := doGetJSON[creditsResponse](ctx, c, "movie", strconv.Itoa(movieID), "credits")
		if err != nil {
			return nil, fmt.Errorf("get cast for movie %d: %w", movieID, err)
		}
		cast = resp.Cast
		sort.SliceStable(cast, func(i, j int) bool { return cast[i].Order < cast[j].Order })
		c.cache.SetDefault(cacheKey, cast)
	}

	if topN > 0 && len(cast) > topN {
		cast = cast[:topN]
	}
	return cast, nil
}

func cachedCast(c *Client, key string) ([]CastMember, bool) {
	v, ok := c.cache.Get(key)
	if !ok {
		return nil, false
	}
	return v.([]CastMember), true
}

// GetPersonImages returns the available portraits of a person, best
// community rating first.
func (c *Client) GetPersonImages(ctx context.Context, personID int) ([]ProfileImage, error) {
	cacheKey := fmt.Sprintf("person-images:%d", personID)
	if v, ok := c.cache.Get(cacheKey); ok {
		return v.([]ProfileImage), nil
	}

	resp, err := doGetJSON[personImagesResponse](ctx, c, "person", strconv.Itoa(personID), "images")
	if err != nil {
		return nil, fmt.Errorf("get images for person %d: %w", personID, err)
	}

	profiles := resp.Profiles
	sort.SliceStable(profiles, func(i, j int) bool {
		return profiles[i].VoteAverage > profiles[j].VoteAverage
	})
	c.cache.SetDefault(cacheKey, profiles)
	return profiles, nil
}

// GetImage downloads one image file at the given size class
// (e.g. "original", "w500"). Image bytes are never cached.
func (c *Client) GetImage(ctx context.Context, filePath, size string) ([]byte, error) {
	if size == "" {
		size = "original"
	}
	imgURL := c.imageURL.JoinPath(size, filePath).String()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, imgURL, nil)
	if err != nil {
		return nil, fmt.Errorf("could not create request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req) //nolint:gosec // URL constructed from validated imageURL
	if err != nil {
		return nil, fmt.Errorf("could not send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("image download failed with status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("could not read image body: %w", err)
	}
	return body, nil
}
