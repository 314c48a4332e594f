// Package randomuser pulls synthetic user data from the randomuser.me
// API, the external source import jobs draw from.
package randomuser

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/oriys/vega/internal/domain"
)

const (
	// DefaultBaseURL is the public randomuser.me endpoint.
	DefaultBaseURL = "https://randomuser.me"

	// MaxPerRequest caps results per call; the API refuses larger pages.
	MaxPerRequest = 5000

	// Nationality filter keeps the generated data latin-scripted.
	nationalities = "us,ca,au,gb,in"
)

// Client fetches batches of synthetic users.
type Client struct {
	baseURL string
	http    *http.Client
}

// New creates a client. Empty baseURL selects the public API.
func New(baseURL string, timeout time.Duration) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout},
	}
}

// apiResponse mirrors the slice of the randomuser.me payload we use.
type apiResponse struct {
	Results []struct {
		Gender string `json:"gender"`
		Name   struct {
			First string `json:"first"`
			Last  string `json:"last"`
		} `json:"name"`
		Location struct {
			City  string `json:"city"`
			State string `json:"state"`
		} `json:"location"`
		Email string `json:"email"`
		Phone string `json:"phone"`
		Dob   struct {
			Age int `json:"age"`
		} `json:"dob"`
	} `json:"results"`
}

// FetchUsers retrieves count users in one API call. count is clamped
// to MaxPerRequest; callers loop for larger imports.
func (c *Client) FetchUsers(ctx context.Context, count int) ([]domain.User, error) {
	if count <= 0 {
		return nil, fmt.Errorf("count must be positive, got %d", count)
	}
	if count > MaxPerRequest {
		count = MaxPerRequest
	}

	q := url.Values{}
	q.Set("results", strconv.Itoa(count))
	q.Set("nat", nationalities)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("build randomuser request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch random users: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("randomuser API returned %d: %s", resp.StatusCode, body)
	}

	var parsed apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decode randomuser response: %w", err)
	}

	users := make([]domain.User, 0, len(parsed.Results))
	for _, r := range parsed.Results {
		users = append(users, domain.User{
			FirstName: r.Name.First,
			LastName:  r.Name.Last,
			Email:     r.Email,
			Gender:    r.Gender,
			Age:       r.Dob.Age,
			City:      r.Location.City,
			State:     r.Location.State,
			Phone:     r.Phone,
		})
	}
	return users, nil
}
