package githubapi

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// User identifies the principal behind a token, per GET /user.
type User struct {
	Login string `json:"login"`
	Name  string `json:"name"`
	Email string `json:"email"`
}

// Repository is the subset of repository fields the tools surface.
type Repository struct {
	Name        string    `json:"name"`
	FullName    string    `json:"full_name"`
	Private     bool      `json:"private"`
	Description string    `json:"description"`
	HTMLURL     string    `json:"html_url"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// RateLimit is the core resource quota, per GET /rate_limit.
type RateLimit struct {
	Limit     int   `json:"limit"`
	Remaining int   `json:"remaining"`
	Used      int   `json:"used"`
	Reset     int64 `json:"reset"`
}

var (
	validRepoTypes = []string{"all", "owner", "public", "private", "member"}
	validSorts     = []string{"created", "updated", "pushed", "full_name"}
)

// ValidateToken checks the token against the identity endpoint and returns
// who it belongs to. A 401 means the token is bad.
func (c *Client) ValidateToken(ctx context.Context) (*User, error) {
	var u User
	if err := c.get(ctx, "/user", nil, &u); err != nil {
		return nil, err
	}
	return &u, nil
}

// ListRepositories pages through the authenticated user's repositories.
func (c *Client) ListRepositories(ctx context.Context, repoType, sort string) ([]Repository, error) {
	if repoType == "" {
		repoType = "all"
	}
	if sort == "" {
		sort = "updated"
	}
	if !contains(validRepoTypes, repoType) {
		return nil, fmt.Errorf("repo type must be one of: %s", strings.Join(validRepoTypes, ", "))
	}
	if !contains(validSorts, sort) {
		return nil, fmt.Errorf("sort must be one of: %s", strings.Join(validSorts, ", "))
	}

	q := url.Values{}
	q.Set("type", repoType)
	q.Set("sort", sort)
	q.Set("direction", "desc")
	return c.paginate(ctx, "/user/repos", q)
}

// ListOrgRepositories pages through an organization's repositories.
func (c *Client) ListOrgRepositories(ctx context.Context, org, repoType string) ([]Repository, error) {
	if org == "" {
		return nil, fmt.Errorf("org is required")
	}
	if repoType == "" {
		repoType = "all"
	}
	if !contains(validRepoTypes, repoType) {
		return nil, fmt.Errorf("repo type must be one of: %s", strings.Join(validRepoTypes, ", "))
	}

	q := url.Values{}
	q.Set("type", repoType)
	return c.paginate(ctx, "/orgs/"+url.PathEscape(org)+"/repos", q)
}

// GetRepository fetches one repository.
func (c *Client) GetRepository(ctx context.Context, owner, repo string) (*Repository, error) {
	if owner == "" || repo == "" {
		return nil, fmt.Errorf("owner and repo are required")
	}
	var r Repository
	path := "/repos/" + url.PathEscape(owner) + "/" + url.PathEscape(repo)
	if err := c.get(ctx, path, nil, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// CoreRateLimit returns the current core quota.
func (c *Client) CoreRateLimit(ctx context.Context) (*RateLimit, error) {
	var payload struct {
		Resources struct {
			Core RateLimit `json:"core"`
		} `json:"resources"`
	}
	if err := c.get(ctx, "/rate_limit", nil, &payload); err != nil {
		return nil, err
	}
	return &payload.Resources.Core, nil
}

// paginate walks pages of defaultPerPage until a short page ends the list.
func (c *Client) paginate(ctx context.Context, path string, q url.Values) ([]Repository, error) {
	if q == nil {
		q = url.Values{}
	}
	q.Set("per_page", strconv.Itoa(defaultPerPage))

	var all []Repository
	for page := 1; ; page++ {
		q.Set("page", strconv.Itoa(page))
		var batch []Repository
		if err := c.get(ctx, path, q, &batch); err != nil {
			return nil, err
		}
		if len(batch) == 0 {
			break
		}
		all = append(all, batch...)
		if len(batch) < defaultPerPage {
			break
		}
	}
	return all, nil
}

func contains(set []string, v string) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}
