// Package registry implements the typed Distribution v2 API client (C5):
// catalog listing, tag listing, and manifest get/put/delete against the
// local (or any) OCI registry. It has no blob-fetch call.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/go-containerregistry/pkg/authn"
	"github.com/google/go-containerregistry/pkg/name"
	"github.com/google/go-containerregistry/pkg/v1/remote"

	"github.com/portalcrane/portalcrane/pkg/logger"
	"github.com/portalcrane/portalcrane/pkg/util"
)

const (
	manifestAcceptList = "application/vnd.docker.distribution.manifest.v2+json, application/vnd.docker.distribution.manifest.list.v2+json, application/vnd.oci.image.manifest.v1+json, application/vnd.oci.image.index.v1+json"
)

// Client is a typed Distribution v2 client bound to one registry base URL.
// Tag enumeration goes through go-containerregistry's remote package (with
// its retry/backoff support); catalog paging, ping, and manifest
// GET/PUT/DELETE-by-digest use a thin direct HTTP client since
// go-containerregistry's high-level remote.Write path does not expose raw
// digest deletes.
type Client struct {
	BaseURL  string
	Username string
	Password string

	httpClient *http.Client

	authOnce sync.Once
	authn    authn.Authenticator
}

// New builds a Client for baseURL, with optional basic-auth credentials.
func New(baseURL, username, password string) *Client {
	return &Client{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		Username:   username,
		Password:   password,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *Client) authenticator() authn.Authenticator {
	c.authOnce.Do(func() {
		if c.Username != "" {
			c.authn = &authn.Basic{Username: c.Username, Password: c.Password}
		} else {
			c.authn = authn.Anonymous
		}
	})
	return c.authn
}

func (c *Client) repository(repo string) (name.Repository, error) {
	registryHost := strings.TrimPrefix(strings.TrimPrefix(c.BaseURL, "https://"), "http://")
	return name.NewRepository(registryHost + "/" + repo)
}

// Ping checks that the registry's /v2/ endpoint is reachable.
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/v2/", nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return util.Wrap(util.KindUpstreamUnreachable, err, "registry unreachable")
	}
	defer resp.Body.Close()
	return nil
}

// ListRepositories returns the catalog, excluding repositories with zero
// tags (ghosts) unless includeEmpty is set. It pages through the catalog
// using the Distribution API's n/last cursor.
func (c *Client) ListRepositories(ctx context.Context, includeEmpty bool) ([]string, error) {
	var repos []string
	last := ""
	for {
		page, err := c.catalogPage(ctx, last)
		if err != nil {
			return nil, err
		}
		if len(page) == 0 {
			break
		}
		repos = append(repos, page...)
		last = page[len(page)-1]
		if len(page) < 100 {
			break
		}
	}

	if includeEmpty {
		return repos, nil
	}

	nonGhost := make([]string, 0, len(repos))
	for _, repo := range repos {
		tags, err := c.ListTags(ctx, repo)
		if err != nil {
			logger.Log(ctx, slog.LevelWarn, "failed to list tags while filtering ghosts", logger.Err(err), slog.String("repo", repo))
			continue
		}
		if len(tags) > 0 {
			nonGhost = append(nonGhost, repo)
		}
	}
	return nonGhost, nil
}

func (c *Client) catalogPage(ctx context.Context, last string) ([]string, error) {
	url := c.BaseURL + "/v2/_catalog?n=100"
	if last != "" {
		url += "&last=" + last
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, util.Wrap(util.KindUpstreamUnreachable, err, "registry catalog unreachable")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, util.New(util.KindUpstreamUnreachable, "catalog request failed with status %d", resp.StatusCode)
	}

	var body struct {
		Repositories []string `json:"repositories"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("registry: decoding catalog response: %w", err)
	}
	return body.Repositories, nil
}

// ListTags lists the tags of repo via go-containerregistry's remote.List,
// retrying 429 Too Many Requests responses with exponential backoff; other
// status codes are not retried.
func (c *Client) ListTags(ctx context.Context, repo string) ([]string, error) {
	repository, err := c.repository(repo)
	if err != nil {
		return nil, fmt.Errorf("registry: parsing repository %q: %w", repo, err)
	}
	tags, err := remote.List(repository,
		remote.WithContext(ctx),
		remote.WithAuth(c.authenticator()),
		remote.WithRetryBackoff(remote.Backoff{Duration: 200 * time.Millisecond, Factor: 2.0, Jitter: 0.1, Steps: 3}),
		remote.WithRetryStatusCodes(http.StatusTooManyRequests),
	)
	if err != nil {
		return nil, util.Wrap(util.KindUpstreamUnreachable, err, "listing tags for %s", repo)
	}
	return tags, nil
}

// Manifest is a fetched manifest's raw body, content type, and digest.
type Manifest struct {
	Body        []byte
	ContentType string
	Digest      string
}

// GetManifest fetches repo:ref, requesting both Docker v2 and OCI manifest
// media types, and returns the upstream Docker-Content-Digest header as the
// manifest's canonical digest.
func (c *Client) GetManifest(ctx context.Context, repo, ref string) (*Manifest, error) {
	url := fmt.Sprintf("%s/v2/%s/manifests/%s", c.BaseURL, repo, ref)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", manifestAcceptList)
	c.setBasicAuth(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, util.Wrap(util.KindUpstreamUnreachable, err, "fetching manifest %s:%s", repo, ref)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, util.New(util.KindNotFound, "manifest %s:%s not found", repo, ref)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, util.New(util.KindUpstreamUnreachable, "fetching manifest %s:%s: status %d", repo, ref, resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("registry: reading manifest body: %w", err)
	}

	return &Manifest{
		Body:        body,
		ContentType: resp.Header.Get("Content-Type"),
		Digest:      resp.Header.Get("Docker-Content-Digest"),
	}, nil
}

// PutManifest uploads a manifest body with the given content type.
func (c *Client) PutManifest(ctx context.Context, repo, ref, contentType string, body []byte) error {
	url := fmt.Sprintf("%s/v2/%s/manifests/%s", c.BaseURL, repo, ref)
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, strings.NewReader(string(body)))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", contentType)
	c.setBasicAuth(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return util.Wrap(util.KindUpstreamUnreachable, err, "putting manifest %s:%s", repo, ref)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		return util.New(util.KindUpstreamUnreachable, "putting manifest %s:%s: status %d", repo, ref, resp.StatusCode)
	}
	return nil
}

// DeleteManifest deletes a manifest by digest (the Distribution API does
// not support delete-by-tag).
func (c *Client) DeleteManifest(ctx context.Context, repo, digest string) error {
	url := fmt.Sprintf("%s/v2/%s/manifests/%s", c.BaseURL, repo, digest)
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, url, nil)
	if err != nil {
		return err
	}
	c.setBasicAuth(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return util.Wrap(util.KindUpstreamUnreachable, err, "deleting manifest %s@%s", repo, digest)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		return util.New(util.KindUpstreamUnreachable, "deleting manifest %s@%s: status %d", repo, digest, resp.StatusCode)
	}
	return nil
}

// DeleteTag resolves tag to a digest and deletes the manifest by digest.
func (c *Client) DeleteTag(ctx context.Context, repo, tag string) error {
	m, err := c.GetManifest(ctx, repo, tag)
	if err != nil {
		return err
	}
	if m.Digest == "" {
		return util.New(util.KindFatalInternal, "registry did not return Docker-Content-Digest for %s:%s", repo, tag)
	}
	return c.DeleteManifest(ctx, repo, m.Digest)
}

func (c *Client) setBasicAuth(req *http.Request) {
	if c.Username != "" {
		req.SetBasicAuth(c.Username, c.Password)
	}
}
