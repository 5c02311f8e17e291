package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/oauth2"
)

const (
	metadataEndpoint = "/pubapi/v1/fs/"
	contentEndpoint  = "/pubapi/v1/fs-content/"
	tokenEndpoint    = "/puboauth/token"

	// maxErrorBody caps how much of an error response is kept for messages.
	maxErrorBody = 4 << 10
)

// Limiter gates outgoing calls per credential.
type Limiter interface {
	Wait(ctx context.Context, credential string) error
}

// Config captures the parameters required to reach the remote store.
type Config struct {
	BaseURL   string
	UserAgent string
	// Limiter is optional; nil sends requests unthrottled.
	Limiter Limiter
}

// Client talks to the remote metadata, content, and token endpoints.
type Client struct {
	baseURL    string
	userAgent  string
	limiter    Limiter
	httpClient *http.Client
	logger     *zap.Logger
}

// NewClient creates a Client. A nil httpClient falls back to
// http.DefaultClient; a nil logger discards output.
func NewClient(cfg Config, httpClient *http.Client, logger *zap.Logger) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		userAgent:  cfg.UserAgent,
		limiter:    cfg.Limiter,
		httpClient: httpClient,
		logger:     logger,
	}
}

// FetchNodeRaw returns the metadata document for path exactly as the remote
// sent it.
func (c *Client) FetchNodeRaw(ctx context.Context, credential, path string) (json.RawMessage, error) {
	resp, err := c.get(ctx, credential, metadataEndpoint, path)
	if err != nil {
		return nil, err
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			c.logger.Debug("close metadata body failed", zap.Error(cerr))
		}
	}()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read metadata for %q: %w", path, err)
	}
	return json.RawMessage(body), nil
}

// FetchNode fetches and decodes the metadata for path.
func (c *Client) FetchNode(ctx context.Context, credential, path string) (Node, error) {
	raw, err := c.FetchNodeRaw(ctx, credential, path)
	if err != nil {
		return Node{}, err
	}
	var node Node
	if err := json.Unmarshal(raw, &node); err != nil {
		return Node{}, fmt.Errorf("decode metadata for %q: %w: %w", path, ErrUpstream, err)
	}
	return node, nil
}

// FetchContent opens the byte stream of the file at path. The caller must
// close the returned reader. Canceling ctx aborts the transfer.
func (c *Client) FetchContent(ctx context.Context, credential, path string) (io.ReadCloser, error) {
	resp, err := c.get(ctx, credential, contentEndpoint, path)
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

// PasswordGrant carries the resource-owner credentials for Token.
type PasswordGrant struct {
	Username     string `json:"username"`
	Password     string `json:"password"`
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
}

// Token exchanges resource-owner credentials for an access token.
func (c *Client) Token(ctx context.Context, grant PasswordGrant) (*oauth2.Token, error) {
	conf := &oauth2.Config{
		ClientID:     grant.ClientID,
		ClientSecret: grant.ClientSecret,
		Endpoint: oauth2.Endpoint{
			TokenURL:  c.baseURL + tokenEndpoint,
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}
	ctx = context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)
	tok, err := conf.PasswordCredentialsToken(ctx, grant.Username, grant.Password)
	if err != nil {
		return nil, fmt.Errorf("password grant for client %q: %w", grant.ClientID, err)
	}
	return tok, nil
}

// Bind returns a Fetcher that carries credential on every call.
func (c *Client) Bind(credential string) *Fetcher {
	return &Fetcher{client: c, credential: credential}
}

func (c *Client) get(ctx context.Context, credential, endpoint, path string) (*http.Response, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx, credential); err != nil {
			return nil, fmt.Errorf("remote: throttled request for %q: %w", path, err)
		}
	}
	target := c.baseURL + endpoint + encodePathSegments(strings.TrimPrefix(path, "/"))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("create request for %q: %w", path, err)
	}
	req.Header.Set("Authorization", authorizationHeader(credential))
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("remote: request for %q canceled: %w", path, ctx.Err())
		}
		return nil, fmt.Errorf("remote: GET %q: %w: %w", path, ErrUpstream, err)
	}
	if resp.StatusCode >= http.StatusOK && resp.StatusCode < http.StatusMultipleChoices {
		c.logger.Debug("remote request succeeded",
			zap.String("endpoint", endpoint),
			zap.String("path", path),
			zap.Int("status", resp.StatusCode),
		)
		return resp, nil
	}

	body, readErr := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if cerr := resp.Body.Close(); cerr != nil {
		c.logger.Debug("close error body failed", zap.Error(cerr))
	}
	if readErr != nil {
		body = []byte("(failed to read response body)")
	}
	return nil, &APIError{
		StatusCode: resp.StatusCode,
		Path:       path,
		Message:    strings.TrimSpace(string(body)),
		Err:        classifyStatus(resp.StatusCode),
	}
}

// authorizationHeader passes a full header value through untouched and
// prefixes a bare token with the bearer scheme.
func authorizationHeader(credential string) string {
	credential = strings.TrimSpace(credential)
	if strings.Contains(credential, " ") {
		return credential
	}
	return "Bearer " + credential
}

// CleanPath returns path in the remote's canonical form: one leading slash
// and no trailing slash. The empty path and "/" both mean the store root.
func CleanPath(path string) string {
	return "/" + strings.Trim(strings.TrimSpace(path), "/")
}

// encodePathSegments URL-encodes each segment of a slash-separated path so
// names containing #, ?, % or spaces survive interpolation into the URL.
func encodePathSegments(path string) string {
	segments := strings.Split(path, "/")
	for i, seg := range segments {
		segments[i] = url.PathEscape(seg)
	}
	return strings.Join(segments, "/")
}

// Fetcher is a Client bound to one credential for the lifetime of a session.
type Fetcher struct {
	client     *Client
	credential string
}

// FetchNode fetches the metadata for path.
func (f *Fetcher) FetchNode(ctx context.Context, path string) (Node, error) {
	return f.client.FetchNode(ctx, f.credential, path)
}

// FetchContent opens the content stream for path.
func (f *Fetcher) FetchContent(ctx context.Context, path string) (io.ReadCloser, error) {
	return f.client.FetchContent(ctx, f.credential, path)
}
