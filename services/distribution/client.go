package distribution

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"webprotect/pkg/archive"
	"webprotect/pkg/telemetry"
)

// PackagePrefix selects the web protection packages in a file listing.
const PackagePrefix = "protect-web"

// AccessToken is a short-lived bearer credential. It is never persisted.
type AccessToken struct {
	Type  string
	Token string
}

func (t AccessToken) header() string {
	return t.Type + " " + t.Token
}

// FileEntry is one row of the distribution file listing.
type FileEntry struct {
	Filename string `json:"filename"`
	Platform string `json:"platform"`
}

// Client talks to the distribution service.
type Client struct {
	authURL     string
	servicesURL string
	product     string
	http        *http.Client
	logger      zerolog.Logger
}

// ClientConfig configures a Client.
type ClientConfig struct {
	AuthURL     string
	ServicesURL string
	Product     string
	HTTPClient  *http.Client
	Logger      zerolog.Logger
}

// NewClient validates cfg and returns a Client.
func NewClient(cfg ClientConfig) (*Client, error) {
	if strings.TrimSpace(cfg.AuthURL) == "" {
		return nil, errors.New("auth url is required")
	}
	if strings.TrimSpace(cfg.ServicesURL) == "" {
		return nil, errors.New("services url is required")
	}
	if strings.TrimSpace(cfg.Product) == "" {
		return nil, errors.New("product is required")
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = telemetry.NewHTTPClient(0)
	}
	return &Client{
		authURL:     strings.TrimRight(cfg.AuthURL, "/"),
		servicesURL: strings.TrimRight(cfg.ServicesURL, "/"),
		product:     cfg.Product,
		http:        cfg.HTTPClient,
		logger:      cfg.Logger,
	}, nil
}

// Authenticate exchanges client credentials for an access token.
func (c *Client) Authenticate(ctx context.Context, key, secret string) (AccessToken, error) {
	ctx, span := telemetry.Tracer().Start(ctx, "distribution.authenticate")
	defer span.End()

	form := url.Values{
		"grant_type":    {"client_credentials"},
		"client_id":     {key},
		"client_secret": {secret},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.authURL+"/services/oauth2/token", strings.NewReader(form.Encode()))
	if err != nil {
		return AccessToken{}, fail(span, &AuthenticationError{Detail: err.Error()})
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return AccessToken{}, fail(span, &AuthenticationError{Detail: err.Error()})
	}
	defer resp.Body.Close()

	var body struct {
		TokenType        string `json:"token_type"`
		AccessToken      string `json:"access_token"`
		ErrorDescription string `json:"error_description"`
	}
	decodeErr := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		detail := body.ErrorDescription
		if detail == "" {
			detail = fmt.Sprintf("Request failed with status code %d", resp.StatusCode)
		}
		return AccessToken{}, fail(span, &AuthenticationError{Detail: detail})
	}
	if decodeErr != nil {
		return AccessToken{}, fail(span, &AuthenticationError{Detail: fmt.Sprintf("decode token response: %v", decodeErr)})
	}
	if body.AccessToken == "" {
		return AccessToken{}, fail(span, &AuthenticationError{Detail: "token response missing access_token"})
	}

	c.logger.Debug().Str("token_type", body.TokenType).Msg("authenticated with distribution service")
	return AccessToken{Type: body.TokenType, Token: body.AccessToken}, nil
}

// ResolvePackageName returns the first package listed for platform.
func (c *Client) ResolvePackageName(ctx context.Context, token AccessToken, platform, version string) (string, error) {
	ctx, span := telemetry.Tracer().Start(ctx, "distribution.resolve", trace.WithAttributes(
		attribute.String("tool.version", version),
		attribute.String("platform", platform),
	))
	defer span.End()

	query := url.Values{"product": {c.product}, "version": {version}}
	resp, err := c.get(ctx, token, "/download/v1/filelist", query)
	if err != nil {
		return "", fail(span, &EntitlementError{Version: version, Err: err})
	}
	defer resp.Body.Close()

	var files []FileEntry
	if err := json.NewDecoder(resp.Body).Decode(&files); err != nil {
		return "", fail(span, &EntitlementError{Version: version, Err: fmt.Errorf("decode file list: %w", err)})
	}

	for _, f := range files {
		if f.Platform == platform && strings.HasPrefix(f.Filename, PackagePrefix) {
			return f.Filename, nil
		}
	}
	return "", fail(span, &PackageNotFoundError{Version: version, Platform: platform})
}

// DownloadAndExtract clears dir, downloads filename into it and unpacks it
// unless it is a disk image. It returns the path of the raw package.
func (c *Client) DownloadAndExtract(ctx context.Context, token AccessToken, version, filename, dir string) (string, error) {
	ctx, span := telemetry.Tracer().Start(ctx, "distribution.download", trace.WithAttributes(
		attribute.String("tool.version", version),
		attribute.String("filename", filename),
	))
	defer span.End()

	raw, err := archive.Place(dir, filename, func(w io.Writer) error {
		query := url.Values{"product": {c.product}, "version": {version}, "filename": {filename}}
		resp, err := c.get(ctx, token, "/download/v1/file", query)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		n, err := io.Copy(w, resp.Body)
		if err != nil {
			return fmt.Errorf("read package: %w", err)
		}
		span.SetAttributes(attribute.Int64("package.bytes", n))
		return nil
	})
	if err != nil {
		return "", fail(span, &DownloadError{Version: version, Err: err})
	}
	return raw, nil
}

func (c *Client) get(ctx context.Context, token AccessToken, path string, query url.Values) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.servicesURL+path+"?"+query.Encode(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", token.header())

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil, fmt.Errorf("GET %s: status %d: %s", path, resp.StatusCode, strings.TrimSpace(string(data)))
	}
	return resp, nil
}

func fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}
