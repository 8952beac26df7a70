package distribution

import (
	"context"
	"errors"

	"webprotect/services/installer"
)

// Source installs packages straight from the distribution service.
type Source struct {
	client   *Client
	key      string
	secret   string
	platform string
}

// NewSource returns an installer.Source using client and the given credentials.
func NewSource(client *Client, key, secret, platform string) (*Source, error) {
	if client == nil {
		return nil, errors.New("client is required")
	}
	if platform == "" {
		return nil, errors.New("platform is required")
	}
	return &Source{client: client, key: key, secret: secret, platform: platform}, nil
}

// Name implements installer.Source.
func (s *Source) Name() string { return "distribution" }

// Fetch implements installer.Source. It fails with a MissingCredentialsError
// before any network call when either credential is empty.
func (s *Source) Fetch(ctx context.Context, version, dir string) (installer.Package, error) {
	if s.key == "" || s.secret == "" {
		return installer.Package{}, &installer.MissingCredentialsError{}
	}

	token, err := s.client.Authenticate(ctx, s.key, s.secret)
	if err != nil {
		return installer.Package{}, err
	}
	filename, err := s.client.ResolvePackageName(ctx, token, s.platform, version)
	if err != nil {
		return installer.Package{}, err
	}
	raw, err := s.client.DownloadAndExtract(ctx, token, version, filename, dir)
	if err != nil {
		return installer.Package{}, err
	}
	return installer.Package{Path: raw, Filename: filename}, nil
}
