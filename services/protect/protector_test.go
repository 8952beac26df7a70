package protect

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"io"
	"path/filepath"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"webprotect/pkg/archive"
	"webprotect/pkg/blueprint"
	"webprotect/pkg/metrics"
	"webprotect/services/installer"
)

const testVersion = "7.9.0"

type scriptSource struct {
	script string
	calls  int
	err    error
}

func (s *scriptSource) Name() string { return "script" }

func (s *scriptSource) Fetch(_ context.Context, _ string, dir string) (installer.Package, error) {
	s.calls++
	if s.err != nil {
		return installer.Package{}, s.err
	}
	body := []byte("#!/bin/sh\n" + s.script + "\n")
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	if err := tw.WriteHeader(&tar.Header{Name: "protect-web", Mode: 0o755, Size: int64(len(body)), Typeflag: tar.TypeReg}); err != nil {
		return installer.Package{}, err
	}
	if _, err := tw.Write(body); err != nil {
		return installer.Package{}, err
	}
	if err := tw.Close(); err != nil {
		return installer.Package{}, err
	}
	raw, err := archive.Place(dir, "protect-web.tar", func(w io.Writer) error {
		_, err := w.Write(buf.Bytes())
		return err
	})
	if err != nil {
		return installer.Package{}, err
	}
	return installer.Package{Path: raw, Filename: "protect-web.tar"}, nil
}

func newTestProtector(t *testing.T, src installer.Source, env blueprint.Env) *Protector {
	t.Helper()
	cache, err := installer.NewCache(filepath.Join(t.TempDir(), "tool"))
	require.NoError(t, err)
	m, err := metrics.New(prometheus.NewRegistry())
	require.NoError(t, err)
	inst, err := installer.New(installer.Options{Cache: cache, Source: src, Logger: zerolog.Nop(), Metrics: m})
	require.NoError(t, err)
	p, err := NewProtector(ProtectorConfig{
		Installer:   inst,
		Env:         env,
		ToolVersion: testVersion,
		TempDir:     t.TempDir(),
		Logger:      zerolog.Nop(),
		Metrics:     m,
	})
	require.NoError(t, err)
	return p
}

func TestProtectInstallsAndInvokes(t *testing.T) {
	skipOnWindows(t)
	src := &scriptSource{script: `cat "$2"`}
	p := newTestProtector(t, src, blueprint.Env{LicenseToken: "TOKEN", APIKey: "k", APISecret: "s"})

	bp, err := blueprint.Parse([]byte(`{"targets":{"web":{"input":"a","output":"b"}}}`))
	require.NoError(t, err)

	out, err := p.Protect(context.Background(), bp, "shop", Options{})
	require.NoError(t, err)
	assert.Contains(t, out.Stdout, `"ephemeralMode":"TOKEN"`)
	assert.Contains(t, out.Stdout, `"appID":"shop"`)
	assert.NotContains(t, out.Stdout, `"input"`)
	assert.Equal(t, 1, src.calls)
	assert.Equal(t, testVersion, p.Cache().ReadMetadata().Version)

	_, err = p.Protect(context.Background(), bp, "shop", Options{})
	require.NoError(t, err)
	assert.Equal(t, 1, src.calls)
}

func TestProtectMissingInstallStopsBeforeFetch(t *testing.T) {
	src := &scriptSource{}
	p := newTestProtector(t, src, blueprint.Env{LicenseToken: "TOKEN"})

	_, err := p.Protect(context.Background(), blueprint.Default(), "", Options{})
	var licErr *blueprint.LicenseConfigurationError
	require.ErrorAs(t, err, &licErr)
	assert.Equal(t, blueprint.ReasonMissingInstall, licErr.Reason)
	assert.Zero(t, src.calls)
}

func TestProtectInstallFailure(t *testing.T) {
	boom := errors.New("download failed")
	p := newTestProtector(t, &scriptSource{err: boom}, blueprint.Env{LicenseToken: "TOKEN", APIKey: "k", APISecret: "s"})

	_, err := p.Protect(context.Background(), blueprint.Default(), "", Options{})
	require.ErrorIs(t, err, boom)
}

func TestNewProtectorValidation(t *testing.T) {
	_, err := NewProtector(ProtectorConfig{ToolVersion: testVersion})
	require.Error(t, err)

	cache, err := installer.NewCache(t.TempDir())
	require.NoError(t, err)
	inst, err := installer.New(installer.Options{Cache: cache, Source: &scriptSource{}})
	require.NoError(t, err)
	_, err = NewProtector(ProtectorConfig{Installer: inst})
	require.Error(t, err)
}
