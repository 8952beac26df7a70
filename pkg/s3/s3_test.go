package s3

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/sethvargo/go-envconfig"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	client, err := NewClient(context.Background(), Options{
		Endpoint:       srv.URL,
		AccessKey:      "access",
		SecretKey:      "secret",
		ForcePathStyle: true,
	})
	require.NoError(t, err)
	return client
}

func TestNewClientValidation(t *testing.T) {
	_, err := NewClient(context.Background(), Options{})
	require.ErrorContains(t, err, "S3_ENDPOINT")

	_, err = NewClient(context.Background(), Options{Endpoint: "localhost:8333"})
	require.ErrorContains(t, err, "S3_ACCESS_KEY")
}

func TestOptionsDefaults(t *testing.T) {
	var opts Options
	err := envconfig.ProcessWith(context.Background(), &envconfig.Config{
		Target:   &opts,
		Lookuper: envconfig.MapLookuper(map[string]string{"S3_ENDPOINT": "seaweed:8333"}),
	})
	require.NoError(t, err)
	assert.Equal(t, "us-east-1", opts.Region)
	assert.True(t, opts.ForcePathStyle)
	assert.False(t, opts.DisableTLS)
}

func TestGetObject(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/mirror/webprotect/7.9.0/linux/protect-web.tar.gz" {
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`<?xml version="1.0"?><Error><Code>NoSuchKey</Code><Message>missing</Message></Error>`))
			return
		}
		_, _ = w.Write([]byte("package-bytes"))
	}))

	var buf bytes.Buffer
	n, err := client.GetObject(context.Background(), "mirror", "webprotect/7.9.0/linux/protect-web.tar.gz", &buf)
	require.NoError(t, err)
	assert.EqualValues(t, len("package-bytes"), n)
	assert.Equal(t, "package-bytes", buf.String())

	_, err = client.GetObject(context.Background(), "mirror", "absent", &buf)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestHeadObject(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodHead, r.Method)
		if strings.HasSuffix(r.URL.Path, "/absent") {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Length", "42")
		w.Header().Set("X-Amz-Meta-Sha256", "abc123")
		w.WriteHeader(http.StatusOK)
	}))

	info, err := client.HeadObject(context.Background(), "mirror", "pkg")
	require.NoError(t, err)
	assert.EqualValues(t, 42, info.Size)
	assert.Equal(t, "abc123", info.SHA256)

	_, err = client.HeadObject(context.Background(), "mirror", "absent")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestPresignGet(t *testing.T) {
	client := newTestClient(t, http.NotFoundHandler())
	url, err := client.PresignGet(context.Background(), "mirror", "pkg.tar.gz", 5*time.Minute)
	require.NoError(t, err)
	assert.Contains(t, url, "/mirror/pkg.tar.gz")
	assert.Contains(t, url, "X-Amz-Expires=300")
}

func TestEncodeSHA256(t *testing.T) {
	_, err := encodeSHA256("")
	require.Error(t, err)
	_, err = encodeSHA256("zz")
	require.Error(t, err)
	got, err := encodeSHA256("00ff")
	require.NoError(t, err)
	assert.Equal(t, "AP8=", got)
}

func TestNilClient(t *testing.T) {
	var c *Client
	_, err := c.GetObject(context.Background(), "b", "k", &bytes.Buffer{})
	require.Error(t, err)
	_, err = c.HeadObject(context.Background(), "b", "k")
	require.Error(t, err)
}
