package transport

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fedcore/pkg/federation"
)

func TestPost(t *testing.T) {
	var (
		gotBody        []byte
		gotContentType string
		gotAgent       string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		gotContentType = r.Header.Get("Content-Type")
		gotAgent = r.Header.Get("User-Agent")
		w.WriteHeader(http.StatusAccepted)
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	c := New(Options{})
	resp, err := c.Post(context.Background(), srv.URL+"/receive/public", []byte("<me:env/>"),
		map[string]string{"Content-Type": "application/magic-envelope+xml"})
	require.NoError(t, err)
	assert.True(t, resp.OK())
	assert.NoError(t, resp.Err())
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, "ok", string(resp.Body))
	assert.Equal(t, "<me:env/>", string(gotBody))
	assert.Equal(t, "application/magic-envelope+xml", gotContentType)
	assert.Equal(t, DefaultUserAgent, gotAgent)
}

func TestPostWithoutBody(t *testing.T) {
	var gotLen int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		gotLen = len(b)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	resp, err := New(Options{}).Post(context.Background(), srv.URL, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Zero(t, gotLen)
}

func TestNon2xxIsAResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusGone)
	}))
	defer srv.Close()

	resp, err := New(Options{}).Get(context.Background(), srv.URL, "application/json")
	require.NoError(t, err)
	assert.False(t, resp.OK())
	assert.Equal(t, http.StatusGone, federation.StatusCode(resp.Err()))
}

func TestGetSendsAccept(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(r.Header.Get("Accept")))
	}))
	defer srv.Close()

	resp, err := New(Options{}).Get(context.Background(), srv.URL, "application/jrd+json")
	require.NoError(t, err)
	assert.Equal(t, "application/jrd+json", string(resp.Body))
}

func TestTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	c := New(Options{Timeout: 50 * time.Millisecond})
	_, err := c.Post(context.Background(), srv.URL, nil, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, federation.ErrTransportTimeout), "got %v", err)
}

func TestConnectionRefused(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := New(Options{}).Get(context.Background(), url, "")
	require.Error(t, err)
	var te *federation.TransportError
	require.True(t, errors.As(err, &te))
	assert.Zero(t, te.Code)
	assert.Equal(t, url, te.URL)
}

func TestRedirectLimit(t *testing.T) {
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, srv.URL+"/loop", http.StatusFound)
	}))
	defer srv.Close()

	_, err := New(Options{}).Get(context.Background(), srv.URL, "")
	assert.Error(t, err)
}
