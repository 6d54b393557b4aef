package pricing

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCents(t *testing.T) {
	cases := map[string]int64{
		"49.99":  4999,
		"12":     1200,
		"1.5":    150,
		".5":     50,
		"12.":    1200,
		"49.995": 5000,
		"49.994": 4999,
		"0":      0,
	}
	for in, want := range cases {
		got, err := ParseCents(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	for _, bad := range []string{"", "-1", "abc", "1.2x"} {
		_, err := ParseCents(bad)
		assert.Error(t, err, bad)
	}
}

func TestHTTPClientPriceForEvent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/internal/events/7/pricing":
			_, _ = w.Write([]byte(`{"price": 25.50}`))
		case "/internal/events/8/pricing":
			_, _ = w.Write([]byte(`{"price": "19.99"}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL+"/", time.Second)
	ctx := context.Background()

	got, err := c.PriceForEvent(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, int64(2550), got)

	got, err = c.PriceForEvent(ctx, 8)
	require.NoError(t, err)
	assert.Equal(t, int64(1999), got)

	_, err = c.PriceForEvent(ctx, 9)
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestHTTPClientTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	c := NewHTTPClient(srv.URL, 50*time.Millisecond)
	_, err := c.PriceForEvent(context.Background(), 1)
	assert.ErrorIs(t, err, ErrUnavailable)
}
