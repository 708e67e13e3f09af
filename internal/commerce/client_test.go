package commerce

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCreateProductAndAttachMetadata(t *testing.T) {
	t.Parallel()

	var created map[string]any
	var meta map[string]map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		switch r.URL.Path {
		case "/api/product/0":
			require.NoError(t, json.NewDecoder(r.Body).Decode(&created))
			_, _ = w.Write([]byte(`{"id": 42}`))
		case "/api/product/42/metabox":
			require.NoError(t, json.NewDecoder(r.Body).Decode(&meta))
			_, _ = w.Write([]byte(`{"success": true}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c := NewClient(Config{BaseURL: srv.URL + "/api/", APIToken: "secret"})
	id, err := c.CreateProduct(context.Background(), map[string]any{"name": "Widget"})
	require.NoError(t, err)
	require.Equal(t, int64(42), id)
	require.Equal(t, "Widget", created["name"])

	require.NoError(t, c.AttachMetadata(context.Background(), id, map[string]any{"_sku": "W-1"}))
	require.Equal(t, "W-1", meta["meta"]["_sku"])
}

func TestCreateProductStringID(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"id": "7"}`))
	}))
	defer srv.Close()

	id, err := NewClient(Config{BaseURL: srv.URL}).CreateProduct(context.Background(), map[string]any{})
	require.NoError(t, err)
	require.Equal(t, int64(7), id)
}

func TestClientErrors(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/product/0" {
			_, _ = w.Write([]byte(`{"id": 0}`))
			return
		}
		http.Error(w, "boom", http.StatusBadGateway)
	}))
	defer srv.Close()

	c := NewClient(Config{BaseURL: srv.URL})
	_, err := c.CreateProduct(context.Background(), map[string]any{})
	require.ErrorContains(t, err, "invalid id")

	err = c.AttachMetadata(context.Background(), 3, nil)
	var statusErr *StatusError
	require.True(t, errors.As(err, &statusErr))
	require.Equal(t, http.StatusBadGateway, statusErr.Status)
	require.Equal(t, "boom", statusErr.Body)

	_, err = NewClient(Config{}).CreateProduct(context.Background(), nil)
	require.ErrorIs(t, err, ErrNotConfigured)
}
