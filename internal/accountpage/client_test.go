package accountpage

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quotawatch/quotawatch/internal/errors"
	"github.com/quotawatch/quotawatch/internal/models"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c, err := NewClient(Config{URL: srv.URL + "/api/", Token: "secret"})
	require.NoError(t, err)
	return c
}

func TestClient_PutUsage(t *testing.T) {
	var (
		gotPath string
		gotAuth string
		gotBody []models.Usage
	)
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPut, r.Method)
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		w.WriteHeader(http.StatusOK)
	})

	payload := []models.Usage{{Fileset: "vsc400", User: "vsc40075", Used: 333, FilesUsed: 1001}}
	require.NoError(t, c.PutUsage(context.Background(), "VSC_DATA_SHARED", "user", payload))

	assert.Equal(t, "/api/usage/storage/VSC_DATA_SHARED/user/size/", gotPath)
	assert.Equal(t, "Bearer secret", gotAuth)
	assert.Equal(t, payload, gotBody)
}

func TestClient_PutUsageFailure(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad payload", http.StatusBadRequest)
	})

	err := c.PutUsage(context.Background(), "VSC_DATA", "vo", nil)
	var pushErr *errors.ErrRemotePush
	require.True(t, stderrors.As(err, &pushErr))
	assert.Equal(t, http.StatusBadRequest, pushErr.Status)
	assert.Equal(t, "VSC_DATA", pushErr.Bucket)
	assert.Equal(t, "vo", pushErr.Kind)
	assert.Contains(t, err.Error(), "bad payload")
}

func TestClient_PutUsageResponseBody(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		wantErr bool
	}{
		{name: "empty", status: http.StatusOK},
		{name: "no content", status: http.StatusNoContent},
		{name: "whitespace", status: http.StatusOK, body: " \n"},
		{name: "rejected records", status: http.StatusOK, body: `{"detail":"3 records rejected"}`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			})

			err := c.PutUsage(context.Background(), "VSC_DATA", "user", []models.Usage{{Fileset: "vsc400", User: "vsc40075"}})
			if !tt.wantErr {
				assert.NoError(t, err)
				return
			}
			var pushErr *errors.ErrRemotePush
			require.True(t, stderrors.As(err, &pushErr))
			assert.Equal(t, tt.status, pushErr.Status)
			assert.Contains(t, err.Error(), "3 records rejected")
		})
	}
}

func TestClient_Directory(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		switch r.URL.Path {
		case "/api/account/vsc40075/":
			_, _ = w.Write([]byte(`{"vsc_id":"vsc40075","email":"jane@example.org","person":{"gecos":"Jane Doe"}}`))
		case "/api/account/vsc40076/":
			_, _ = w.Write([]byte(`{"vsc_id":"vsc40076","email":"x@example.org","person":{}}`))
		case "/api/vo/gvo00002/":
			_, _ = w.Write([]byte(`{"vsc_id":"gvo00002","moderators":["vsc40075"],"members":["vsc40075","vsc40076"]}`))
		default:
			http.NotFound(w, r)
		}
	})
	ctx := context.Background()

	p, err := c.Person(ctx, "vsc40075")
	require.NoError(t, err)
	assert.Equal(t, "Jane Doe", p.Name)
	assert.Equal(t, "jane@example.org", p.Email)

	p, err = c.Person(ctx, "vsc40076")
	require.NoError(t, err)
	assert.Equal(t, "vsc40076", p.Name)

	mods, err := c.Moderators(ctx, "gvo00002")
	require.NoError(t, err)
	assert.Equal(t, []string{"vsc40075"}, mods)

	_, err = c.Person(ctx, "vsc49999")
	assert.Error(t, err)
}

func TestNewClient_InvalidURL(t *testing.T) {
	_, err := NewClient(Config{URL: "not a url"})
	assert.Error(t, err)
}
