package main

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"strings"
	"testing"
	"time"

	"taxweb/internal/backendtest"
	"taxweb/internal/handlers"
	"taxweb/internal/storage"
	"taxweb/internal/workspace"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestHandlers(t *testing.T) *handlers.Handlers {
	t.Helper()
	if _, err := os.Stat("../../web/templates"); os.IsNotExist(err) {
		t.Skip("Template directory not found, skipping router test")
	}

	api := httptest.NewServer(backendtest.New())
	t.Cleanup(api.Close)

	db, err := storage.NewDB(":memory:")
	require.NoError(t, err, "failed to create database")
	t.Cleanup(func() { db.Close() })

	registry := workspace.NewRegistry(db, nil, workspace.Options{BaseURL: api.URL})
	return handlers.NewHandlers(registry, nil, handlers.Options{
		TemplateDir:   "../../web/templates",
		SessionSecret: []byte("router-test-secret"),
		SessionWait:   2 * time.Second,
	})
}

func TestSetupRouter(t *testing.T) {
	mux := setupRouter(newTestHandlers(t), "../../web/static")

	tests := []struct {
		name         string
		method       string
		path         string
		wantStatus   int
		allowAlt     []int // Alternative acceptable status codes
		wantLocation string
	}{
		{
			name:       "Home is public",
			method:     "GET",
			path:       "/",
			wantStatus: http.StatusOK,
		},
		{
			name:       "Static file access",
			method:     "GET",
			path:       "/static/style.css",
			wantStatus: http.StatusOK,
			allowAlt:   []int{http.StatusNotFound}, // File might not exist in test env
		},
		{
			name:       "Login page",
			method:     "GET",
			path:       "/login",
			wantStatus: http.StatusOK,
		},
		{
			name:       "Register page",
			method:     "GET",
			path:       "/register",
			wantStatus: http.StatusOK,
		},
		{
			name:         "Dashboard requires login",
			method:       "GET",
			path:         "/dashboard",
			wantStatus:   http.StatusFound,
			wantLocation: "/login?from=%2Fdashboard",
		},
		{
			name:         "Admin list requires login",
			method:       "GET",
			path:         "/admin/users?page=2",
			wantStatus:   http.StatusFound,
			wantLocation: "/login?" + url.Values{"from": {"/admin/users?page=2"}}.Encode(),
		},
		{
			name:         "Toggle requires login",
			method:       "POST",
			path:         "/admin/users/3/toggle",
			wantStatus:   http.StatusSeeOther,
			wantLocation: "/login",
		},
		{
			name:       "Unknown page",
			method:     "GET",
			path:       "/nope",
			wantStatus: http.StatusNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.path, http.NoBody)
			w := httptest.NewRecorder()

			mux.ServeHTTP(w, req)

			if len(tt.allowAlt) > 0 {
				acceptableStatuses := append([]int{tt.wantStatus}, tt.allowAlt...)
				assert.Contains(t, acceptableStatuses, w.Code,
					"%s %s returned unexpected status", tt.method, tt.path)
			} else {
				assert.Equal(t, tt.wantStatus, w.Code,
					"%s %s returned unexpected status", tt.method, tt.path)
			}
			if tt.wantLocation != "" {
				assert.Equal(t, tt.wantLocation, w.Header().Get("Location"))
			}
		})
	}
}

func TestCSRFRejectsFormWithoutToken(t *testing.T) {
	key := []byte("0123456789abcdef0123456789abcdef")
	handler := withCSRF(setupRouter(newTestHandlers(t), "../../web/static"), key, false, nil)

	req := httptest.NewRequest(http.MethodPost, "/login", strings.NewReader("email=a%40b.co&password=x"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	assert.Equal(t, http.StatusForbidden, w.Code)

	req = httptest.NewRequest(http.MethodGet, "/login", http.NoBody)
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `name="gorilla.csrf.Token"`)
}
