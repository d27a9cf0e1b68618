package permissions

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"log/slog"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"github.com/payflow-hq/payflow/internal/shared"
)

func newTestRouter(t *testing.T) (http.Handler, *serviceFixture) {
	t.Helper()
	f := newServiceFixture(t)
	handler := NewHandler(slog.New(slog.NewTextHandler(io.Discard, nil)), f.service)

	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if userID := req.Header.Get("X-User-ID"); userID != "" {
				ctx := shared.ContextWithIdentity(req.Context(), shared.Identity{
					UserID: userID,
					Role:   req.Header.Get("X-User-Role"),
				})
				req = req.WithContext(ctx)
			}
			next.ServeHTTP(w, req)
		})
	})
	r.Route("/permissions", handler.MountRoutes)
	return r, f
}

func doJSON(t *testing.T, router http.Handler, method, path, body, userID, role string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if userID != "" {
		req.Header.Set("X-User-ID", userID)
		req.Header.Set("X-User-Role", role)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestEffectiveEndpoint(t *testing.T) {
	router, _ := newTestRouter(t)

	rec := doJSON(t, router, http.MethodGet, "/permissions/effective?user_id=u1&role=consultant", "", "", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var calc Calculation
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &calc))
	require.Contains(t, calc.Permissions, "clients:read")
	require.False(t, calc.FromCache)

	rec = doJSON(t, router, http.MethodGet, "/permissions/effective", "", "", "")
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCheckEndpoint(t *testing.T) {
	router, _ := newTestRouter(t)

	rec := doJSON(t, router, http.MethodPost, "/permissions/check",
		`{"user_id":"u1","role":"consultant","resource":"payrolls","action":"delete"}`, "", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var result map[string]bool
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	require.True(t, result["granted"])

	rec = doJSON(t, router, http.MethodPost, "/permissions/check", `{"user_id":"u1"}`, "", "")
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestCheckSetEndpoint(t *testing.T) {
	router, _ := newTestRouter(t)

	rec := doJSON(t, router, http.MethodPost, "/permissions/check-set",
		`{"user_id":"u1","role":"viewer","permissions":["payrolls:read","billing:approve"],"mode":"any"}`, "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var result map[string]bool
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	require.True(t, result["granted"])

	rec = doJSON(t, router, http.MethodPost, "/permissions/check-set",
		`{"user_id":"u1","role":"viewer","permissions":["payrolls:read","billing:approve"],"mode":"all"}`, "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	require.False(t, result["granted"])
}

func TestOverrideLifecycleOverHTTP(t *testing.T) {
	router, f := newTestRouter(t)

	rec := doJSON(t, router, http.MethodPost, "/permissions/overrides",
		`{"user_id":"u2","resource":"payrolls","operation":"delete","granted":false}`,
		"admin-1", "developer")
	require.Equal(t, http.StatusCreated, rec.Code)

	var created overrideResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	require.NotEmpty(t, created.ID)
	require.Equal(t, "u2", created.UserID)
	require.Equal(t, "admin-1", created.CreatedBy)

	rec = doJSON(t, router, http.MethodPost, "/permissions/check",
		`{"user_id":"u2","role":"consultant","resource":"payrolls","action":"delete"}`, "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var result map[string]bool
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	require.False(t, result["granted"])

	rec = doJSON(t, router, http.MethodDelete, "/permissions/overrides/"+created.ID, "", "admin-1", "developer")
	require.Equal(t, http.StatusOK, rec.Code)
	var removed map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &removed))
	require.Equal(t, "u2", removed["removed_user_id"])
	require.Empty(t, f.store.overrides)
}

func TestOverrideEndpointsRequireManagePermission(t *testing.T) {
	router, _ := newTestRouter(t)

	// Unauthenticated.
	rec := doJSON(t, router, http.MethodPost, "/permissions/overrides",
		`{"user_id":"u2","resource":"payrolls","operation":"delete","granted":false}`, "", "")
	require.Equal(t, http.StatusForbidden, rec.Code)

	// Authenticated but unprivileged.
	rec = doJSON(t, router, http.MethodPost, "/permissions/overrides",
		`{"user_id":"u2","resource":"payrolls","operation":"delete","granted":false}`,
		"lowly-1", "viewer")
	require.Equal(t, http.StatusForbidden, rec.Code)
}

func TestOverrideGrantBeyondActorPrivilege(t *testing.T) {
	router, _ := newTestRouter(t)

	// org_admin passes the route guard via users.* but holds no pattern
	// covering integrations.configure.
	rec := doJSON(t, router, http.MethodPost, "/permissions/overrides",
		`{"user_id":"u2","resource":"integrations","operation":"configure","granted":true}`,
		"orgadmin-1", "org_admin")
	require.Equal(t, http.StatusForbidden, rec.Code)
	var payload map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &payload))
	require.Contains(t, payload["error"], "do not hold")
}

func TestRemoveMissingOverride(t *testing.T) {
	router, _ := newTestRouter(t)

	rec := doJSON(t, router, http.MethodDelete, "/permissions/overrides/nope", "", "admin-1", "developer")
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestClearCacheEndpoints(t *testing.T) {
	router, f := newTestRouter(t)

	rec := doJSON(t, router, http.MethodGet, "/permissions/effective?user_id=u3&role=viewer", "", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, 1, f.cache.Len())

	rec = doJSON(t, router, http.MethodDelete, "/permissions/cache/u3", "", "admin-1", "developer")
	require.Equal(t, http.StatusNoContent, rec.Code)
	require.Equal(t, 0, f.cache.Len())

	rec = doJSON(t, router, http.MethodGet, "/permissions/effective?user_id=u3&role=viewer", "", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	rec = doJSON(t, router, http.MethodDelete, "/permissions/cache", "", "admin-1", "developer")
	require.Equal(t, http.StatusNoContent, rec.Code)
	require.Equal(t, 0, f.cache.Len())
}
