package runtime

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	jsoncodecpkg "github.com/drblury/eventflow/internal/runtime/jsoncodec"
)

func TestHandleGetHandlers(t *testing.T) {
	d := newTestDispatcher(t, nil, DispatcherDependencies{})
	_, err := d.SubscribeFunc("order.created", noopHandler, WithName("projector"), WithPriority(2))
	require.NoError(t, err)
	require.NoError(t, d.Publish(context.Background(), NewMapEvent("order.created", "", nil)))

	rec := httptest.NewRecorder()
	d.handleGetHandlers(rec, httptest.NewRequest(http.MethodGet, "/api/handlers", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))

	var infos []map[string]any
	require.NoError(t, jsoncodecpkg.Unmarshal(rec.Body.Bytes(), &infos))
	require.Len(t, infos, 1)
	assert.Equal(t, "projector", infos[0]["name"])
	assert.Equal(t, "order.created", infos[0]["event_type"])
	assert.EqualValues(t, 2, infos[0]["priority"])
	stats, ok := infos[0]["stats"].(map[string]any)
	require.True(t, ok)
	assert.EqualValues(t, 1, stats["invocations"])
}

func TestHandleGetHandlersCORS(t *testing.T) {
	tests := []struct {
		name    string
		allowed []string
		origin  string
		want    string
	}{
		{"wildcard", []string{"*"}, "http://ui.local", "*"},
		{"exact match", []string{"http://ui.local"}, "http://UI.local", "http://UI.local"},
		{"not allowed", []string{"http://ui.local"}, "http://evil.local", ""},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			conf := testConfig()
			conf.InspectCORSAllowedOrigins = tc.allowed
			d := newTestDispatcher(t, conf, DispatcherDependencies{})

			req := httptest.NewRequest(http.MethodOptions, "/api/handlers", nil)
			req.Header.Set("Origin", tc.origin)
			rec := httptest.NewRecorder()
			d.handleGetHandlers(rec, req)

			assert.Equal(t, http.StatusNoContent, rec.Code)
			assert.Equal(t, tc.want, rec.Header().Get("Access-Control-Allow-Origin"))
		})
	}
}

func TestHandleGetHandlersRejectsOtherMethods(t *testing.T) {
	d := newTestDispatcher(t, nil, DispatcherDependencies{})
	rec := httptest.NewRecorder()
	d.handleGetHandlers(rec, httptest.NewRequest(http.MethodPost, "/api/handlers", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestEnableInspectAPI(t *testing.T) {
	d := newTestDispatcher(t, nil, DispatcherDependencies{})
	d.EnableInspectAPI()
	assert.Empty(t, d.httpServers)

	conf := testConfig()
	conf.InspectEnabled = true
	conf.InspectPort = 9191
	d = newTestDispatcher(t, conf, DispatcherDependencies{})
	d.EnableInspectAPI()
	require.Contains(t, d.httpServers, 9191)

	rec := httptest.NewRecorder()
	d.httpServers[9191].ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/handlers", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestInspectPortDefault(t *testing.T) {
	d := newTestDispatcher(t, nil, DispatcherDependencies{})
	assert.Equal(t, defaultInspectPort, d.inspectPort())
}
