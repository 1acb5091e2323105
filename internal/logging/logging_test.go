package logging

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func observe(t *testing.T) *observer.ObservedLogs {
	t.Helper()
	core, logs := observer.New(zap.DebugLevel)
	replace(zap.New(core))
	t.Cleanup(InitNop)
	return logs
}

func TestMiddlewareAssignsRequestID(t *testing.T) {
	logs := observe(t)

	var seen bool
	h := Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = WithContext(r.Context()) != L()
		w.Header().Set("X-Fileguard", "1")
		w.WriteHeader(http.StatusPartialContent)
		w.Write([]byte("abc"))
	}))

	req := httptest.NewRequest(http.MethodGet, "/fileadmin/a%20b.pdf", nil)
	req.Header.Set("Range", "bytes=0-2")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.True(t, seen, "handler should get a request-scoped logger")
	id := rec.Header().Get(RequestIDHeader)
	assert.Len(t, id, 36)

	entries := logs.FilterMessage("request").All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, id, fields["request_id"])
	assert.Equal(t, "/fileadmin/a%20b.pdf", fields["path"])
	assert.EqualValues(t, http.StatusPartialContent, fields["status"])
	assert.EqualValues(t, 3, fields["bytes"])
	assert.Equal(t, "bytes=0-2", fields["range"])
	assert.Equal(t, true, fields["guarded"])
}

func TestMiddlewareKeepsIncomingRequestID(t *testing.T) {
	logs := observe(t)

	h := Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	req := httptest.NewRequest(http.MethodGet, "/index.php", nil)
	req.Header.Set(RequestIDHeader, "edge-42")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, "edge-42", rec.Header().Get(RequestIDHeader))
	entries := logs.FilterMessage("request").All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, "edge-42", fields["request_id"])
	assert.NotContains(t, fields, "range")
	assert.NotContains(t, fields, "guarded")
	assert.NotContains(t, fields, "aborted")
}

func TestInitUnknownLevel(t *testing.T) {
	t.Cleanup(InitNop)
	require.NoError(t, Init(Config{Level: "loud", Format: "json"}))
	assert.True(t, L().Core().Enabled(zap.InfoLevel))
	assert.False(t, L().Core().Enabled(zap.DebugLevel))
}

func TestMiddlewareLogsAbortedTransfer(t *testing.T) {
	logs := observe(t)

	h := Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Fileguard", "1")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("partial"))
		panic(http.ErrAbortHandler)
	}))

	assert.PanicsWithValue(t, http.ErrAbortHandler, func() {
		h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/fileadmin/a.pdf", nil))
	})

	entries := logs.FilterMessage("request").All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.EqualValues(t, http.StatusOK, fields["status"])
	assert.EqualValues(t, len("partial"), fields["bytes"])
	assert.Equal(t, true, fields["aborted"])
}
