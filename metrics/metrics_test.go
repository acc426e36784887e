package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHandlerServesCollectors(t *testing.T) {
	SessionsStarted.WithLabelValues("example-ide", "false").Inc()
	OpenSessions.Set(2)
	RecordsAppended.WithLabelValues("session_start").Inc()

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	text := string(body)
	require.True(t, strings.Contains(text, "useai_sessions_started_total"))
	require.True(t, strings.Contains(text, "useai_sessions_open 2"))
	require.True(t, strings.Contains(text, "useai_chain_records_total"))
}
