package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/useai-dev/useaid"
	"github.com/useai-dev/useaid/chain"
)

// rpc posts a JSON-RPC message to /mcp, carrying connectionID when set.
func (e *serverEnv) rpc(body, connectionID string) *httptest.ResponseRecorder {
	e.t.Helper()
	header := map[string]string{
		"Content-Type": "application/json",
		"Accept":       "application/json, text/event-stream",
	}
	if connectionID != "" {
		header[sessionHeader] = connectionID
	}
	return e.do(http.MethodPost, "/mcp", []byte(body), header)
}

// decodeRPC parses a JSON-RPC response, unwrapping SSE framing when the
// transport chose to stream.
func decodeRPC(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	text := strings.TrimSpace(rec.Body.String())
	if strings.HasPrefix(text, "event:") || strings.HasPrefix(text, "data:") {
		last := ""
		for _, line := range strings.Split(text, "\n") {
			if strings.HasPrefix(line, "data:") {
				last = strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			}
		}
		text = last
	}
	var msg map[string]any
	require.NoError(t, json.Unmarshal([]byte(text), &msg), "unparsable rpc response: %s", rec.Body.String())
	return msg
}

// toolText returns the first text content block of a tool result.
func toolText(t *testing.T, msg map[string]any) string {
	t.Helper()
	result, ok := msg["result"].(map[string]any)
	require.True(t, ok, "expected result, got %v", msg)
	content, ok := result["content"].([]any)
	require.True(t, ok, "expected content, got %v", result)
	require.NotEmpty(t, content)
	block, ok := content[0].(map[string]any)
	require.True(t, ok)
	text, _ := block["text"].(string)
	return text
}

// initialize runs the MCP handshake and returns the assigned connection id.
func (e *serverEnv) initialize() string {
	e.t.Helper()
	rec := e.rpc(`{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2025-03-26","capabilities":{},"clientInfo":{"name":"test-client","version":"0.0.1"}}}`, "")
	require.Equal(e.t, http.StatusOK, rec.Code, rec.Body.String())
	connectionID := rec.Header().Get(sessionHeader)
	require.NotEmpty(e.t, connectionID, "initialize must assign a connection id")
	e.rpc(`{"jsonrpc":"2.0","method":"notifications/initialized"}`, connectionID)
	return connectionID
}

func (e *serverEnv) callTool(connectionID, name, arguments string, id int) map[string]any {
	e.t.Helper()
	body := fmt.Sprintf(`{"jsonrpc":"2.0","id":%d,"method":"tools/call","params":{"name":%q,"arguments":%s}}`, id, name, arguments)
	rec := e.rpc(body, connectionID)
	require.Equal(e.t, http.StatusOK, rec.Code, rec.Body.String())
	return decodeRPC(e.t, rec)
}

func TestMCPSessionLifecycle(t *testing.T) {
	env := newServerEnv(t, nil)
	connectionID := env.initialize()

	msg := env.callTool(connectionID, "session_start",
		`{"client":"example-ide","task_type":"coding","project":"demo"}`, 2)
	require.Contains(t, toolText(t, msg), "Session started")

	sessionID, found, err := env.connmap.Get(connectionID)
	require.NoError(t, err)
	require.True(t, found)

	env.clock.Advance(5 * time.Minute)
	msg = env.callTool(connectionID, "useai_heartbeat", `{}`, 3)
	require.Equal(t, "Session active for 5m", toolText(t, msg))

	env.clock.Advance(10 * time.Minute)
	msg = env.callTool(connectionID, "session_end",
		`{"languages":["go"],"files_touched":2,"milestones":[{"title":"Implemented watcher","category":"feature","complexity":"medium"}]}`, 4)
	require.Equal(t, "Session sealed after 15m (1 milestones)", toolText(t, msg))

	require.Equal(t, chain.StateSealed, env.chains.State(sessionID))
	records, err := env.chains.Read(sessionID)
	require.NoError(t, err)
	require.NoError(t, chain.Verify(records))

	seal, err := env.sessions.Get(sessionID)
	require.NoError(t, err)
	require.NotNil(t, seal)
	require.Equal(t, "example-ide", seal.Client)
	require.Equal(t, []string{"go"}, seal.Languages)
}

func TestMCPToolsList(t *testing.T) {
	env := newServerEnv(t, nil)
	connectionID := env.initialize()

	rec := env.rpc(`{"jsonrpc":"2.0","id":2,"method":"tools/list"}`, connectionID)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	msg := decodeRPC(t, rec)
	result, ok := msg["result"].(map[string]any)
	require.True(t, ok, "expected result, got %v", msg)
	rawTools, ok := result["tools"].([]any)
	require.True(t, ok)

	names := make([]string, 0, len(rawTools))
	for _, raw := range rawTools {
		tool, ok := raw.(map[string]any)
		require.True(t, ok)
		names = append(names, tool["name"].(string))
	}
	require.ElementsMatch(t, []string{"session_start", "useai_heartbeat", "session_end"}, names)
}

func TestMCPUnknownConnectionRejected(t *testing.T) {
	env := newServerEnv(t, nil)

	for _, tool := range []string{"useai_heartbeat", "session_end"} {
		rec := env.rpc(fmt.Sprintf(`{"jsonrpc":"2.0","id":7,"method":"tools/call","params":{"name":%q,"arguments":{}}}`, tool), "conn-unknown")
		require.Equal(t, http.StatusOK, rec.Code)

		var resp struct {
			JSONRPC string `json:"jsonrpc"`
			ID      int    `json:"id"`
			Error   struct {
				Code    int    `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		require.Equal(t, "2.0", resp.JSONRPC)
		require.Equal(t, 7, resp.ID)
		require.Equal(t, -32000, resp.Error.Code)
		require.Equal(t, "Session not found", resp.Error.Message)
	}

	// session_start creates state instead of requiring it, so an unknown
	// connection id is allowed through.
	msg := env.callTool("conn-unknown", "session_start", `{"client":"example-ide","task_type":"coding"}`, 8)
	require.Contains(t, toolText(t, msg), "Session started")
}

func TestMCPStaleConnectionRecovers(t *testing.T) {
	env := newServerEnv(t, nil)

	// A chain and mapping left behind by a daemon that restarted.
	sessionID := "stale-session-1"
	_, err := env.chains.Append(sessionID, useaid.RecordSessionStart, useaid.SessionStartData{
		Client:   "example-ide",
		TaskType: "coding",
	}, useaid.GenesisHash)
	require.NoError(t, err)
	require.NoError(t, env.connmap.Set("conn-stale", sessionID))

	env.clock.Advance(7 * time.Minute)
	msg := env.callTool("conn-stale", "useai_heartbeat", `{}`, 2)
	require.Equal(t, "Session active for 7m", toolText(t, msg))

	records, err := env.chains.Read(sessionID)
	require.NoError(t, err)
	require.Len(t, records, 2)

	var hb useaid.HeartbeatData
	require.NoError(t, json.Unmarshal(records[1].Data, &hb))
	require.True(t, hb.Recovered)
	require.Equal(t, 1, env.coord.OpenContexts())
}
