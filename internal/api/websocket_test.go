package api

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uploadguard/backend/internal/models"
	"github.com/uploadguard/backend/internal/recovery"
)

func dialTestServer(t *testing.T) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(newTestEcho(t, newTestScanner(t, true)))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	hello := readMessage(t, conn)
	require.Equal(t, MsgTypeConnected, hello.Type)
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) WSMessage {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var msg WSMessage
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func send(t *testing.T, conn *websocket.Conn, msgType, id, payload string) WSMessage {
	t.Helper()
	msg := WSMessage{Type: msgType, ID: id}
	if payload != "" {
		msg.Payload = json.RawMessage(payload)
	}
	require.NoError(t, conn.WriteJSON(msg))
	return readMessage(t, conn)
}

func TestWebSocket_PingPong(t *testing.T) {
	conn := dialTestServer(t)
	reply := send(t, conn, MsgTypePing, "p1", "")
	assert.Equal(t, MsgTypePong, reply.Type)
	assert.Equal(t, "p1", reply.ID)
}

func TestWebSocket_StreamLifecycle(t *testing.T) {
	conn := dialTestServer(t)

	reply := send(t, conn, models.MsgStreamInit, "1", `{"operation_id":"ws-op","file":{"name":"a.txt","size":20}}`)
	require.Equal(t, "STREAM_INIT_RESULT", reply.Type)
	assert.Equal(t, "1", reply.ID)
	var init models.StreamInitResponse
	require.NoError(t, json.Unmarshal(reply.Payload, &init))
	require.True(t, init.Success)

	reply = send(t, conn, models.MsgStreamChunk, "2", `{"operation_id":"ws-op","chunk":"hello world again"}`)
	require.Equal(t, "STREAM_CHUNK_RESULT", reply.Type)
	var chunk models.StreamChunkResponse
	require.NoError(t, json.Unmarshal(reply.Payload, &chunk))
	require.True(t, chunk.Success)
	assert.Equal(t, uint64(1), chunk.Sequence)

	reply = send(t, conn, models.MsgStreamFinalize, "3", `{"operation_id":"ws-op"}`)
	require.Equal(t, "STREAM_FINALIZE_RESULT", reply.Type)
	var final models.AnalysisResponse
	require.NoError(t, json.Unmarshal(reply.Payload, &final))
	require.True(t, final.Success)
	assert.Equal(t, models.DecisionAllow, final.Result.Decision)

	reply = send(t, conn, models.MsgGetStatus, "4", "")
	require.Equal(t, "GET_STATUS_RESULT", reply.Type)
	var status models.StatusResponse
	require.NoError(t, json.Unmarshal(reply.Payload, &status))
	assert.Equal(t, 0, status.ActiveOperations)
}

func TestWebSocket_Errors(t *testing.T) {
	conn := dialTestServer(t)

	tests := []struct {
		name     string
		msgType  string
		payload  string
		wantCode string
	}{
		{"unknown type", "EXPLODE", "", "INVALID_TYPE"},
		{"payload not an object", models.MsgStreamInit, `"oops"`, recovery.CodeInvalidPayload},
		{"missing payload", models.MsgStreamChunk, "", recovery.CodeInvalidPayload},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reply := send(t, conn, tt.msgType, "e", tt.payload)
			require.Equal(t, MsgTypeError, reply.Type)
			assert.Equal(t, "e", reply.ID)
			var body WSErrorResponse
			require.NoError(t, json.Unmarshal(reply.Payload, &body))
			assert.Equal(t, tt.wantCode, body.Code)
		})
	}

	// The connection survives errors.
	reply := send(t, conn, MsgTypePing, "after", "")
	assert.Equal(t, MsgTypePong, reply.Type)
}
