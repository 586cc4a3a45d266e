package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/uploadguard/backend/internal/recovery"
	"github.com/uploadguard/backend/internal/scanner"
)

// WebSocket message types outside the analysis contract
const (
	MsgTypeConnected = "CONNECTED"
	MsgTypePing      = "PING"
	MsgTypePong      = "PONG"
	MsgTypeError     = "ERROR"

	// resultSuffix is appended to a request type to form its reply type
	resultSuffix = "_RESULT"
)

// DefaultMaxMessageSize bounds one inbound WebSocket message. A 1 MiB
// chunk plus its JSON envelope must fit.
const DefaultMaxMessageSize = 4 << 20

// WebSocket message structure
type WSMessage struct {
	Type      string          `json:"type"`
	ID        string          `json:"id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp int64           `json:"timestamp"`
}

// WebSocket error response
type WSErrorResponse struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

// WebSocketHandler runs the analysis contract over a WebSocket. Messages
// on one connection are handled in order, one at a time.
type WebSocketHandler struct {
	scanner        Scanner
	upgrader       websocket.Upgrader
	maxMessageSize int64
	logger         *zap.Logger
}

// NewWebSocketHandler creates a new WebSocket handler
func NewWebSocketHandler(s Scanner, maxMessageSize int64, logger *zap.Logger) *WebSocketHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if maxMessageSize <= 0 {
		maxMessageSize = DefaultMaxMessageSize
	}
	return &WebSocketHandler{
		scanner: s,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
			ReadBufferSize:  64 * 1024,
			WriteBufferSize: 64 * 1024,
		},
		maxMessageSize: maxMessageSize,
		logger:         logger,
	}
}

// HandleWebSocket upgrades the connection and serves messages until the
// client goes away.
func (wsh *WebSocketHandler) HandleWebSocket(c echo.Context) error {
	ws, err := wsh.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}
	defer ws.Close()
	ws.SetReadLimit(wsh.maxMessageSize)

	remote := c.RealIP()
	wsh.logger.Info("websocket client connected", zap.String("remote", remote))
	wsh.sendMessage(ws, WSMessage{Type: MsgTypeConnected, Timestamp: time.Now().UnixMilli()})

	ctx := c.Request().Context()
	for {
		var msg WSMessage
		if err := ws.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				wsh.logger.Warn("websocket read failed", zap.String("remote", remote), zap.Error(err))
			}
			break
		}

		if msg.Type == MsgTypePing {
			wsh.sendMessage(ws, WSMessage{Type: MsgTypePong, ID: msg.ID, Timestamp: time.Now().UnixMilli()})
			continue
		}

		resp, err := wsh.scanner.Dispatch(ctx, msg.Type, msg.Payload)
		if err != nil {
			wsh.sendError(ws, msg.ID, err)
			continue
		}
		wsh.sendMessage(ws, WSMessage{
			Type:      msg.Type + resultSuffix,
			ID:        msg.ID,
			Payload:   mustJSON(resp),
			Timestamp: time.Now().UnixMilli(),
		})
	}

	wsh.logger.Info("websocket client disconnected", zap.String("remote", remote))
	return nil
}

// Helper methods

func (wsh *WebSocketHandler) sendMessage(ws *websocket.Conn, msg WSMessage) {
	if err := ws.WriteJSON(msg); err != nil {
		wsh.logger.Warn("failed to send websocket message", zap.String("type", msg.Type), zap.Error(err))
	}
}

func (wsh *WebSocketHandler) sendError(ws *websocket.Conn, id string, err error) {
	code := "INVALID_TYPE"
	if !errors.Is(err, scanner.ErrUnknownMessage) {
		code = ""
		if e := recovery.AsError(err); e != nil {
			code = e.Code
		}
	}
	wsh.sendMessage(ws, WSMessage{
		Type:      MsgTypeError,
		ID:        id,
		Timestamp: time.Now().UnixMilli(),
		Payload:   mustJSON(WSErrorResponse{Message: err.Error(), Code: code}),
	})
}

func mustJSON(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return data
}
