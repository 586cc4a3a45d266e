package api

import (
	"bytes"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/vmihailenco/msgpack/v5"
)

// MIMEApplicationMsgpack is the negotiated binary response type.
const MIMEApplicationMsgpack = "application/msgpack"

// respond writes v as JSON, or as msgpack when the client accepts it.
// msgpack bodies use the same field names as JSON.
func respond(c echo.Context, status int, v any) error {
	if !wantsMsgpack(c) {
		return c.JSON(status, v)
	}
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.SetCustomStructTag("json")
	enc.UseCompactInts(true)
	if err := enc.Encode(v); err != nil {
		return NewInternalError("failed to encode msgpack", err)
	}
	return c.Blob(status, MIMEApplicationMsgpack, buf.Bytes())
}

func wantsMsgpack(c echo.Context) bool {
	accept := c.Request().Header.Get(echo.HeaderAccept)
	return strings.Contains(accept, MIMEApplicationMsgpack) || strings.Contains(accept, "application/x-msgpack")
}
