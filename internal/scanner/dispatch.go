package scanner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/uploadguard/backend/internal/models"
	"github.com/uploadguard/backend/internal/recovery"
)

// ErrUnknownMessage is returned by Dispatch for message types outside the
// contract.
var ErrUnknownMessage = errors.New("unknown message type")

// Dispatch decodes payload for msgType and runs the matching call. The
// returned value is the contract response. An error is returned only when
// the message itself is unusable.
func (s *Scanner) Dispatch(ctx context.Context, msgType string, payload json.RawMessage) (any, error) {
	switch msgType {
	case models.MsgStreamInit:
		var req models.StreamInitRequest
		if err := decode(payload, &req); err != nil {
			return nil, err
		}
		return s.StreamInit(ctx, req), nil

	case models.MsgStreamChunk:
		var req models.StreamChunkRequest
		if err := decode(payload, &req); err != nil {
			return nil, err
		}
		return s.StreamChunk(ctx, req), nil

	case models.MsgStreamFinalize:
		var req models.StreamFinalizeRequest
		if err := decode(payload, &req); err != nil {
			return nil, err
		}
		return s.StreamFinalize(ctx, req), nil

	case models.MsgAnalyzeFile:
		var req models.AnalyzeFileRequest
		if err := decode(payload, &req); err != nil {
			return nil, err
		}
		return s.AnalyzeFile(ctx, req), nil

	case models.MsgGetStatus:
		return s.Status(), nil

	case models.MsgGetErrorLog:
		return s.ErrorLog(), nil

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownMessage, msgType)
	}
}

func decode(payload json.RawMessage, v any) error {
	if len(payload) == 0 {
		return recovery.NewError(models.ErrorTypeFile, recovery.CodeInvalidPayload, "payload is required", false)
	}
	if err := json.Unmarshal(payload, v); err != nil {
		return recovery.Wrap(models.ErrorTypeFile, recovery.CodeInvalidPayload, false, fmt.Errorf("invalid payload: %w", err))
	}
	return nil
}
