package http

import (
	"io"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"

	apperrors "github.com/moolai/realtime-gateway/internal/core/errors"
)

func TestCloseReason(t *testing.T) {
	// A deliberate close handshake from the client is not an error.
	assert.Equal(t, apperrors.ReasonClientRequest,
		closeReason(&websocket.CloseError{Code: websocket.CloseNormalClosure}))
	assert.Equal(t, apperrors.ReasonClientRequest,
		closeReason(&websocket.CloseError{Code: websocket.CloseGoingAway}))

	assert.Equal(t, apperrors.ReasonTransportError,
		closeReason(&websocket.CloseError{Code: websocket.CloseAbnormalClosure}))
	assert.Equal(t, apperrors.ReasonTransportError,
		closeReason(io.ErrUnexpectedEOF))
}
