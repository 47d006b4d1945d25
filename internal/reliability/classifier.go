package reliability

import (
	"errors"
	"io"
	"net"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/gorilla/websocket"
)

// MaxCloseReasonBytes is the largest reason a websocket close frame can carry.
const MaxCloseReasonBytes = 123

// CloseInfo describes how one side of a relay ended.
type CloseInfo struct {
	Code     int
	Reason   string
	Abnormal bool
}

// ClassifyClose maps a read error from a websocket into a close code and
// whether the peer went away cleanly.
func ClassifyClose(err error) CloseInfo {
	if err == nil {
		return CloseInfo{Code: websocket.CloseNormalClosure}
	}
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		switch ce.Code {
		case websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived:
			return CloseInfo{Code: ce.Code, Reason: TruncateReason(ce.Text)}
		default:
			reason := ce.Text
			if strings.TrimSpace(reason) == "" {
				reason = "closed with code " + strconv.Itoa(ce.Code)
			}
			return CloseInfo{Code: ce.Code, Reason: TruncateReason(reason), Abnormal: true}
		}
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed) {
		return CloseInfo{Code: websocket.CloseAbnormalClosure, Reason: "connection lost", Abnormal: true}
	}
	return CloseInfo{Code: websocket.CloseAbnormalClosure, Reason: TruncateReason(err.Error()), Abnormal: true}
}

// TruncateReason shortens a close reason to fit a control frame without
// splitting a UTF-8 sequence.
func TruncateReason(reason string) string {
	if len(reason) <= MaxCloseReasonBytes {
		return reason
	}
	cut := MaxCloseReasonBytes
	for cut > 0 && !utf8.RuneStart(reason[cut]) {
		cut--
	}
	return reason[:cut]
}

// Sendable reports whether code may appear in a close frame on the wire.
func Sendable(code int) bool {
	switch code {
	case websocket.CloseNoStatusReceived, websocket.CloseAbnormalClosure, websocket.CloseTLSHandshake:
		return false
	}
	return code >= 1000 && code < 5000
}
