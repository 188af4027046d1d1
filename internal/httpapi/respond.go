package httpapi

import (
	"errors"
	"net/http"

	"dispo-voice/internal/legs"
	"dispo-voice/internal/telephony"
	"dispo-voice/internal/transfer"
	"dispo-voice/pkg/logger"

	"github.com/gin-gonic/gin"
)

// respondError maps internal failures to HTTP responses. Full detail is
// logged server-side; callers get a short, stable message.
func respondError(c *gin.Context, err error) {
	status, msg := errStatus(err)

	log := logger.FromGin(c)
	if status >= 500 {
		log.Error("request failed", "status", status, "err", err)
	} else {
		log.Warn("request rejected", "status", status, "err", err)
	}

	c.AbortWithStatusJSON(status, gin.H{"success": false, "error": msg})
}

func errStatus(err error) (int, string) {
	switch {
	case errors.Is(err, legs.ErrMissingLeg):
		return http.StatusBadRequest, "required call leg is not registered"
	case errors.Is(err, legs.ErrNotFound):
		return http.StatusNotFound, "session not found"
	case errors.Is(err, legs.ErrInvalidArgument), errors.Is(err, transfer.ErrInvalidArgument):
		return http.StatusBadRequest, "invalid request"
	case errors.Is(err, transfer.ErrTransferInProgress):
		return http.StatusConflict, "a transfer is already in progress for this call"
	case errors.Is(err, transfer.ErrInvalidTransferState):
		return http.StatusConflict, "transfer is not in a valid state for this action"
	case errors.Is(err, telephony.ErrUnavailable):
		return http.StatusServiceUnavailable, "call control platform unavailable"
	}

	var ue *telephony.UpstreamError
	if errors.As(err, &ue) {
		// Platform 4xx rejections pass through so the console can tell a
		// dead leg from a bad request. Platform 5xx (and anything odd) is
		// our upstream failing, which is a gateway error here.
		status := ue.Status
		if status < 400 || status >= 500 {
			status = http.StatusBadGateway
		}
		return status, "call control platform rejected the command: " + ue.Detail
	}

	return http.StatusInternalServerError, "internal error"
}
