package webhook

import (
	"errors"
	"io"
	"net/http"

	"practice-dialer/internal/telephony"
	"practice-dialer/pkg/logger"

	"github.com/gin-gonic/gin"
)

const maxBodyBytes = 1 << 20

// Handler is the provider-facing endpoint. It answers 200 for every
// authenticated delivery, including ones it could not apply; the webhook
// log carries the detail.
type Handler struct {
	Processor *Processor
}

func (h Handler) Receive(c *gin.Context) {
	log := logger.FromGin(c)

	if h.Processor == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "webhook processor not configured"})
		return
	}

	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxBodyBytes))
	if err != nil {
		log.Warn("webhook body read failed", "err", err)
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "unreadable body"})
		return
	}

	entry, err := h.Processor.Handle(logger.With(c.Request.Context(), log), c.GetHeader(telephony.SignatureHeader), body)
	if errors.Is(err, telephony.ErrInvalidSignature) {
		log.Warn("webhook signature rejected", "err", err)
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid signature"})
		return
	}
	if err != nil {
		log.Error("webhook handling failed", "err", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "webhook failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "result": entry.Result})
}
