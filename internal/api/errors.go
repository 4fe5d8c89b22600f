package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/KafClaw/wabridge/internal/groups"
	"github.com/KafClaw/wabridge/internal/instance"
	"github.com/KafClaw/wabridge/internal/media"
	"github.com/KafClaw/wabridge/internal/message"
	"github.com/KafClaw/wabridge/internal/supervisor"
)

const msgNotConnected = "Instância não conectada"

// statusOf maps a service error to an HTTP status, the message shown to the
// client and, for validation failures, the offending field.
func statusOf(err error) (code int, msg, field string) {
	var (
		msgErr   *message.ValidationError
		mediaErr *media.ValidationError
		groupErr *groups.ValidationError
		tooLarge *media.TooLargeError
		maxBytes *http.MaxBytesError
	)
	switch {
	case errors.Is(err, instance.ErrNotConnected):
		return http.StatusBadRequest, msgNotConnected, ""
	case errors.Is(err, instance.ErrNotFound):
		return http.StatusNotFound, "Instância não encontrada", ""
	case errors.Is(err, instance.ErrInvalidID):
		return http.StatusBadRequest, err.Error(), "instanceId"
	case errors.Is(err, supervisor.ErrShuttingDown):
		return http.StatusServiceUnavailable, err.Error(), ""
	case errors.As(err, &msgErr):
		return http.StatusBadRequest, msgErr.Reason, msgErr.Field
	case errors.As(err, &groupErr):
		return http.StatusBadRequest, groupErr.Reason, groupErr.Field
	case errors.As(err, &tooLarge):
		return http.StatusRequestEntityTooLarge, tooLarge.Error(), ""
	case errors.As(err, &maxBytes):
		return http.StatusRequestEntityTooLarge, "request body too large", ""
	case errors.As(err, &mediaErr):
		return http.StatusBadRequest, mediaErr.Reason, ""
	case errors.Is(err, groups.ErrNotAdmin):
		return http.StatusForbidden, "a conta conectada não é administradora do grupo", ""
	case errors.Is(err, groups.ErrGroupNotFound):
		return http.StatusNotFound, "Grupo não encontrado", ""
	case errors.Is(err, groups.ErrUnknownAction):
		return http.StatusBadRequest, err.Error(), "action"
	}
	return http.StatusBadGateway, err.Error(), ""
}

// fail writes the error response for err. extra is merged into the body.
func (s *Server) fail(c *gin.Context, err error, extra gin.H) {
	code, msg, field := statusOf(err)
	body := gin.H{"success": false, "error": msg}
	if id := c.Param("instanceId"); id != "" {
		body["instanceId"] = id
	}
	if field != "" {
		body["field"] = field
	}
	for k, v := range extra {
		body[k] = v
	}
	if code >= http.StatusInternalServerError {
		s.log.Warn("Request failed", "path", c.FullPath(), "instance", c.Param("instanceId"), "cid", CorrelationID(c.Request.Context()), "error", err)
	}
	c.JSON(code, body)
}

// badRequest reports a malformed body. Oversized bodies keep their 413.
func (s *Server) badRequest(c *gin.Context, err error) {
	var maxBytes *http.MaxBytesError
	if errors.As(err, &maxBytes) {
		s.fail(c, err, nil)
		return
	}
	c.JSON(http.StatusBadRequest, gin.H{"success": false, "instanceId": c.Param("instanceId"), "error": "invalid JSON body: " + err.Error()})
}
