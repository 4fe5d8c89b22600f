package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/KafClaw/wabridge/internal/message"
)

// send validates the body before touching the network so a bad request
// never produces a partial send.
func (s *Server) send(c *gin.Context) {
	id := c.Param("instanceId")
	sess, err := s.sup.Session(id)
	if err != nil {
		s.fail(c, err, nil)
		return
	}

	var req message.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, err)
		return
	}
	to, err := message.NormalizeRecipient(req.To)
	if err != nil {
		s.fail(c, err, nil)
		return
	}
	payload, err := s.builder.Build(c.Request.Context(), &req)
	if err != nil {
		s.fail(c, err, nil)
		return
	}

	msgID, err := sess.SendMessage(c.Request.Context(), to, payload)
	if err != nil {
		s.fail(c, err, nil)
		return
	}
	s.log.Info("Message sent", "instance", id, "to", to, "kind", payload.Kind, "id", msgID)
	c.JSON(http.StatusOK, gin.H{
		"success":    true,
		"instanceId": id,
		"messageId":  msgID,
		"to":         to,
		"type":       payload.Kind,
	})
}
