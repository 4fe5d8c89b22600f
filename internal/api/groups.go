package api

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/KafClaw/wabridge/internal/groups"
	"github.com/KafClaw/wabridge/internal/network"
)

type createGroupBody struct {
	Subject      string   `json:"subject"`
	Name         string   `json:"name"`
	Participants []string `json:"participants"`
}

type participantsBody struct {
	Participants []string `json:"participants"`
	Action       string   `json:"action"`
}

type subjectBody struct {
	Subject string `json:"subject"`
}

type descriptionBody struct {
	Description string `json:"description"`
}

func refreshRequested(c *gin.Context) bool {
	v, _ := strconv.ParseBool(c.Query("refresh"))
	return v
}

// groupService resolves the service for the request's instance or writes
// the error response.
func (s *Server) groupService(c *gin.Context) (*groups.Service, bool) {
	svc, err := s.sup.Groups(c.Param("instanceId"))
	if err != nil {
		s.fail(c, err, nil)
		return nil, false
	}
	return svc, true
}

func (s *Server) listGroups(c *gin.Context) {
	svc, err := s.sup.Groups(c.Param("instanceId"))
	if err != nil {
		s.fail(c, err, gin.H{"groups": []groups.View{}})
		return
	}
	list, err := svc.List(c.Request.Context(), refreshRequested(c))
	if err != nil {
		s.fail(c, err, gin.H{"groups": []groups.View{}})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success":    true,
		"instanceId": c.Param("instanceId"),
		"groups":     list,
		"count":      len(list),
		"timestamp":  s.now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) getGroup(c *gin.Context) {
	svc, ok := s.groupService(c)
	if !ok {
		return
	}
	view, err := svc.Get(c.Request.Context(), c.Param("groupId"), refreshRequested(c))
	if err != nil {
		s.fail(c, err, nil)
		return
	}
	s.groupOK(c, view, nil)
}

func (s *Server) createGroup(c *gin.Context) {
	svc, ok := s.groupService(c)
	if !ok {
		return
	}
	var body createGroupBody
	if err := c.ShouldBindJSON(&body); err != nil {
		s.badRequest(c, err)
		return
	}
	subject := body.Subject
	if strings.TrimSpace(subject) == "" {
		subject = body.Name
	}
	view, err := svc.Create(c.Request.Context(), subject, body.Participants)
	if err != nil {
		s.fail(c, err, nil)
		return
	}
	s.log.Info("Group created", "instance", c.Param("instanceId"), "group", view.ID)
	c.JSON(http.StatusCreated, gin.H{"success": true, "instanceId": c.Param("instanceId"), "group": view})
}

func (s *Server) updateParticipants(c *gin.Context) {
	svc, ok := s.groupService(c)
	if !ok {
		return
	}
	var body participantsBody
	if err := c.ShouldBindJSON(&body); err != nil {
		s.badRequest(c, err)
		return
	}
	action := network.ParticipantAction(strings.ToLower(strings.TrimSpace(body.Action)))
	view, results, err := svc.UpdateParticipants(c.Request.Context(), c.Param("groupId"), body.Participants, action)
	if err != nil {
		s.fail(c, err, nil)
		return
	}
	if results == nil {
		results = []network.ParticipantResult{}
	}
	s.groupOK(c, view, gin.H{"action": action, "results": results})
}

func (s *Server) setSubject(c *gin.Context) {
	svc, ok := s.groupService(c)
	if !ok {
		return
	}
	var body subjectBody
	if err := c.ShouldBindJSON(&body); err != nil {
		s.badRequest(c, err)
		return
	}
	view, err := svc.SetSubject(c.Request.Context(), c.Param("groupId"), body.Subject)
	if err != nil {
		s.fail(c, err, nil)
		return
	}
	s.groupOK(c, view, nil)
}

func (s *Server) setDescription(c *gin.Context) {
	svc, ok := s.groupService(c)
	if !ok {
		return
	}
	var body descriptionBody
	if err := c.ShouldBindJSON(&body); err != nil {
		s.badRequest(c, err)
		return
	}
	view, err := svc.SetDescription(c.Request.Context(), c.Param("groupId"), body.Description)
	if err != nil {
		s.fail(c, err, nil)
		return
	}
	s.groupOK(c, view, nil)
}

func (s *Server) setSettings(c *gin.Context) {
	svc, ok := s.groupService(c)
	if !ok {
		return
	}
	var change groups.SettingsChange
	if err := c.ShouldBindJSON(&change); err != nil {
		s.badRequest(c, err)
		return
	}
	view, err := svc.SetSettings(c.Request.Context(), c.Param("groupId"), change)
	if err != nil {
		s.fail(c, err, nil)
		return
	}
	s.groupOK(c, view, nil)
}

func (s *Server) leaveGroup(c *gin.Context) {
	svc, ok := s.groupService(c)
	if !ok {
		return
	}
	groupID := groups.NormalizeGroupID(c.Param("groupId"))
	if err := svc.Leave(c.Request.Context(), groupID); err != nil {
		s.fail(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "instanceId": c.Param("instanceId"), "groupId": groupID})
}

func (s *Server) inviteCode(c *gin.Context) {
	s.invite(c, false)
}

func (s *Server) revokeInvite(c *gin.Context) {
	s.invite(c, true)
}

func (s *Server) invite(c *gin.Context, reset bool) {
	svc, ok := s.groupService(c)
	if !ok {
		return
	}
	groupID := groups.NormalizeGroupID(c.Param("groupId"))
	var (
		code string
		err  error
	)
	if reset {
		code, err = svc.RevokeInvite(c.Request.Context(), groupID)
	} else {
		code, err = svc.InviteCode(c.Request.Context(), groupID)
	}
	if err != nil {
		s.fail(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success":    true,
		"instanceId": c.Param("instanceId"),
		"groupId":    groupID,
		"inviteCode": code,
		"inviteLink": "https://chat.whatsapp.com/" + code,
	})
}

func (s *Server) groupOK(c *gin.Context, view groups.View, extra gin.H) {
	body := gin.H{"success": true, "instanceId": c.Param("instanceId"), "group": view}
	for k, v := range extra {
		body[k] = v
	}
	c.JSON(http.StatusOK, body)
}
