package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/skip2/go-qrcode"

	"github.com/KafClaw/wabridge/internal/instance"
	"github.com/KafClaw/wabridge/internal/supervisor"
)

type statusBody struct {
	Connected  bool               `json:"connected"`
	Connecting bool               `json:"connecting"`
	User       *instance.Identity `json:"user"`
	InstanceID string             `json:"instanceId"`
	LastSeen   *time.Time         `json:"lastSeen"`
	LoggedOut  bool               `json:"loggedOut"`
	HasQR      bool               `json:"hasQR"`
	Groups     int                `json:"groupsCached"`
}

func statusOfSnapshot(snap instance.Snapshot) statusBody {
	b := statusBody{
		Connected:  snap.Connected,
		Connecting: snap.Connecting,
		User:       snap.User,
		InstanceID: snap.ID,
		LoggedOut:  snap.LoggedOut,
		HasQR:      snap.HasQR,
		Groups:     snap.GroupsCached,
	}
	if !snap.LastSeen.IsZero() {
		seen := snap.LastSeen
		b.LastSeen = &seen
	}
	return b
}

func (s *Server) health(c *gin.Context) {
	counts := s.sup.Registry().Counts()
	now := s.now()
	c.JSON(http.StatusOK, gin.H{
		"status": "running",
		"instances": gin.H{
			"total":      counts.Total,
			"connected":  counts.Connected,
			"connecting": counts.Connecting,
		},
		"uptime":    now.Sub(s.started).Seconds(),
		"timestamp": now.UTC().Format(time.RFC3339),
	})
}

func (s *Server) statusAll(c *gin.Context) {
	out := make(map[string]statusBody)
	for _, inst := range s.sup.Registry().List() {
		out[inst.ID()] = statusOfSnapshot(inst.Snapshot())
	}
	c.JSON(http.StatusOK, out)
}

// status reports an unknown instance as disconnected rather than 404 so
// pollers can ask before the first connect.
func (s *Server) status(c *gin.Context) {
	id := c.Param("instanceId")
	inst, ok := s.sup.Registry().Get(id)
	if !ok {
		c.JSON(http.StatusOK, statusBody{InstanceID: id})
		return
	}
	c.JSON(http.StatusOK, statusOfSnapshot(inst.Snapshot()))
}

func (s *Server) qr(c *gin.Context) {
	id := c.Param("instanceId")
	var (
		code      string
		issued    time.Time
		connected bool
	)
	if inst, ok := s.sup.Registry().Get(id); ok {
		code, issued = inst.QR()
		connected = inst.State() == instance.StateConnected
	}

	if c.Query("format") == "png" {
		if code == "" {
			c.JSON(http.StatusNotFound, gin.H{"success": false, "instanceId": id, "error": "no pending QR code"})
			return
		}
		png, err := qrcode.Encode(code, qrcode.Medium, 256)
		if err != nil {
			s.fail(c, err, nil)
			return
		}
		c.Data(http.StatusOK, "image/png", png)
		return
	}

	body := gin.H{"qr": nil, "connected": connected, "instanceId": id, "expiresIn": 0}
	if code != "" {
		body["qr"] = code
		remaining := supervisor.QRExpiresIn - s.now().Sub(issued)
		if issued.IsZero() || remaining > supervisor.QRExpiresIn {
			remaining = supervisor.QRExpiresIn
		}
		if remaining < 0 {
			remaining = 0
		}
		body["expiresIn"] = int(remaining.Seconds())
	}
	c.JSON(http.StatusOK, body)
}

func (s *Server) connect(c *gin.Context) {
	id := c.Param("instanceId")
	res, err := s.sup.Connect(c.Request.Context(), id)
	if err != nil {
		s.fail(c, err, nil)
		return
	}
	switch res {
	case supervisor.ConnectAlreadyConnected:
		c.JSON(http.StatusOK, gin.H{"success": false, "instanceId": id, "message": "Instância " + id + " já está conectada"})
	case supervisor.ConnectAlreadyConnecting:
		c.JSON(http.StatusOK, gin.H{"success": true, "instanceId": id, "message": "Instância " + id + " já está conectando..."})
	default:
		c.JSON(http.StatusOK, gin.H{"success": true, "instanceId": id, "message": "Iniciando conexão para instância " + id + "..."})
	}
}

func (s *Server) disconnect(c *gin.Context) {
	id := c.Param("instanceId")
	if err := s.sup.Logout(c.Request.Context(), id); err != nil {
		s.fail(c, err, gin.H{"message": "Instância não encontrada"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "instanceId": id, "message": "Instância " + id + " desconectada"})
}
