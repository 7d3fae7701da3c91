package httpapi

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"agendacore/internal/realtime"
	"agendacore/internal/reminder"
	logx "agendacore/pkg/logx"
)

type eventRequest struct {
	Type            string          `json:"type"`
	EstablishmentID int64           `json:"establishmentId"`
	StaffID         *int64          `json:"staffId"`
	Role            string          `json:"role"`
	UserID          int64           `json:"userId"`
	Data            json.RawMessage `json:"data"`
}

func (s *Server) publishEvent(c *gin.Context) {
	var req eventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "invalid body")
		return
	}
	typ, err := realtime.ParseEventType(req.Type)
	if err != nil {
		fail(c, http.StatusBadRequest, err.Error())
		return
	}
	var data any
	if d := bytes.TrimSpace(req.Data); len(d) > 0 && !bytes.Equal(d, []byte("null")) {
		data = json.RawMessage(d)
	}
	n, err := s.d.Broadcaster.Publish(
		realtime.Event{Type: typ, StaffID: req.StaffID, Data: data},
		realtime.Target{TenantID: req.EstablishmentID, Role: req.Role, UserID: req.UserID},
	)
	if err != nil {
		fail(c, http.StatusBadRequest, err.Error())
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"success": true, "delivered": n})
}

func (s *Server) syncAppointment(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	job, err := s.d.Reminders.Sync(c.Request.Context(), id)
	switch {
	case errors.Is(err, reminder.ErrDisabled):
		fail(c, http.StatusConflict, "reminders disabled")
	case errors.Is(err, reminder.ErrStopped):
		fail(c, http.StatusServiceUnavailable, "shutting down")
	case err != nil:
		s.log.Error("reminder sync failed", logx.Int64("appointment", id), logx.Err(err))
		_ = c.Error(err)
		fail(c, http.StatusInternalServerError, "internal error")
	default:
		c.JSON(http.StatusOK, gin.H{"success": true, "job": job})
	}
}

func (s *Server) getReminder(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	job, found := s.d.Reminders.Job(id)
	if !found {
		fail(c, http.StatusNotFound, "no reminder for appointment")
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "job": job})
}

func (s *Server) cancelReminder(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "cancelled": s.d.Reminders.Cancel(id)})
}

func (s *Server) stats(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"success":        true,
		"connections":    s.d.Registry.Len(),
		"authenticated":  s.d.Registry.Authenticated(),
		"establishments": s.d.Registry.TenantCounts(),
		"reminders":      s.d.Reminders.Snapshot(),
	})
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":        "ok",
		"connections":   s.d.Registry.Len(),
		"authenticated": s.d.Registry.Authenticated(),
	})
}
