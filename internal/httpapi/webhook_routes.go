package httpapi

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"agendacore/internal/reminder"
	"agendacore/internal/store"
	"agendacore/internal/webhook"
	logx "agendacore/pkg/logx"
)

// lembreteHorizon covers every establishment's local today around now.
const lembreteHorizon = 36 * time.Hour

// lembretes lists appointments, across all establishments, that start within
// the reminder lead time on their establishment's current local day.
func (s *Server) lembretes(c *gin.Context) {
	ctx := c.Request.Context()
	now := s.now()
	list, err := s.d.Appointments.ListBetween(ctx, store.Naive(now.Add(-lembreteHorizon)), store.Naive(now.Add(lembreteHorizon)))
	if err != nil {
		s.storeError(c, "list appointments", err)
		return
	}

	zones := map[int64]*time.Location{}
	out := make([]webhook.Reminder, 0)
	for _, a := range list {
		if a.Cancelled() {
			continue
		}
		loc, ok := zones[a.EstablishmentID]
		if !ok {
			loc = s.d.Reminders.Zone(ctx, a.EstablishmentID)
			zones[a.EstablishmentID] = loc
		}
		if reminder.DueSoon(a.StartLocal, loc, now) {
			out = append(out, webhook.NewReminder(a))
		}
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "total_lembretes": len(out), "lembretes": out})
}

// upcoming returns each client's next appointment at an establishment.
func (s *Server) upcoming(c *gin.Context) {
	estID, ok := pathID(c, "establishmentId")
	if !ok {
		return
	}
	list, ok := s.upcomingAt(c, estID)
	if !ok {
		return
	}
	seen := map[int64]struct{}{}
	out := make([]webhook.Reminder, 0)
	for _, a := range list {
		if _, dup := seen[a.ClientID]; dup {
			continue
		}
		seen[a.ClientID] = struct{}{}
		out = append(out, webhook.NewReminder(a))
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "total_clients": len(out), "appointments": out})
}

func (s *Server) upcomingForClient(c *gin.Context) {
	estID, ok := pathID(c, "establishmentId")
	if !ok {
		return
	}
	clientID, ok := pathID(c, "clientId")
	if !ok {
		return
	}
	list, ok := s.upcomingAt(c, estID)
	if !ok {
		return
	}
	for _, a := range list {
		if a.ClientID != clientID {
			continue
		}
		c.JSON(http.StatusOK, gin.H{
			"success":                  true,
			"has_upcoming_appointment": true,
			"appointment":              webhook.NewReminder(a),
			"client_name":              a.ClientName,
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "has_upcoming_appointment": false})
}

// upcomingAt lists future non-cancelled appointments of an establishment in
// start order. It writes the error response itself.
func (s *Server) upcomingAt(c *gin.Context, estID int64) ([]store.Appointment, bool) {
	ctx := c.Request.Context()
	if _, err := s.d.Establishments.GetEstablishment(ctx, estID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			fail(c, http.StatusNotFound, "establishment not found")
			return nil, false
		}
		s.storeError(c, "get establishment", err)
		return nil, false
	}
	from := s.now().In(s.d.Reminders.Zone(ctx, estID))
	list, err := s.d.Appointments.ListUpcoming(ctx, estID, store.Naive(from))
	if err != nil {
		s.storeError(c, "list upcoming", err)
		return nil, false
	}
	return list, true
}

func (s *Server) storeError(c *gin.Context, op string, err error) {
	s.log.Error("store query failed", logx.String("op", op), logx.Err(err))
	_ = c.Error(err)
	fail(c, http.StatusInternalServerError, "internal error")
}

func pathID(c *gin.Context, name string) (int64, bool) {
	id, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil || id <= 0 {
		fail(c, http.StatusBadRequest, "invalid "+name)
		return 0, false
	}
	return id, true
}
