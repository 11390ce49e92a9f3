package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"support-bridge/internal/auth"
	"support-bridge/internal/errs"
	"support-bridge/internal/middleware"
	"support-bridge/internal/model"
	"support-bridge/internal/protocol"
	"support-bridge/internal/store"
)

// Notifier pushes server-originated events onto a session's channel.
type Notifier interface {
	Publish(sessionID, event string, payload any)
}

type SessionHandler struct {
	Store    *store.Store
	Notifier Notifier
	Logger   *zap.Logger
}

type closeSessionBody struct {
	Reason string `json:"reason"`
}

func (h *SessionHandler) logger() *zap.Logger {
	if h.Logger == nil {
		return zap.NewNop()
	}
	return h.Logger
}

func writeError(c *gin.Context, err error) {
	status := http.StatusBadRequest
	switch {
	case errors.Is(err, errs.ErrSessionNotFound):
		status = http.StatusNotFound
	case errors.Is(err, errs.ErrAlreadyJoined), errors.Is(err, errs.ErrSessionClosed), errors.Is(err, errs.ErrInvalidTransition):
		status = http.StatusConflict
	case errors.Is(err, errs.ErrForbidden):
		status = http.StatusForbidden
	case errors.Is(err, errs.ErrNotAuthenticated):
		status = http.StatusUnauthorized
	}
	c.JSON(status, gin.H{"error": err.Error(), "code": errs.Code(err)})
}

func (h *SessionHandler) notifyStatus(sess model.SupportSession) {
	if h.Notifier == nil {
		return
	}
	h.Notifier.Publish(sess.ID, protocol.EventSessionStatus, protocol.SessionStatus{
		Status:  sess.Status,
		AdminID: sess.AdminID,
		Reason:  sess.CloseReason,
	})
}

// loadForActor fetches the session and checks the actor owns it or is an admin.
func (h *SessionHandler) loadForActor(c *gin.Context) (model.SupportSession, auth.Actor, bool) {
	actor, ok := middleware.ActorFromContext(c)
	if !ok {
		writeError(c, errs.ErrNotAuthenticated)
		return model.SupportSession{}, actor, false
	}
	sess, ok := h.Store.GetSession(c.Param("id"))
	if !ok {
		writeError(c, errs.ErrSessionNotFound)
		return model.SupportSession{}, actor, false
	}
	if !actor.IsAdmin() && sess.UserID != actor.ID {
		writeError(c, errs.ErrForbidden)
		return model.SupportSession{}, actor, false
	}
	return sess, actor, true
}

func (h *SessionHandler) Create(c *gin.Context) {
	actor, ok := middleware.ActorFromContext(c)
	if !ok {
		writeError(c, errs.ErrNotAuthenticated)
		return
	}

	sess, created, err := h.Store.GetOrCreateSession(actor.ID)
	if err != nil {
		writeError(c, err)
		return
	}
	if created {
		h.logger().Info("support session created", zap.String("session_id", sess.ID), zap.String("user_id", actor.ID))
	}
	c.JSON(http.StatusOK, gin.H{"session": sess, "created": created})
}

func (h *SessionHandler) Mine(c *gin.Context) {
	actor, ok := middleware.ActorFromContext(c)
	if !ok {
		writeError(c, errs.ErrNotAuthenticated)
		return
	}
	sess, ok := h.Store.GetUserSession(actor.ID)
	if !ok {
		c.JSON(http.StatusOK, gin.H{"session": nil})
		return
	}
	c.JSON(http.StatusOK, gin.H{"session": sess})
}

func (h *SessionHandler) Get(c *gin.Context) {
	sess, _, ok := h.loadForActor(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{"session": sess})
}

func (h *SessionHandler) List(c *gin.Context) {
	var statuses []model.SessionStatus
	if raw := c.Query("status"); raw != "" {
		st := model.SessionStatus(raw)
		if !st.Valid() {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid status"})
			return
		}
		statuses = append(statuses, st)
	}
	c.JSON(http.StatusOK, gin.H{"sessions": h.Store.ListSessions(statuses...)})
}

func (h *SessionHandler) Join(c *gin.Context) {
	actor, ok := middleware.ActorFromContext(c)
	if !ok {
		writeError(c, errs.ErrNotAuthenticated)
		return
	}
	sess, err := h.Store.JoinSession(c.Param("id"), actor.ID)
	if err != nil {
		writeError(c, err)
		return
	}
	h.logger().Info("support session joined", zap.String("session_id", sess.ID), zap.String("admin_id", actor.ID))
	h.notifyStatus(sess)
	c.JSON(http.StatusOK, gin.H{"session": sess})
}

func (h *SessionHandler) Close(c *gin.Context) {
	sess, actor, ok := h.loadForActor(c)
	if !ok {
		return
	}

	var body closeSessionBody
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&body); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
			return
		}
	}
	if body.Reason == "" {
		body.Reason = model.CloseReasonUserEnded
		if actor.IsAdmin() && sess.UserID != actor.ID {
			body.Reason = model.CloseReasonAdminEnded
		}
	}

	closed, changed, err := h.Store.CloseSession(sess.ID, body.Reason)
	if err != nil {
		writeError(c, err)
		return
	}
	if changed {
		h.logger().Info("support session closed",
			zap.String("session_id", closed.ID), zap.String("reason", closed.CloseReason), zap.String("by", actor.ID))
		h.notifyStatus(closed)
	}
	c.JSON(http.StatusOK, gin.H{"session": closed})
}

func (h *SessionHandler) Revert(c *gin.Context) {
	sess, actor, ok := h.loadForActor(c)
	if !ok {
		return
	}
	if !actor.IsAdmin() {
		writeError(c, errs.ErrForbidden)
		return
	}
	reverted, err := h.Store.RevertToWaiting(sess.ID)
	if err != nil {
		writeError(c, err)
		return
	}
	h.notifyStatus(reverted)
	c.JSON(http.StatusOK, gin.H{"session": reverted})
}

func (h *SessionHandler) UpdateDevice(c *gin.Context) {
	sess, _, ok := h.loadForActor(c)
	if !ok {
		return
	}
	var body model.DeviceInfo
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}
	updated, err := h.Store.UpdateDeviceInfo(sess.ID, body)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"session": updated})
}

func (h *SessionHandler) Sweep(c *gin.Context) {
	closed := SweepAndNotify(h.Store, h.Notifier, h.logger())
	c.JSON(http.StatusOK, gin.H{"closed": closed})
}

// SweepAndNotify closes stale sessions and tells any remaining members of
// their channels that the session ended. It returns the number closed.
func SweepAndNotify(st *store.Store, n Notifier, log *zap.Logger) int {
	closed := st.SweepStale()
	for _, sess := range closed {
		log.Info("stale support session closed", zap.String("session_id", sess.ID), zap.String("user_id", sess.UserID))
		if n == nil {
			continue
		}
		n.Publish(sess.ID, protocol.EventSessionEnd, protocol.SessionEnd{Reason: sess.CloseReason})
		n.Publish(sess.ID, protocol.EventSessionStatus, protocol.SessionStatus{Status: sess.Status, Reason: sess.CloseReason})
	}
	return len(closed)
}
