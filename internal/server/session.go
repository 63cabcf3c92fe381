package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	sessiondomain "github.com/runiq-systems/TheJaAstrobackend-sub000/internal/session/domain"
	requestdomain "github.com/runiq-systems/TheJaAstrobackend-sub000/internal/sessionrequest/domain"
)

type createSessionRequestBody struct {
	ProviderID    int64  `json:"provider_id"`
	Kind          string `json:"kind"`
	MediaType     string `json:"media_type"`
	RatePerMinute int64  `json:"rate_per_minute"`
	Currency      string `json:"currency"`
}

func (s *Server) CreateSessionRequest(c *gin.Context) {
	caller, err := callerID(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	var body createSessionRequestBody
	if err := c.ShouldBindJSON(&body); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	if body.ProviderID <= 0 {
		AbortWithError(c, newValidationError("provider_id", "invalid_provider", "provider_id is required"))
		return
	}

	request, err := s.requestSvc.Request(c.Request.Context(), requestdomain.RequestInput{
		RequesterID:   caller,
		ProviderID:    snowflakeID(body.ProviderID),
		Kind:          body.Kind,
		MediaType:     strings.TrimSpace(body.MediaType),
		RatePerMinute: body.RatePerMinute,
		Currency:      body.Currency,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"request_id": request.ID.String(),
		"session_id": request.SessionID.String(),
		"expires_at": request.ExpiresAt,
	})
}

func (s *Server) AcceptSessionRequest(c *gin.Context) {
	s.resolveSessionRequest(c, s.requestSvc.Accept)
}

func (s *Server) RejectSessionRequest(c *gin.Context) {
	s.resolveSessionRequest(c, s.requestSvc.Reject)
}

func (s *Server) CancelSessionRequest(c *gin.Context) {
	s.resolveSessionRequest(c, s.requestSvc.Cancel)
}

func (s *Server) GetSession(c *gin.Context) {
	caller, err := callerID(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	id, err := pathID(c, "id")
	if err != nil {
		AbortWithError(c, err)
		return
	}

	session, err := s.sessionSvc.Get(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	if caller != session.UserID && caller != session.ProviderID {
		AbortWithError(c, sessiondomain.ErrUnauthorized)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": session})
}

func (s *Server) StartSession(c *gin.Context) {
	caller, err := callerID(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	id, err := pathID(c, "id")
	if err != nil {
		AbortWithError(c, err)
		return
	}

	session, err := s.sessionSvc.Start(c.Request.Context(), sessiondomain.StartRequest{
		SessionID: id,
		ActorID:   caller,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": session})
}

type endSessionBody struct {
	Reason string `json:"reason"`
}

func (s *Server) EndSession(c *gin.Context) {
	caller, err := callerID(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	id, err := pathID(c, "id")
	if err != nil {
		AbortWithError(c, err)
		return
	}

	var body endSessionBody
	// The body is optional; an empty reason is fine.
	_ = c.ShouldBindJSON(&body)

	session, err := s.sessionSvc.End(c.Request.Context(), sessiondomain.EndRequest{
		SessionID: id,
		ActorID:   caller,
		Status:    sessiondomain.StatusCompleted,
		Reason:    strings.TrimSpace(body.Reason),
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"session_id":      session.ID.String(),
		"status":          session.Status,
		"billed_duration": session.BilledDurationSecs,
		"total_cost":      session.TotalCost,
		"currency":        session.Currency,
		"payment_status":  session.PaymentStatus,
	})
}

func (s *Server) PauseSession(c *gin.Context) {
	s.pauseOrResume(c, s.sessionSvc.Pause)
}

func (s *Server) ResumeSession(c *gin.Context) {
	s.pauseOrResume(c, s.sessionSvc.Resume)
}
