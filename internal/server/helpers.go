package server

import (
	"context"
	"net/http"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	sessiondomain "github.com/runiq-systems/TheJaAstrobackend-sub000/internal/session/domain"
	requestdomain "github.com/runiq-systems/TheJaAstrobackend-sub000/internal/sessionrequest/domain"
)

func snowflakeID(id int64) snowflake.ID {
	return snowflake.ID(id)
}

func (s *Server) resolveSessionRequest(c *gin.Context, op func(context.Context, snowflake.ID, snowflake.ID) (*requestdomain.SessionRequest, error)) {
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

	request, err := op(c.Request.Context(), id, caller)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": request})
}

func (s *Server) pauseOrResume(c *gin.Context, op func(context.Context, snowflake.ID, snowflake.ID) (*sessiondomain.Session, error)) {
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

	session, err := op(c.Request.Context(), id, caller)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": session})
}
