package api

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	gocache "github.com/patrickmn/go-cache"

	"github.com/spotplane/spotplane/pkg/models"
)

const (
	ctxClient = "client"
	ctxAgent  = "agent"
)

// requestID stamps every request with an id for log correlation,
// honoring one supplied by the caller.
func requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader("X-Request-ID")
		if id == "" {
			id = uuid.New().String()
		}
		c.Set("request_id", id)
		c.Header("X-Request-ID", id)
		c.Next()
	}
}

// clientAuth resolves the bearer token to a tenant. Tokens are stored
// only as sha256 digests; resolved tenants are cached briefly so the
// agent heartbeat chatter does not hammer the clients table.
func (s *Server) clientAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		token, ok := bearerToken(c)
		if !ok {
			unauthorized(c)
			return
		}
		digest := sha256.Sum256([]byte(token))
		hash := hex.EncodeToString(digest[:])

		if cached, found := s.tokenCache.Get(hash); found {
			c.Set(ctxClient, cached.(*models.Client))
			c.Next()
			return
		}

		client, err := s.Store.Clients.GetByTokenHash(c.Request.Context(), hash)
		if err != nil {
			unauthorized(c)
			return
		}
		s.tokenCache.Set(hash, client, gocache.DefaultExpiration)
		c.Set(ctxClient, client)
		c.Next()
	}
}

// adminAuth authorizes cross-tenant operations against the deployment
// admin token.
func (s *Server) adminAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		token, ok := bearerToken(c)
		if !ok || s.adminToken == "" ||
			subtle.ConstantTimeCompare([]byte(token), []byte(s.adminToken)) != 1 {
			unauthorized(c)
			return
		}
		c.Next()
	}
}

// agentScoped loads the agent from the path and verifies it belongs to
// the authenticated tenant. A foreign agent id reads as not found so
// ids do not leak across tenants.
func (s *Server) agentScoped() gin.HandlerFunc {
	return func(c *gin.Context) {
		client := mustClient(c)
		agent, err := s.Store.Agents.GetByID(c.Request.Context(), c.Param("id"))
		if err != nil || agent.ClientID != client.ID {
			c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": errorBody{
				Code:    "NOT_FOUND",
				Message: "agent not found",
			}})
			return
		}
		c.Set(ctxAgent, agent)
		c.Next()
	}
}

func bearerToken(c *gin.Context) (string, bool) {
	header := c.GetHeader("Authorization")
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || token == "" {
		return "", false
	}
	return token, true
}

func unauthorized(c *gin.Context) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errorBody{
		Code:    "UNAUTHORIZED",
		Message: "missing or invalid bearer token",
	}})
}

func mustClient(c *gin.Context) *models.Client {
	return c.MustGet(ctxClient).(*models.Client)
}

func mustAgent(c *gin.Context) *models.Agent {
	return c.MustGet(ctxAgent).(*models.Agent)
}
