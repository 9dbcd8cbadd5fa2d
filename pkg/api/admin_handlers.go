package api

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/spotplane/spotplane/pkg/models"
)

func (s *Server) handleListClients(c *gin.Context) {
	clients, err := s.Store.Clients.List(c.Request.Context())
	if err != nil {
		respondStoreError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"clients": clients})
}

type createClientRequest struct {
	Name          string        `json:"name" binding:"required"`
	Plan          string        `json:"plan"`
	Limits        models.Limits `json:"limits"`
	DefaultPolicy models.Policy `json:"defaultPolicy"`
	SlackChannel  *string       `json:"slackChannel,omitempty"`
}

// handleCreateClient provisions a tenant and mints its bearer token.
// The token is returned exactly once; only its digest is stored.
func (s *Server) handleCreateClient(c *gin.Context) {
	var req createClientRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBindError(c, err)
		return
	}

	token, err := newToken()
	if err != nil {
		respondStoreError(c, err)
		return
	}
	digest := sha256.Sum256([]byte(token))

	client, err := s.Store.Clients.Create(c.Request.Context(), &models.Client{
		Name:          req.Name,
		AuthTokenHash: hex.EncodeToString(digest[:]),
		Plan:          req.Plan,
		Limits:        req.Limits,
		DefaultPolicy: req.DefaultPolicy,
		SlackChannel:  req.SlackChannel,
	})
	if err != nil {
		respondStoreError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"client": client, "token": token})
}

func (s *Server) handleSetClientDisabled(c *gin.Context) {
	var req struct {
		Disabled bool `json:"disabled"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBindError(c, err)
		return
	}
	clientID := c.Param("clientId")
	if err := s.Store.Clients.SetDisabled(c.Request.Context(), clientID, req.Disabled); err != nil {
		respondStoreError(c, err)
		return
	}
	// Cached tokens of a disabled tenant must stop working now, not at
	// TTL expiry.
	if req.Disabled {
		s.tokenCache.Flush()
	}
	c.JSON(http.StatusOK, gin.H{"clientId": clientID, "disabled": req.Disabled})
}

func (s *Server) handleClientDefaultPolicy(c *gin.Context) {
	var req models.UpdatePolicyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBindError(c, err)
		return
	}
	client, err := s.Store.Clients.UpdateDefaultPolicy(c.Request.Context(), c.Param("clientId"), req.Policy)
	if err != nil {
		respondStoreError(c, err)
		return
	}
	c.JSON(http.StatusOK, client)
}

func (s *Server) handleRunConsolidation(c *gin.Context) {
	if err := s.Consolidator.RunOnce(c.Request.Context()); err != nil {
		respondStoreError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "completed"})
}

func (s *Server) handleConsolidationJobs(c *gin.Context) {
	jobs, err := s.Store.Pricing.RecentJobs(c.Request.Context(), intQuery(c, "limit", 20))
	if err != nil {
		respondStoreError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"jobs": jobs})
}

func (s *Server) handleListArtifacts(c *gin.Context) {
	artifacts, err := s.Store.Artifacts.List(c.Request.Context())
	if err != nil {
		respondStoreError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"artifacts": artifacts})
}

func (s *Server) handleUploadArtifact(c *gin.Context) {
	version := c.Query("version")
	var uploadedBy *string
	if by := c.Query("uploadedBy"); by != "" {
		uploadedBy = &by
	}
	artifact, err := s.Artifacts.Upload(c.Request.Context(), version, c.Request.Body, uploadedBy)
	if err != nil {
		respondStoreError(c, err)
		return
	}
	c.JSON(http.StatusCreated, artifact)
}

func (s *Server) handleActivateArtifact(c *gin.Context) {
	artifact, err := s.Artifacts.Activate(c.Request.Context(), c.Param("version"))
	if err != nil {
		respondStoreError(c, err)
		return
	}
	c.JSON(http.StatusOK, artifact)
}

func (s *Server) handleDownloadArtifact(c *gin.Context) {
	reader, artifact, err := s.Artifacts.Open(c.Request.Context())
	if err != nil {
		respondStoreError(c, err)
		return
	}
	defer reader.Close()

	c.Header("X-Artifact-Version", artifact.Version)
	c.Header("X-Artifact-SHA256", artifact.SHA256)
	c.DataFromReader(http.StatusOK, artifact.SizeBytes, "application/octet-stream", reader, map[string]string{
		"Content-Disposition": "attachment; filename=" + strconv.Quote(artifact.Version+".bin"),
	})
}

func newToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return "sp_" + hex.EncodeToString(buf), nil
}
