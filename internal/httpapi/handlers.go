package httpapi

import (
	"context"
	"net/http"

	"dispo-voice/internal/legs"
	"dispo-voice/internal/transfer"

	"github.com/gin-gonic/gin"
)

// TransferService is the orchestration surface the console handlers need.
type TransferService interface {
	InitiateBlindTransfer(ctx context.Context, sessionID, destination string) (transfer.Record, error)
	StartConsult(ctx context.Context, sessionID, destination string) (transfer.Record, error)
	BridgeConsultToAgent(ctx context.Context, customerLegID, agentLegID, consultLegID string) (transfer.Record, error)
	CompleteAttendedTransfer(ctx context.Context, customerLegID, consultLegID, agentLegID string) (transfer.Record, error)
	CancelConsult(ctx context.Context, customerLegID, consultLegID string) (transfer.Record, error)
}

// CallService covers session creation and recording.
type CallService interface {
	StartCustomerCall(ctx context.Context, sessionID, to, from string) (legs.Session, error)
	StartRecording(ctx context.Context, sessionID, channels string) error
}

// Handlers groups HTTP handlers for dependency injection.
// Keep these thin: parse/validate input, call internal services, return JSON.
type Handlers struct {
	Transfers TransferService
	Calls     CallService
}

type blindTransferRequest struct {
	SessionID   string `json:"sessionId"`
	Destination string `json:"destination"`
}

func (h Handlers) BlindTransfer(c *gin.Context) {
	var req blindTransferRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if req.SessionID == "" || req.Destination == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "sessionId and destination required"})
		return
	}

	rec, err := h.Transfers.InitiateBlindTransfer(c.Request.Context(), req.SessionID, req.Destination)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "data": rec})
}

type startConsultRequest struct {
	SessionID   string `json:"sessionId"`
	Destination string `json:"destination"`
}

func (h Handlers) StartConsult(c *gin.Context) {
	var req startConsultRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if req.SessionID == "" || req.Destination == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "sessionId and destination required"})
		return
	}

	rec, err := h.Transfers.StartConsult(c.Request.Context(), req.SessionID, req.Destination)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "consultLegId": rec.ConsultLegID, "data": rec})
}

type bridgeConsultRequest struct {
	CustomerLegID string `json:"customerLegId"`
	AgentLegID    string `json:"agentLegId"`
	ConsultLegID  string `json:"consultLegId"`
}

func (h Handlers) BridgeConsult(c *gin.Context) {
	var req bridgeConsultRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if req.CustomerLegID == "" || req.AgentLegID == "" || req.ConsultLegID == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "customerLegId, agentLegId, consultLegId required"})
		return
	}

	rec, err := h.Transfers.BridgeConsultToAgent(c.Request.Context(), req.CustomerLegID, req.AgentLegID, req.ConsultLegID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "data": rec})
}

type completeTransferRequest struct {
	CustomerLegID string `json:"customerLegId"`
	ConsultLegID  string `json:"consultLegId"`
	AgentLegID    string `json:"agentLegId"`
}

func (h Handlers) CompleteTransfer(c *gin.Context) {
	var req completeTransferRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if req.CustomerLegID == "" || req.ConsultLegID == "" || req.AgentLegID == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "customerLegId, consultLegId, agentLegId required"})
		return
	}

	rec, err := h.Transfers.CompleteAttendedTransfer(c.Request.Context(), req.CustomerLegID, req.ConsultLegID, req.AgentLegID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "data": rec})
}

type cancelConsultRequest struct {
	CustomerLegID string `json:"customerLegId"`
	ConsultLegID  string `json:"consultLegId"`
}

func (h Handlers) CancelConsult(c *gin.Context) {
	var req cancelConsultRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if req.CustomerLegID == "" || req.ConsultLegID == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "customerLegId and consultLegId required"})
		return
	}

	rec, err := h.Transfers.CancelConsult(c.Request.Context(), req.CustomerLegID, req.ConsultLegID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "data": rec})
}

type startCallRequest struct {
	SessionID string `json:"sessionId"`
	To        string `json:"to"`
	From      string `json:"from"`
}

func (h Handlers) StartCall(c *gin.Context) {
	var req startCallRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if req.To == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "to required"})
		return
	}

	sess, err := h.Calls.StartCustomerCall(c.Request.Context(), req.SessionID, req.To, req.From)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "data": sess})
}

type startRecordingRequest struct {
	SessionID string `json:"sessionId"`
	Channels  string `json:"channels"`
}

func (h Handlers) StartRecording(c *gin.Context) {
	var req startRecordingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if req.SessionID == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "sessionId required"})
		return
	}

	if err := h.Calls.StartRecording(c.Request.Context(), req.SessionID, req.Channels); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}
