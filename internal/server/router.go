package server

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/rapidverify/backend/internal/anchoring"
	"github.com/MarcoPoloResearchLab/rapidverify/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/rapidverify/backend/internal/records"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const (
	producerContextKey  = "rapidverify_producer"
	requestIDContextKey = "rapidverify_request_id"
	requestIDHeader     = "X-Request-ID"

	defaultHeartbeatInterval = 15 * time.Second
	timestampLayout          = "2006-01-02T15:04:05.000Z07:00"
)

var (
	errMissingService       = errors.New("anchoring service dependency required")
	errInvalidAuthorization = errors.New("authorization header missing or invalid")
)

// TokenValidator authorizes producer requests.
type TokenValidator interface {
	ValidateToken(token string) (auth.ProducerClaims, error)
}

// Dependencies wires the HTTP surface. A nil TokenManager leaves anchoring
// open and a nil Realtime disables the event stream.
type Dependencies struct {
	Service           *anchoring.Service
	TokenManager      TokenValidator
	Realtime          *RealtimeDispatcher
	AllowedOrigins    []string
	HeartbeatInterval time.Duration
	Metrics           http.Handler
	Logger            *zap.Logger
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Service == nil {
		return nil, errMissingService
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	heartbeat := deps.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeatInterval
	}
	metrics := deps.Metrics
	if metrics == nil {
		metrics = promhttp.Handler()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestIDMiddleware())
	router.Use(corsMiddleware(deps.AllowedOrigins...))

	handler := &httpHandler{
		service:           deps.Service,
		tokens:            deps.TokenManager,
		realtime:          deps.Realtime,
		heartbeatInterval: heartbeat,
		logger:            logger,
	}

	router.GET("/healthz", handler.handleHealth)
	router.GET("/metrics", gin.WrapH(metrics))
	router.GET("/ledger/status", handler.handleLedgerStatus)
	router.GET("/records", handler.handleListRecords)
	router.GET("/records/stream", handler.handleRecordStream)
	router.GET("/records/:id", handler.handleGetRecord)
	router.POST("/records/lookup", handler.handleLookup)
	router.POST("/verify-content", handler.handleVerifyContent)

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.POST("/anchor", handler.handleAnchor)

	return router, nil
}

func corsMiddleware(origins ...string) gin.HandlerFunc {
	config := cors.Config{
		AllowMethods:  []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders:  []string{"Authorization", "Content-Type", requestIDHeader},
		ExposeHeaders: []string{requestIDHeader},
		MaxAge:        12 * time.Hour,
	}
	if len(origins) == 0 {
		config.AllowAllOrigins = true
	} else {
		config.AllowOrigins = origins
	}
	return cors.New(config)
}

func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := strings.TrimSpace(c.GetHeader(requestIDHeader))
		if requestID == "" || len(requestID) > 128 {
			requestID = uuid.NewString()
		}
		c.Set(requestIDContextKey, requestID)
		c.Header(requestIDHeader, requestID)
		c.Next()
	}
}

type httpHandler struct {
	service           *anchoring.Service
	tokens            TokenValidator
	realtime          *RealtimeDispatcher
	heartbeatInterval time.Duration
	logger            *zap.Logger
}

type errorPayload struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

type recordPayload struct {
	ID                 string  `json:"id"`
	Sequence           int64   `json:"sequence"`
	ContentFingerprint string  `json:"content_fingerprint"`
	Verdict            string  `json:"verdict"`
	Score              float64 `json:"score"`
	Mode               string  `json:"mode"`
	Network            string  `json:"network"`
	TransactionRef     string  `json:"transaction_ref,omitempty"`
	BlockRef           *uint64 `json:"block_ref,omitempty"`
	ExplorerURL        string  `json:"explorer_url,omitempty"`
	Timestamp          string  `json:"timestamp"`
	Status             string  `json:"status"`
	DemoReason         string  `json:"demo_reason,omitempty"`
	ReconcileAttempts  int     `json:"reconcile_attempts,omitempty"`
	LastError          string  `json:"last_error,omitempty"`

	ReferenceBlock *referenceBlockPayload `json:"reference_block,omitempty"`
}

type referenceBlockPayload struct {
	Number    uint64 `json:"number"`
	Hash      string `json:"hash"`
	Timestamp string `json:"timestamp,omitempty"`
}

func newRecordPayload(record records.Record) recordPayload {
	payload := recordPayload{
		ID:                 record.ID,
		Sequence:           record.Sequence,
		ContentFingerprint: record.Fingerprint,
		Verdict:            record.Verdict.String(),
		Score:              record.Score,
		Mode:               string(record.Mode),
		Network:            record.Network,
		BlockRef:           record.BlockRef,
		ExplorerURL:        anchoring.ExplorerURL(record),
		Timestamp:          record.AnchoredAt().UTC().Format(timestampLayout),
		Status:             string(record.Status),
		DemoReason:         string(record.DemoReason),
		ReconcileAttempts:  record.ReconcileAttempts,
		LastError:          record.LastError,
	}
	if record.TransactionRef != nil {
		payload.TransactionRef = *record.TransactionRef
	}
	if record.ReferenceBlock != nil {
		reference := &referenceBlockPayload{Number: *record.ReferenceBlock}
		if record.ReferenceBlockHash != nil {
			reference.Hash = *record.ReferenceBlockHash
		}
		if observedAt, ok := record.ReferenceBlockAt(); ok {
			reference.Timestamp = observedAt.Format(timestampLayout)
		}
		payload.ReferenceBlock = reference
	}
	return payload
}

type anchorRequestPayload struct {
	ClaimText string   `json:"claim_text"`
	Verdict   string   `json:"verdict"`
	Score     *float64 `json:"score"`
	Force     bool     `json:"force"`
}

func (h *httpHandler) handleAnchor(c *gin.Context) {
	var request anchorRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, errorPayload{Error: "request body must be valid JSON", Code: "invalid_request"})
		return
	}
	if request.Score == nil {
		c.JSON(http.StatusBadRequest, errorPayload{Error: "invalid score: must be provided", Code: "invalid_request"})
		return
	}
	verdict, err := records.ParseVerdict(request.Verdict)
	if err != nil {
		c.JSON(http.StatusBadRequest, errorPayload{Error: "invalid verdict: must be one of verified, debunked, investigating", Code: "invalid_request"})
		return
	}

	record, err := h.service.Anchor(c.Request.Context(), anchoring.AnchorRequest{
		ClaimText: request.ClaimText,
		Verdict:   verdict,
		Score:     *request.Score,
		Force:     request.Force,
	})
	if err != nil {
		h.writeError(c, "anchor", err)
		return
	}
	c.JSON(http.StatusCreated, newRecordPayload(record))
}

func (h *httpHandler) handleGetRecord(c *gin.Context) {
	record, err := h.service.GetByID(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, "get_record", err)
		return
	}
	c.JSON(http.StatusOK, newRecordPayload(record))
}

type listResponsePayload struct {
	Records []recordPayload `json:"records"`
	Limit   int             `json:"limit"`
	Offset  int             `json:"offset"`
}

func (h *httpHandler) handleListRecords(c *gin.Context) {
	limit, err := queryInt(c, "limit", 10)
	if err != nil {
		c.JSON(http.StatusBadRequest, errorPayload{Error: "invalid limit: must be a non-negative integer", Code: "invalid_request"})
		return
	}
	offset, err := queryInt(c, "offset", 0)
	if err != nil {
		c.JSON(http.StatusBadRequest, errorPayload{Error: "invalid offset: must be a non-negative integer", Code: "invalid_request"})
		return
	}

	found, err := h.service.List(c.Request.Context(), limit, offset)
	if err != nil {
		h.writeError(c, "list_records", err)
		return
	}
	c.JSON(http.StatusOK, listResponsePayload{Records: toRecordPayloads(found), Limit: records.EffectiveListLimit(limit), Offset: offset})
}

type lookupRequestPayload struct {
	ClaimText string `json:"claim_text"`
}

type lookupResponsePayload struct {
	ContentFingerprint string          `json:"content_fingerprint"`
	Records            []recordPayload `json:"records"`
}

func (h *httpHandler) handleLookup(c *gin.Context) {
	var request lookupRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, errorPayload{Error: "request body must be valid JSON", Code: "invalid_request"})
		return
	}
	found, err := h.service.FindByContent(c.Request.Context(), request.ClaimText)
	if err != nil {
		h.writeError(c, "lookup", err)
		return
	}
	response := lookupResponsePayload{Records: toRecordPayloads(found)}
	if len(found) > 0 {
		response.ContentFingerprint = found[0].Fingerprint
	}
	c.JSON(http.StatusOK, response)
}

type verifyRequestPayload struct {
	RecordID  string `json:"record_id"`
	ClaimText string `json:"claim_text"`
}

type verifyResponsePayload struct {
	Record              recordPayload `json:"record"`
	Matched             bool          `json:"matched"`
	ExpectedFingerprint string        `json:"expected_fingerprint"`
}

func (h *httpHandler) handleVerifyContent(c *gin.Context) {
	var request verifyRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, errorPayload{Error: "request body must be valid JSON", Code: "invalid_request"})
		return
	}
	verification, err := h.service.VerifyContent(c.Request.Context(), request.RecordID, request.ClaimText)
	if err != nil {
		h.writeError(c, "verify_content", err)
		return
	}
	c.JSON(http.StatusOK, verifyResponsePayload{
		Record:              newRecordPayload(verification.Record),
		Matched:             verification.Matched,
		ExpectedFingerprint: verification.ExpectedFingerprint,
	})
}

type networkPayload struct {
	Name        string `json:"name"`
	DisplayName string `json:"display_name,omitempty"`
	ChainID     int64  `json:"chain_id,omitempty"`
	ExplorerURL string `json:"explorer_url,omitempty"`
}

type policyPayload struct {
	ScoreThreshold float64 `json:"score_threshold"`
	AnchorAll      bool    `json:"anchor_all"`
	AllowForce     bool    `json:"allow_force"`
}

type statsPayload struct {
	Total    int64            `json:"total"`
	ByMode   map[string]int64 `json:"by_mode"`
	ByStatus map[string]int64 `json:"by_status"`
}

type statusResponsePayload struct {
	Mode            string         `json:"mode"`
	Configured      bool           `json:"configured"`
	Reachable       bool           `json:"reachable"`
	Network         networkPayload `json:"network"`
	ContractAddress string         `json:"contract_address,omitempty"`
	WalletAddress   string         `json:"wallet_address,omitempty"`
	CheckedAt       string         `json:"checked_at,omitempty"`
	Policy          policyPayload  `json:"policy"`
	Records         statsPayload   `json:"records"`
}

func (h *httpHandler) handleLedgerStatus(c *gin.Context) {
	status, err := h.service.Status(c.Request.Context())
	if err != nil {
		h.writeError(c, "ledger_status", err)
		return
	}

	response := statusResponsePayload{
		Mode:            string(status.Mode.Mode),
		Configured:      status.Mode.Configured,
		Reachable:       status.Mode.Reachable,
		Network:         networkPayload{Name: status.Mode.Network},
		ContractAddress: status.ContractAddress,
		WalletAddress:   status.WalletAddress,
		Policy: policyPayload{
			ScoreThreshold: status.Policy.ScoreThreshold,
			AnchorAll:      status.Policy.AnchorAll,
			AllowForce:     status.Policy.AllowForce,
		},
		Records: statsPayload{
			Total:    status.Stats.Total,
			ByMode:   map[string]int64{},
			ByStatus: map[string]int64{},
		},
	}
	if status.Network.Name != "" {
		response.Network = networkPayload{
			Name:        status.Network.Name,
			DisplayName: status.Network.DisplayName,
			ChainID:     status.Network.ChainID,
			ExplorerURL: status.Network.ExplorerURL,
		}
	}
	if !status.Mode.CheckedAt.IsZero() {
		response.CheckedAt = status.Mode.CheckedAt.UTC().Format(timestampLayout)
	}
	for mode, count := range status.Stats.ByMode {
		response.Records.ByMode[string(mode)] = count
	}
	for recordStatus, count := range status.Stats.ByStatus {
		response.Records.ByStatus[string(recordStatus)] = count
	}
	c.JSON(http.StatusOK, response)
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

type streamEventPayload struct {
	RecordID  string        `json:"record_id"`
	Record    recordPayload `json:"record"`
	Timestamp string        `json:"timestamp"`
}

func (h *httpHandler) handleRecordStream(c *gin.Context) {
	if h.realtime == nil {
		c.JSON(http.StatusServiceUnavailable, errorPayload{Error: "event stream disabled", Code: "stream_unavailable"})
		return
	}
	recordID := ""
	if raw := c.Query("record_id"); raw != "" {
		parsed, err := records.ParseRecordID(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, errorPayload{Error: err.Error(), Code: "invalid_request"})
			return
		}
		recordID = parsed
	}

	ctx := c.Request.Context()
	stream, cleanup := h.realtime.Subscribe(ctx, recordID)
	defer cleanup()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	c.Writer.WriteHeaderNow()
	c.Writer.Flush()

	heartbeat := time.NewTicker(h.heartbeatInterval)
	defer heartbeat.Stop()

	c.Stream(func(io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case message, ok := <-stream:
			if !ok {
				return false
			}
			c.SSEvent(message.EventType, streamEventPayload{
				RecordID:  message.RecordID,
				Record:    message.Payload,
				Timestamp: message.Timestamp.UTC().Format(timestampLayout),
			})
			return true
		case tick := <-heartbeat.C:
			c.SSEvent(realtimeEventHeartbeat, gin.H{"timestamp": tick.UTC().Format(timestampLayout)})
			return true
		}
	})
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	if h.tokens == nil {
		c.Next()
		return
	}
	header := c.GetHeader("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		c.AbortWithStatusJSON(http.StatusUnauthorized, errorPayload{Error: errInvalidAuthorization.Error(), Code: "unauthorized"})
		return
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, errorPayload{Error: errInvalidAuthorization.Error(), Code: "unauthorized"})
		return
	}
	claims, err := h.tokens.ValidateToken(token)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredToken) || errors.Is(err, jwt.ErrTokenExpired) {
			h.logger.Info("token validation failed", zap.Error(err), zap.String("request_id", c.GetString(requestIDContextKey)))
		} else {
			h.logger.Warn("token validation failed", zap.Error(err), zap.String("request_id", c.GetString(requestIDContextKey)))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, errorPayload{Error: "unauthorized", Code: "unauthorized"})
		return
	}
	c.Set(producerContextKey, claims.Subject)
	c.Next()
}

func (h *httpHandler) writeError(c *gin.Context, operation string, err error) {
	var validationErr *anchoring.ValidationError
	switch {
	case errors.As(err, &validationErr):
		c.JSON(http.StatusBadRequest, errorPayload{Error: validationErr.Error(), Code: "invalid_request"})
	case errors.Is(err, anchoring.ErrNotFound):
		c.JSON(http.StatusNotFound, errorPayload{Error: "not_found", Code: "not_found"})
	default:
		code := "internal_error"
		var serviceErr *anchoring.ServiceError
		if errors.As(err, &serviceErr) {
			code = serviceErr.Code()
		}
		h.logger.Error("request failed",
			zap.String("operation", operation),
			zap.String("request_id", c.GetString(requestIDContextKey)),
			zap.Error(err))
		c.JSON(http.StatusInternalServerError, errorPayload{Error: "internal_error", Code: code})
	}
}

func toRecordPayloads(found []records.Record) []recordPayload {
	payloads := make([]recordPayload, 0, len(found))
	for _, record := range found {
		payloads = append(payloads, newRecordPayload(record))
	}
	return payloads
}

func queryInt(c *gin.Context, key string, fallback int) (int, error) {
	raw := strings.TrimSpace(c.Query(key))
	if raw == "" {
		return fallback, nil
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value < 0 {
		return 0, errors.New("invalid integer")
	}
	return value, nil
}
