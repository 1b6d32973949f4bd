// Package handler exposes the ingestion workflow over HTTP.
package handler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/insight-hunter/insight-hunter/internal/domain/ingest/mapper"
	"github.com/insight-hunter/insight-hunter/internal/domain/ingest/parser"
	"github.com/insight-hunter/insight-hunter/internal/domain/ingest/repository"
	"github.com/insight-hunter/insight-hunter/internal/domain/ingest/service"
	"github.com/insight-hunter/insight-hunter/pkg/middleware"
)

// Ingestor is the service surface the handler calls, abstracted for tests.
type Ingestor interface {
	Upload(ctx context.Context, userID, clientID uuid.UUID, filename string, size int64, file io.Reader) (*service.UploadResult, error)
	Process(ctx context.Context, userID, clientID, uploadID uuid.UUID, explicit *mapper.Mapping) (*service.ProcessResult, error)
	History(ctx context.Context, userID uuid.UUID, limit int) ([]repository.Upload, error)
	Transactions(ctx context.Context, userID uuid.UUID, q service.TransactionQuery) ([]repository.Transaction, error)
}

// Handler wires the ingest routes.
type Handler struct {
	svc    Ingestor
	logger *slog.Logger
}

func New(svc Ingestor, logger *slog.Logger) *Handler {
	return &Handler{svc: svc, logger: logger}
}

// Register mounts the routes on an authenticated group.
func (h *Handler) Register(g *gin.RouterGroup) {
	g.POST("/ingest/upload", h.upload)
	g.POST("/ingest/process", h.process)
	g.GET("/ingest/history", h.history)
	g.GET("/transactions", h.transactions)
}

func (h *Handler) upload(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}

	clientID, err := uuid.Parse(c.PostForm("clientId"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "file and client ID required"})
		return
	}
	fileHeader, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "file and client ID required"})
		return
	}
	file, err := fileHeader.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable file"})
		return
	}
	defer file.Close()

	res, err := h.svc.Upload(c.Request.Context(), userID, clientID, fileHeader.Filename, fileHeader.Size, file)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"message":  "File uploaded successfully",
		"uploadId": res.UploadID,
		"rowCount": res.RowCount,
		"preview":  res.Preview,
	})
}

type processRequest struct {
	UploadID uuid.UUID `json:"uploadId" binding:"required"`
	// ClientID must match the upload record; a mismatch reads as not found.
	ClientID      uuid.UUID       `json:"clientId" binding:"required"`
	ColumnMapping *mapper.Mapping `json:"columnMapping"`
}

func (h *Handler) process(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}

	var req processRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "upload ID and client ID required"})
		return
	}

	res, err := h.svc.Process(c.Request.Context(), userID, req.ClientID, req.UploadID, req.ColumnMapping)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"message":             "Transactions processed successfully",
		"transactionsCreated": res.TransactionsCreated,
		"aiCategorized":       res.AICategorized,
	})
}

func (h *Handler) history(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}

	limit, _ := strconv.Atoi(c.Query("limit"))
	uploads, err := h.svc.History(c.Request.Context(), userID, limit)
	if err != nil {
		h.respondError(c, err)
		return
	}
	if uploads == nil {
		uploads = []repository.Upload{}
	}
	c.JSON(http.StatusOK, gin.H{"uploads": uploads})
}

func (h *Handler) transactions(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}

	clientID, err := uuid.Parse(c.Query("clientId"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "client ID required"})
		return
	}
	limit, _ := strconv.Atoi(c.Query("limit"))
	from, _ := strconv.ParseInt(c.Query("from"), 10, 64)
	to, _ := strconv.ParseInt(c.Query("to"), 10, 64)

	txs, err := h.svc.Transactions(c.Request.Context(), userID, service.TransactionQuery{
		ClientID: clientID,
		Type:     c.Query("type"),
		Category: c.Query("category"),
		From:     from,
		To:       to,
		Search:   c.Query("search"),
		Limit:    limit,
	})
	if err != nil {
		h.respondError(c, err)
		return
	}
	if txs == nil {
		txs = []repository.Transaction{}
	}
	c.JSON(http.StatusOK, gin.H{"transactions": txs})
}

// respondError maps pipeline errors to HTTP statuses.
func (h *Handler) respondError(c *gin.Context, err error) {
	var (
		parseErr    *parser.ParseError
		validateErr *mapper.ValidationError
		tooLarge    *service.FileTooLargeError
	)
	switch {
	case errors.As(err, &parseErr), errors.As(err, &validateErr), errors.Is(err, service.ErrUnsupportedFile):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.As(err, &tooLarge):
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": err.Error()})
	case errors.Is(err, repository.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	case errors.Is(err, repository.ErrAlreadyProcessed):
		c.JSON(http.StatusConflict, gin.H{"error": "upload already processed"})
	default:
		h.logger.Error("ingest request failed", slog.Any("error", err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

func currentUser(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(middleware.UserID(c))
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return uuid.Nil, false
	}
	return id, true
}
