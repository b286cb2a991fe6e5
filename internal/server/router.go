package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/spherify/collab/internal/collab"
	"github.com/spherify/collab/internal/metrics"
	"github.com/spherify/collab/internal/presence"
	"go.uber.org/zap"
)

var errMissingHub = errors.New("websocket hub dependency required")

// Dependencies wires the HTTP surface.
type Dependencies struct {
	Hub      *Hub
	Registry *collab.Registry
	Presence *presence.Reconciler
	Metrics  *metrics.Collectors
	Logger   *zap.Logger
}

// NewHTTPHandler builds the gin router serving the websocket endpoint and
// the read-only inspection routes.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Hub == nil {
		return nil, errMissingHub
	}
	if deps.Registry == nil {
		return nil, errMissingRegistry
	}
	if deps.Presence == nil {
		return nil, errMissingPresence
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())

	handler := &httpHandler{
		hub:      deps.Hub,
		registry: deps.Registry,
		presence: deps.Presence,
		logger:   logger,
	}

	router.GET("/healthz", handler.handleHealth)
	router.GET("/ws", gin.WrapH(deps.Hub))
	if deps.Metrics != nil {
		router.GET("/metrics", gin.WrapH(deps.Metrics.Handler()))
	}
	router.GET("/documents/:documentId/participants", handler.handleParticipants)
	router.GET("/presence", handler.handlePresenceList)
	router.GET("/presence/:userId", handler.handlePresence)

	return router, nil
}

func corsMiddleware() gin.HandlerFunc {
	return cors.New(cors.Config{
		AllowOriginFunc:  func(string) bool { return true },
		AllowMethods:     []string{http.MethodGet, http.MethodOptions},
		AllowHeaders:     []string{"Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	})
}

type httpHandler struct {
	hub      *Hub
	registry *collab.Registry
	presence *presence.Reconciler
	logger   *zap.Logger
}

type healthResponse struct {
	Status      string `json:"status"`
	Sessions    int    `json:"sessions"`
	Connections int    `json:"connections"`
}

type participantsResponse struct {
	DocumentID   string               `json:"documentId"`
	Participants []collab.Participant `json:"participants"`
}

type presenceListResponse struct {
	Users []presence.Record `json:"users"`
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, healthResponse{
		Status:      "ok",
		Sessions:    h.registry.ActiveSessions(),
		Connections: h.hub.ConnectionCount(),
	})
}

func (h *httpHandler) handleParticipants(c *gin.Context) {
	documentID, err := collab.NewDocumentID(c.Param("documentId"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_document_id"})
		return
	}
	participants := h.registry.Participants(documentID)
	if participants == nil {
		participants = []collab.Participant{}
	}
	c.JSON(http.StatusOK, participantsResponse{DocumentID: documentID.String(), Participants: participants})
}

func (h *httpHandler) handlePresence(c *gin.Context) {
	record, found := h.presence.GetStatus(c.Param("userId"))
	if !found {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
		return
	}
	c.JSON(http.StatusOK, record)
}

func (h *httpHandler) handlePresenceList(c *gin.Context) {
	records := h.presence.Snapshot()
	if records == nil {
		records = []presence.Record{}
	}
	c.JSON(http.StatusOK, presenceListResponse{Users: records})
}
