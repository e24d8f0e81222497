// Package dashboard provides event handling and message formatting for the dashboard.
package dashboard

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/rosewoodhq/synckit/internal/action"
	"github.com/rosewoodhq/synckit/internal/coordinator"
)

// Handler bridges coordinator events to WebSocket broadcasts.
// It implements coordinator.Notifier.
type Handler struct {
	server *Server
	status StatusProvider
	logger *log.Logger
}

// NewHandler creates a new event handler connected to a dashboard server
func NewHandler(server *Server, status StatusProvider, logger *log.Logger) *Handler {
	if logger == nil {
		logger = log.Default()
	}

	return &Handler{
		server: server,
		status: status,
		logger: logger,
	}
}

// ActionUpdated handles queue status changes
func (h *Handler) ActionUpdated(a *action.QueuedAction) {
	data := ActionUpdateData{
		ActionID:   a.ID,
		EntityType: a.EntityType,
		EntityID:   a.EntityID,
		Op:         string(a.Op),
		Status:     string(a.Status),
		RetryCount: a.RetryCount,
		LastError:  a.LastError,
	}

	dataJSON, err := json.Marshal(data)
	if err != nil {
		h.logger.Printf("Failed to marshal action data: %v", err)
		return
	}

	h.server.Broadcast(Message{
		Type:      MessageTypeActionUpdate,
		Timestamp: time.Now(),
		Data:      dataJSON,
	})

	h.broadcastStats()
}

// DrainCompleted handles the end of a drain pass
func (h *Handler) DrainCompleted(result coordinator.DrainResult) {
	dataJSON, err := json.Marshal(result)
	if err != nil {
		h.logger.Printf("Failed to marshal drain result: %v", err)
		return
	}

	h.server.Broadcast(Message{
		Type:      MessageTypeDrainComplete,
		Timestamp: time.Now(),
		Data:      dataJSON,
	})

	h.broadcastStats()
}

// broadcastStats pushes a fresh queue summary to all clients
func (h *Handler) broadcastStats() {
	if h.status == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	st, err := h.status.Status(ctx)
	if err != nil {
		h.logger.Printf("Failed to read queue stats: %v", err)
		return
	}

	dataJSON, err := json.Marshal(st)
	if err != nil {
		h.logger.Printf("Failed to marshal stats: %v", err)
		return
	}

	h.server.Broadcast(Message{
		Type:      MessageTypeStats,
		Timestamp: time.Now(),
		Data:      dataJSON,
	})
}
