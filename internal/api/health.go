package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/lalith-99/relaychat/internal/pubsub"
)

type Pinger interface {
	Health(ctx context.Context) error
}

type BusStater interface {
	State() pubsub.State
}

type PublishFailureCounter interface {
	PublishFailures() uint64
}

// HealthHandler reports whether this instance can both store and deliver.
type HealthHandler struct {
	db         Pinger
	bus        BusStater
	publishing PublishFailureCounter
	instanceID string
}

func NewHealthHandler(db Pinger, bus BusStater, publishing PublishFailureCounter, instanceID string) *HealthHandler {
	return &HealthHandler{db: db, bus: bus, publishing: publishing, instanceID: instanceID}
}

// Health handles GET /v1/health. A degraded bus still answers 503 so load
// balancers drain the instance until the bus is back.
func (h *HealthHandler) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	status := http.StatusOK
	dbStatus := "ok"
	if err := h.db.Health(ctx); err != nil {
		status = http.StatusServiceUnavailable
		dbStatus = err.Error()
	}
	busState := h.bus.State()
	if busState != pubsub.StateReady {
		status = http.StatusServiceUnavailable
	}

	overall := "ok"
	if status != http.StatusOK {
		overall = "degraded"
	}
	c.JSON(status, gin.H{
		"status":           overall,
		"instance":         h.instanceID,
		"db":               dbStatus,
		"bus":              busState.String(),
		"publish_failures": h.publishing.PublishFailures(),
	})
}
