package router

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/ddevcap/vectorlb/internal/forward"
	"github.com/ddevcap/vectorlb/internal/instance"
	"github.com/ddevcap/vectorlb/internal/mapping"
	"github.com/ddevcap/vectorlb/internal/txsafety"
	"github.com/ddevcap/vectorlb/internal/wal"
)

// AdminHandler implements C8: the operator-facing status, WAL, mapping, and
// transaction-safety endpoints described in spec §6. It never bypasses the
// invariants the request path enforces — in particular, mapping deletion is
// only accepted once both backends confirm the collection is gone.
type AdminHandler struct {
	instances []instance.Instance
	monitor   *instance.Monitor
	mappings  *mapping.Store
	walStore  *wal.Store
	txStore   *txsafety.Store
	pool      *forward.Pool
	events    *EventHub
	validate  *validator.Validate
}

// NewAdminHandler builds the admin surface over the same component
// instances wired into the Router.
func NewAdminHandler(
	instances []instance.Instance,
	monitor *instance.Monitor,
	mappings *mapping.Store,
	walStore *wal.Store,
	txStore *txsafety.Store,
	pool *forward.Pool,
	events *EventHub,
) *AdminHandler {
	return &AdminHandler{
		instances: instances,
		monitor:   monitor,
		mappings:  mappings,
		walStore:  walStore,
		txStore:   txStore,
		pool:      pool,
		events:    events,
		validate:  validator.New(),
	}
}

// Status handles GET /status.
func (a *AdminHandler) Status(c *gin.Context) {
	ctx := c.Request.Context()
	pending, err := a.walStore.PendingCount(ctx)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"instances":       a.monitor.Snapshots(),
		"wal_pending":     pending,
		"strategy":        "primary-write, weighted-replica-read",
	})
}

// WALStatus handles GET /wal/status.
func (a *AdminHandler) WALStatus(c *gin.Context) {
	ctx := c.Request.Context()
	counts, err := a.walStore.CountsByStatus(ctx)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"counts": counts})
}

type walCleanupRequest struct {
	MaxAgeHours float64 `json:"max_age_hours" validate:"required,gt=0"`
}

// WALCleanup handles POST /wal/cleanup.
func (a *AdminHandler) WALCleanup(c *gin.Context) {
	var req walCleanupRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := a.validate.Struct(req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	n, err := a.walStore.Purge(c.Request.Context(), time.Duration(req.MaxAgeHours*float64(time.Hour)))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"purged": n})
}

// ListMappings handles GET /collection/mappings.
func (a *AdminHandler) ListMappings(c *gin.Context) {
	rows, err := a.mappings.All(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"mappings": rows})
}

// DeleteMapping handles DELETE /collection/mappings/{name}. Per spec §4.7 and
// the stale-mapping-cleanup scenario (§8.6), this is rejected with 409 if
// either backend still reports the collection present, and with 503 if an
// instance is unhealthy and its absence can't be confirmed.
func (a *AdminHandler) DeleteMapping(c *gin.Context) {
	ctx := c.Request.Context()
	name := c.Param("name")

	m, err := a.mappings.ResolveByName(ctx, name)
	if errors.Is(err, mapping.ErrNotFound) {
		c.Status(http.StatusNoContent)
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	for _, inst := range a.instances {
		if !a.monitor.IsHealthy(inst.Name) {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"error": fmt.Sprintf("cannot confirm collection absence: %s is unhealthy", inst.Name),
			})
			return
		}

		ident := m.IDFor(inst.Name)
		if ident == "" {
			ident = name
		}
		path := fmt.Sprintf("/api/v2/%s/%s/collections/%s", defaultTenant, defaultDatabase, ident)
		resp, err := a.pool.Do(ctx, inst, http.MethodGet, path, nil, nil)
		if err == nil && resp.Status >= 200 && resp.Status < 300 {
			c.JSON(http.StatusConflict, gin.H{"error": fmt.Sprintf("collection still present on %s", inst.Name)})
			return
		}
	}

	if err := a.mappings.Delete(ctx, name); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if a.events != nil {
		a.events.Broadcast(AdminEvent{Type: "mapping_deleted", Name: name})
	}
	c.Status(http.StatusOK)
}

// TransactionSafetyStatus handles GET /transaction/safety/status.
func (a *AdminHandler) TransactionSafetyStatus(c *gin.Context) {
	rows, err := a.txStore.Summary(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"summary": rows})
}

// GetTransaction handles GET /transaction/safety/transaction/{id}.
func (a *AdminHandler) GetTransaction(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid transaction id"})
		return
	}
	record, err := a.txStore.Get(c.Request.Context(), id)
	if errors.Is(err, txsafety.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "transaction not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, record)
}

type recoveryTriggerRequest struct {
	StaleAfterMinutes float64 `json:"stale_after_minutes" validate:"omitempty,gt=0"`
}

// TriggerRecovery handles POST /transaction/safety/recovery/trigger.
func (a *AdminHandler) TriggerRecovery(c *gin.Context) {
	var req recoveryTriggerRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if err := a.validate.Struct(req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}
	staleAge := 15 * time.Minute
	if req.StaleAfterMinutes > 0 {
		staleAge = time.Duration(req.StaleAfterMinutes * float64(time.Minute))
	}

	abandoned, recovered, err := a.txStore.TriggerRecovery(c.Request.Context(), staleAge)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"abandoned": abandoned, "recovered": recovered})
}

type txCleanupRequest struct {
	MaxAgeHours float64 `json:"max_age_hours" validate:"required,gt=0"`
}

// TransactionSafetyCleanup handles POST /transaction/safety/cleanup.
func (a *AdminHandler) TransactionSafetyCleanup(c *gin.Context) {
	var req txCleanupRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := a.validate.Struct(req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	n, err := a.txStore.Cleanup(c.Request.Context(), time.Duration(req.MaxAgeHours*float64(time.Hour)))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"purged": n})
}
