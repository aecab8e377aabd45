package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"example.com/backstage/services/scoring/internal/eventstore"
)

// queryEvents returns committed events matching the filter query parameters
func (s *Server) queryEvents(c *gin.Context) {
	filter := eventstore.EventFilter{
		AggregateID:   c.Query("aggregate_id"),
		AggregateType: c.Query("aggregate_type"),
		EventType:     c.Query("event_type"),
		Status:        c.Query("status"),
	}

	if limit := c.Query("limit"); limit != "" {
		n, err := strconv.Atoi(limit)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}
		filter.Limit = n
	}
	if offset := c.Query("offset"); offset != "" {
		n, err := strconv.Atoi(offset)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid offset"})
			return
		}
		filter.Offset = n
	}

	events, err := s.store.Query(c.Request.Context(), filter)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"events": events, "count": len(events)})
}

// getAggregateEvents returns all events for an aggregate in version order
func (s *Server) getAggregateEvents(c *gin.Context) {
	id := c.Param("id")

	events, err := s.events.GetAggregateEvents(c.Request.Context(), id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if len(events) == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "aggregate not found"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"aggregate_id": id, "events": events})
}

// replayAggregate returns the aggregate's folded state
func (s *Server) replayAggregate(c *gin.Context) {
	id := c.Param("id")
	ctx := c.Request.Context()

	version, err := s.events.CurrentVersion(ctx, id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	state, err := s.events.ReplayEvents(ctx, id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"aggregate_id": id,
		"version":      version,
		"state":        state,
	})
}

// createSnapshot snapshots an aggregate at its current version
func (s *Server) createSnapshot(c *gin.Context) {
	id := c.Param("id")

	snapshot, err := s.events.CreateSnapshot(c.Request.Context(), id)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusCreated, snapshot)
}

// listDeadLetters returns unresolved dead-letter entries, oldest first
func (s *Server) listDeadLetters(c *gin.Context) {
	limit := 100
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}
		limit = n
	}

	entries, err := s.deadLetters.PendingEntries(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"entries": entries, "count": len(entries)})
}

// retryDeadLetter resets a dead-lettered event for redelivery
func (s *Server) retryDeadLetter(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid dead letter id"})
		return
	}

	entry, err := s.deadLetters.Retry(c.Request.Context(), uint(id))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if entry == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "dead letter entry not found"})
		return
	}

	c.JSON(http.StatusOK, entry)
}

// listSagas returns status snapshots of registered sagas
func (s *Server) listSagas(c *gin.Context) {
	if s.orchestrator == nil {
		c.JSON(http.StatusOK, gin.H{"sagas": []interface{}{}})
		return
	}

	c.JSON(http.StatusOK, gin.H{"sagas": s.orchestrator.Active()})
}

// getMetrics returns a metrics snapshot of the event pipeline
func (s *Server) getMetrics(c *gin.Context) {
	snapshot, err := s.collector.Collect(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, snapshot)
}

// getHealth evaluates pipeline health against the configured thresholds
func (s *Server) getHealth(c *gin.Context) {
	health, err := s.collector.CheckHealth(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	status := http.StatusOK
	if !health.Healthy {
		status = http.StatusServiceUnavailable
	}

	c.JSON(status, health)
}
