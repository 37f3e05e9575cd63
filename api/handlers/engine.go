// Package handlers implements the engine's external interface as gin HTTP
// handlers: one struct per resource area wrapping the collaborator it
// delegates to.
package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/opentracing/opentracing-go"

	"github.com/metal0/mailpilot-sub001/internal/mailpilot"
	"github.com/metal0/mailpilot-sub001/internal/repository"
	"github.com/metal0/mailpilot-sub001/internal/tracing"
)

// EngineHandler exposes the Engine's management operations over REST.
type EngineHandler struct {
	engine *mailpilot.Engine
}

func NewEngineHandler(engine *mailpilot.Engine) *EngineHandler {
	return &EngineHandler{engine: engine}
}

// GetStats returns the Stats() snapshot.
func (h *EngineHandler) GetStats() gin.HandlerFunc {
	return func(c *gin.Context) {
		span, ctx := opentracing.StartSpanFromContext(c.Request.Context(), "EngineHandler.GetStats")
		defer span.Finish()
		tracing.SetDefaultRestSpanTags(ctx, span)

		snap, err := h.engine.Stats(ctx)
		if err != nil {
			tracing.TraceErr(span, err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, snap)
	}
}

// GetActivity returns the audit log, optionally filtered by account, since
// timestamp (RFC3339), and limit query params.
func (h *EngineHandler) GetActivity() gin.HandlerFunc {
	return func(c *gin.Context) {
		span, ctx := opentracing.StartSpanFromContext(c.Request.Context(), "EngineHandler.GetActivity")
		defer span.Finish()
		tracing.SetDefaultRestSpanTags(ctx, span)

		filter := repository.ActivityFilter{
			AccountName: c.Query("account"),
		}
		if limit := c.Query("limit"); limit != "" {
			n, err := strconv.Atoi(limit)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
				return
			}
			filter.Limit = n
		}
		if since := c.Query("since"); since != "" {
			t, err := time.Parse(time.RFC3339, since)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "invalid since, expected RFC3339"})
				return
			}
			filter.Since = &t
		}

		entries, err := h.engine.Activity(ctx, filter)
		if err != nil {
			tracing.TraceErr(span, err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"entries": entries})
	}
}

// GetDeadLetters returns dead-letter entries, optionally scoped to the
// "account" query param.
func (h *EngineHandler) GetDeadLetters() gin.HandlerFunc {
	return func(c *gin.Context) {
		span, ctx := opentracing.StartSpanFromContext(c.Request.Context(), "EngineHandler.GetDeadLetters")
		defer span.Finish()
		tracing.SetDefaultRestSpanTags(ctx, span)

		entries, err := h.engine.DeadLetters(ctx, c.Query("account"))
		if err != nil {
			tracing.TraceErr(span, err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"entries": entries})
	}
}

// RetryDeadLetter retries one dead-letter entry by id, bypassing the
// scheduler's own tick.
func (h *EngineHandler) RetryDeadLetter() gin.HandlerFunc {
	return func(c *gin.Context) {
		span, ctx := opentracing.StartSpanFromContext(c.Request.Context(), "EngineHandler.RetryDeadLetter")
		defer span.Finish()
		tracing.SetDefaultRestSpanTags(ctx, span)

		id := c.Param("id")
		if id == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "id is required"})
			return
		}
		tracing.TagEntity(span, id)

		if err := h.engine.RetryDeadLetter(ctx, id); err != nil {
			tracing.TraceErr(span, err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{})
	}
}

// Pause pauses an account.
func (h *EngineHandler) Pause() gin.HandlerFunc {
	return func(c *gin.Context) {
		span, ctx := opentracing.StartSpanFromContext(c.Request.Context(), "EngineHandler.Pause")
		defer span.Finish()
		tracing.SetDefaultRestSpanTags(ctx, span)

		account := c.Param("account")
		tracing.TagAccount(span, account)

		if err := h.engine.Pause(account); err != nil {
			tracing.TraceErr(span, err)
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{})
	}
}

// Resume resumes a paused account.
func (h *EngineHandler) Resume() gin.HandlerFunc {
	return func(c *gin.Context) {
		span, ctx := opentracing.StartSpanFromContext(c.Request.Context(), "EngineHandler.Resume")
		defer span.Finish()
		tracing.SetDefaultRestSpanTags(ctx, span)

		account := c.Param("account")
		tracing.TagAccount(span, account)

		if err := h.engine.Resume(ctx, account); err != nil {
			tracing.TraceErr(span, err)
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{})
	}
}

// Reconnect forces a fresh IMAP session for an account.
func (h *EngineHandler) Reconnect() gin.HandlerFunc {
	return func(c *gin.Context) {
		span, ctx := opentracing.StartSpanFromContext(c.Request.Context(), "EngineHandler.Reconnect")
		defer span.Finish()
		tracing.SetDefaultRestSpanTags(ctx, span)

		account := c.Param("account")
		tracing.TagAccount(span, account)

		if err := h.engine.Reconnect(ctx, account); err != nil {
			tracing.TraceErr(span, err)
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{})
	}
}

// TriggerProcess manually triggers processing for an account; an optional
// "folder" query param scopes it to one folder instead of every watched
// folder.
func (h *EngineHandler) TriggerProcess() gin.HandlerFunc {
	return func(c *gin.Context) {
		span, ctx := opentracing.StartSpanFromContext(c.Request.Context(), "EngineHandler.TriggerProcess")
		defer span.Finish()
		tracing.SetDefaultRestSpanTags(ctx, span)

		account := c.Param("account")
		tracing.TagAccount(span, account)

		if err := h.engine.TriggerProcess(ctx, account, c.Query("folder")); err != nil {
			tracing.TraceErr(span, err)
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{})
	}
}
