// Copyright © 2025 jackelyj <dreamerlyj@gmail.com>
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in
// all copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
// THE SOFTWARE.
//

package monitoring

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/innovationmech/tasks/pkg/logger"
	"github.com/innovationmech/tasks/pkg/tasks"
	"github.com/innovationmech/tasks/pkg/tasks/engine"
)

// ErrorResponse is the JSON error envelope of the status API.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// CancelRequest is the body of POST /api/sagas/:id/cancel.
type CancelRequest struct {
	Reason string `json:"reason"`
}

// StatusAPI exposes read-only saga and operation state plus cooperative
// cancellation over HTTP. It is a thin view over the engine; it never drives
// execution itself.
type StatusAPI struct {
	engine *engine.Engine
}

// NewStatusAPI creates a status API over the engine.
func NewStatusAPI(e *engine.Engine) *StatusAPI {
	return &StatusAPI{engine: e}
}

// RegisterRoutes mounts the API under group.
func (api *StatusAPI) RegisterRoutes(group *gin.RouterGroup) {
	group.GET("/sagas/:id", api.GetSaga)
	group.GET("/sagas/:id/history", api.GetSagaHistory)
	group.POST("/sagas/:id/cancel", api.CancelSaga)
	group.GET("/operations/:key", api.GetOperation)
	group.GET("/tenants/:tenant/operations", api.ListOperations)
}

// GetSaga handles GET /api/sagas/:id.
func (api *StatusAPI) GetSaga(c *gin.Context) {
	snapshot, err := api.engine.GetSagaStatus(c.Request.Context(), c.Param("id"))
	if err != nil {
		api.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, snapshot)
}

// GetSagaHistory handles GET /api/sagas/:id/history. The optional limit
// query parameter bounds the number of entries.
func (api *StatusAPI) GetSagaHistory(c *gin.Context) {
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			c.JSON(http.StatusBadRequest, ErrorResponse{
				Error:   "invalid_request",
				Message: "limit must be a non-negative integer",
			})
			return
		}
		limit = parsed
	}

	// A missing saga renders 404 rather than an empty history.
	if _, err := api.engine.GetSagaStatus(c.Request.Context(), c.Param("id")); err != nil {
		api.renderError(c, err)
		return
	}

	entries, err := api.engine.GetSagaHistory(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		api.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"saga_id": c.Param("id"), "history": entries})
}

// CancelSaga handles POST /api/sagas/:id/cancel. Cancellation is
// cooperative: the response acknowledges the request, the saga transitions
// at its next step boundary.
func (api *StatusAPI) CancelSaga(c *gin.Context) {
	var req CancelRequest
	// The body is optional; a missing or malformed body means no reason.
	_ = c.ShouldBindJSON(&req)

	if err := api.engine.CancelSaga(c.Request.Context(), c.Param("id"), req.Reason); err != nil {
		api.renderError(c, err)
		return
	}
	logger.GetLogger().Info("saga cancellation requested",
		zap.String("saga_id", c.Param("id")),
		zap.String("reason", req.Reason))
	c.JSON(http.StatusAccepted, gin.H{"saga_id": c.Param("id"), "cancel_requested": true})
}

// GetOperation handles GET /api/operations/:key, resolving the reference as
// a saga ID first and an idempotency key second.
func (api *StatusAPI) GetOperation(c *gin.Context) {
	op, err := api.engine.GetBackgroundOperation(c.Request.Context(), c.Param("key"))
	if err != nil {
		api.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, op)
}

// ListOperations handles GET /api/tenants/:tenant/operations.
func (api *StatusAPI) ListOperations(c *gin.Context) {
	limit := 50
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			c.JSON(http.StatusBadRequest, ErrorResponse{
				Error:   "invalid_request",
				Message: "limit must be a non-negative integer",
			})
			return
		}
		limit = parsed
	}

	ops, err := api.engine.ListBackgroundOperations(c.Request.Context(), c.Param("tenant"), limit)
	if err != nil {
		api.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"tenant_id": c.Param("tenant"), "operations": ops})
}

func (api *StatusAPI) renderError(c *gin.Context, err error) {
	switch {
	case tasks.IsSagaNotFound(err), tasks.IsKeyNotFound(err):
		c.JSON(http.StatusNotFound, ErrorResponse{
			Error:   "not_found",
			Message: err.Error(),
		})
	default:
		logger.GetLogger().Error("status API request failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "internal_error",
			Message: err.Error(),
		})
	}
}
