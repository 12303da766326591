package tasks

import (
	"errors"
	"fmt"

	"gobii_runner/internal/execution"
	"gobii_runner/internal/gobii"
	"gobii_runner/internal/httpx"
	"gobii_runner/internal/model"
	"gobii_runner/internal/store"

	"github.com/gin-gonic/gin"
)

// Handler handles task related requests
type Handler struct {
	service *execution.Service
}

// NewHandler creates a new task handler
func NewHandler(service *execution.Service) *Handler {
	return &Handler{service: service}
}

// CreateRequest is the body of POST /tasks/create
type CreateRequest struct {
	Name         string              `json:"name"`
	Prompt       string              `json:"prompt"`
	OutputSchema *model.OutputSchema `json:"outputSchema"`
}

// UpdateRequest is the body of POST /tasks/update
type UpdateRequest struct {
	ID           string              `json:"id" binding:"required"`
	Name         string              `json:"name"`
	Prompt       string              `json:"prompt"`
	OutputSchema *model.OutputSchema `json:"outputSchema"`
}

// IDRequest is the body of requests addressing one task
type IDRequest struct {
	ID string `json:"id" binding:"required"`
}

// List handles GET /api/v1/tasks
func (h *Handler) List(c *gin.Context) {
	items, err := h.service.ListTasks(c.Request.Context())
	if err != nil {
		httpx.FailErr(c, httpx.ErrStoreError("failed to load tasks", err))
		return
	}
	httpx.OKItems(c, items, int64(len(items)))
}

// Get handles GET /api/v1/tasks/:id
func (h *Handler) Get(c *gin.Context) {
	task, err := h.service.GetTask(c.Request.Context(), c.Param("id"))
	if err != nil {
		httpx.FailErr(c, taskError(err))
		return
	}
	httpx.OK(c, task)
}

// Active handles GET /api/v1/tasks/active
func (h *Handler) Active(c *gin.Context) {
	ids := h.service.Registry().Active()
	httpx.OKItems(c, ids, int64(len(ids)))
}

// Create handles POST /api/v1/tasks/create
func (h *Handler) Create(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httpx.FailErr(c, httpx.ErrParamInvalid(fmt.Sprintf("invalid request body: %v", err)))
		return
	}

	task, err := h.service.CreateTask(c.Request.Context(), execution.TaskDefinition{
		Name:         req.Name,
		Prompt:       req.Prompt,
		OutputSchema: req.OutputSchema,
	})
	if err != nil {
		httpx.FailErr(c, taskError(err))
		return
	}
	httpx.OK(c, task)
}

// Update handles POST /api/v1/tasks/update
func (h *Handler) Update(c *gin.Context) {
	var req UpdateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httpx.FailErr(c, httpx.ErrParamInvalid(fmt.Sprintf("invalid request body: %v", err)))
		return
	}

	task, err := h.service.EditTask(c.Request.Context(), req.ID, execution.TaskDefinition{
		Name:         req.Name,
		Prompt:       req.Prompt,
		OutputSchema: req.OutputSchema,
	})
	if err != nil {
		httpx.FailErr(c, taskError(err))
		return
	}
	httpx.OK(c, task)
}

// Delete handles POST /api/v1/tasks/delete
func (h *Handler) Delete(c *gin.Context) {
	var req IDRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httpx.FailErr(c, httpx.ErrParamMissing("id is required"))
		return
	}

	if err := h.service.DeleteTask(c.Request.Context(), req.ID); err != nil {
		httpx.FailErr(c, taskError(err))
		return
	}
	httpx.OK(c, gin.H{"id": req.ID})
}

// Run handles POST /api/v1/tasks/run
func (h *Handler) Run(c *gin.Context) {
	var req IDRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httpx.FailErr(c, httpx.ErrParamMissing("id is required"))
		return
	}

	task, err := h.service.Run(c.Request.Context(), req.ID)
	if err != nil {
		appErr := taskError(err)
		if task.ID != "" {
			appErr.WithData(task)
		}
		httpx.FailErr(c, appErr)
		return
	}
	httpx.OKMsg(c, "task submitted", task)
}

// Resume handles POST /api/v1/tasks/resume
func (h *Handler) Resume(c *gin.Context) {
	started := h.service.ScanAll(c.Request.Context())
	httpx.OK(c, gin.H{"started": started})
}

// taskError maps service errors to API errors
func taskError(err error) *httpx.AppError {
	var (
		authErr      *gobii.AuthError
		serverErr    *gobii.ServerError
		transportErr *gobii.TransportError
		decodeErr    *gobii.DecodeError
	)

	switch {
	case errors.Is(err, store.ErrTaskNotFound):
		return httpx.ErrNotFound("task not found")
	case errors.Is(err, store.ErrDuplicateID):
		return httpx.ErrAlreadyExists("task id already exists")
	case errors.As(err, &authErr):
		return httpx.ErrAPIKeyMissing("API key is missing. Please configure your API key in settings.", err)
	case errors.As(err, &serverErr):
		return httpx.ErrExternalError(fmt.Sprintf("Gobii returned status code %d", serverErr.StatusCode), err)
	case errors.As(err, &transportErr):
		return httpx.ErrExternalError("network error while contacting Gobii", err)
	case errors.As(err, &decodeErr):
		return httpx.ErrExternalError("invalid response from Gobii", err)
	}
	return httpx.ErrStoreError("", err)
}
