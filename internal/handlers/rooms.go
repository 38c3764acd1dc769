package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/draftwell/roomhost/internal/room"
	apperrors "github.com/draftwell/roomhost/pkg/errors"
	"github.com/draftwell/roomhost/pkg/response"
	"github.com/draftwell/roomhost/pkg/validator"
)

// RoomHandler serves the page and session management surface of a room.
type RoomHandler struct {
	registry *room.Registry
}

func NewRoomHandler(registry *room.Registry) *RoomHandler {
	return &RoomHandler{registry: registry}
}

func (h *RoomHandler) actor(c *gin.Context) (*room.Actor, bool) {
	desc, err := boundDescriptor(c)
	if err != nil {
		response.Error(c, err)
		return nil, false
	}
	actor, err := h.registry.Get(desc)
	if err != nil {
		response.Error(c, err)
		return nil, false
	}
	return actor, true
}

// ListPages returns the room's pages ordered by their fractional index.
func (h *RoomHandler) ListPages(c *gin.Context) {
	actor, ok := h.actor(c)
	if !ok {
		return
	}

	pages, err := actor.QueryPages(c.Request.Context())
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"pages": pages})
}

type mutatePagesRequest struct {
	Pages []room.PageInput `json:"pages" validate:"required,min=1,dive"`
}

// MutatePages appends a batch of pages. Individual page failures are
// reported inline; the batch as a whole still succeeds.
func (h *RoomHandler) MutatePages(c *gin.Context) {
	actor, ok := h.actor(c)
	if !ok {
		return
	}

	var req mutatePagesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, apperrors.NewBadRequest("invalid request body"))
		return
	}
	if err := validator.ValidateStruct(req); err != nil {
		response.Error(c, apperrors.NewBadRequest(err.Error()))
		return
	}

	result, err := actor.MutatePages(c.Request.Context(), req.Pages)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, http.StatusOK, result)
}

type deletePagesRequest struct {
	IDs []string `json:"ids" validate:"required,min=1,dive,required"`
}

// DeletePages removes pages and their dependent records.
func (h *RoomHandler) DeletePages(c *gin.Context) {
	actor, ok := h.actor(c)
	if !ok {
		return
	}

	var req deletePagesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, apperrors.NewBadRequest("invalid request body"))
		return
	}
	if err := validator.ValidateStruct(req); err != nil {
		response.Error(c, apperrors.NewBadRequest(err.Error()))
		return
	}

	removed, err := actor.DeletePages(c.Request.Context(), req.IDs)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"removed": removed})
}

// ListSessions returns the room's reconciled session history.
func (h *RoomHandler) ListSessions(c *gin.Context) {
	actor, ok := h.actor(c)
	if !ok {
		return
	}

	sessions, err := actor.ListSessions(c.Request.Context())
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"sessions": sessions})
}
