package handlers

import (
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/draftwell/roomhost/internal/middleware"
	"github.com/draftwell/roomhost/internal/room"
	apperrors "github.com/draftwell/roomhost/pkg/errors"
)

// descriptorFromRequest derives the room descriptor from the route. A plain
// room id names a simple room; a `fragments` query parameter turns the id
// into a namespace whose listed page fragments compose the room.
func descriptorFromRequest(c *gin.Context) (room.Descriptor, error) {
	roomID := strings.TrimSpace(c.Param("roomId"))
	if roomID == "" {
		return room.Descriptor{}, apperrors.NewBadRequest("room id is required")
	}

	fragments := strings.TrimSpace(c.Query("fragments"))
	if fragments == "" {
		return room.NewSimple(roomID), nil
	}

	ids := strings.Split(fragments, ",")
	for i := range ids {
		ids[i] = strings.TrimSpace(ids[i])
		if ids[i] == "" {
			return room.Descriptor{}, apperrors.NewBadRequest("fragments list contains an empty id")
		}
	}
	return room.NewComposite(roomID, ids), nil
}

// boundDescriptor additionally checks that the verified token's room claim
// matches the room the route addresses.
func boundDescriptor(c *gin.Context) (room.Descriptor, error) {
	desc, err := descriptorFromRequest(c)
	if err != nil {
		return room.Descriptor{}, err
	}
	claimed, ok := middleware.ClaimedRoom(c)
	if !ok || claimed != desc.RoomKey {
		return room.Descriptor{}, apperrors.ErrRoomMismatch
	}
	return desc, nil
}
