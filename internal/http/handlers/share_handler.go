// README: Share group lookup for participants.
package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"ridepool/internal/modules/share"
	"ridepool/internal/types"
)

type ShareHandler struct {
	groups *share.Coordinator
}

func NewShareHandler(c *share.Coordinator) *ShareHandler {
	return &ShareHandler{groups: c}
}

func (h *ShareHandler) Get(c *gin.Context) {
	g, err := h.groups.Get(c.Request.Context(), types.ID(c.Param("id")))
	if err != nil {
		writeServiceError(c, err)
		return
	}
	ids := make([]types.ID, 0, 2*len(g.Participants))
	for _, p := range g.Participants {
		ids = append(ids, p.RiderID, p.PayerID)
	}
	if !allowSelf(c, ids...) {
		return
	}
	writeJSON(c, http.StatusOK, g)
}
