// README: Driver handlers for registration, availability, location and approval.
package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"ridepool/internal/http/middleware"
	"ridepool/internal/modules/driver"
	"ridepool/internal/types"
)

type DriverHandler struct {
	drivers *driver.Service
}

func NewDriverHandler(svc *driver.Service) *DriverHandler {
	return &DriverHandler{drivers: svc}
}

type registerDriverReq struct {
	ID       string    `json:"id"`
	Name     string    `json:"name"`
	Position *pointReq `json:"position"`
}

func (h *DriverHandler) Register(c *gin.Context) {
	var req registerDriverReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid json")
		return
	}
	if !requireRole(c, middleware.RoleDriver) {
		return
	}
	id := callerOr(c, req.ID)
	if !allowSelf(c, id) {
		return
	}
	cmd := driver.RegisterCommand{ID: id, Name: req.Name}
	if req.Position != nil {
		cmd.Position = req.Position.point()
	}
	d, err := h.drivers.Register(c.Request.Context(), cmd)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	writeJSON(c, http.StatusCreated, d)
}

func (h *DriverHandler) Get(c *gin.Context) {
	d, err := h.drivers.Get(c.Request.Context(), types.ID(c.Param("id")))
	if err != nil {
		writeServiceError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, d)
}

// self checks the path driver is the caller.
func (h *DriverHandler) self(c *gin.Context) (types.ID, bool) {
	id := types.ID(c.Param("id"))
	if !requireRole(c, middleware.RoleDriver) || !allowSelf(c, id) {
		return "", false
	}
	return id, true
}

type availabilityReq struct {
	Online *bool `json:"online"`
}

func (h *DriverHandler) SetAvailability(c *gin.Context) {
	id, ok := h.self(c)
	if !ok {
		return
	}
	var req availabilityReq
	if err := c.ShouldBindJSON(&req); err != nil || req.Online == nil {
		writeError(c, http.StatusBadRequest, "online is required")
		return
	}
	d, err := h.drivers.SetOnline(c.Request.Context(), id, *req.Online)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, d)
}

func (h *DriverHandler) UpdateLocation(c *gin.Context) {
	id, ok := h.self(c)
	if !ok {
		return
	}
	var req pointReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid json")
		return
	}
	d, err := h.drivers.UpdateLocation(c.Request.Context(), id, req.point())
	if err != nil {
		writeServiceError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, d)
}

type approvalReq struct {
	Approval string `json:"approval"`
}

func (h *DriverHandler) SetApproval(c *gin.Context) {
	if !requireRole(c, middleware.RoleAdmin) {
		return
	}
	var req approvalReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid json")
		return
	}
	d, err := h.drivers.SetApproval(c.Request.Context(), types.ID(c.Param("id")), driver.Approval(req.Approval))
	if err != nil {
		writeServiceError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, d)
}

type statusReq struct {
	Status string `json:"status"`
}

func (h *DriverHandler) SetStatus(c *gin.Context) {
	if !requireRole(c, middleware.RoleAdmin) {
		return
	}
	var req statusReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid json")
		return
	}
	d, err := h.drivers.SetStatus(c.Request.Context(), types.ID(c.Param("id")), driver.Status(req.Status))
	if err != nil {
		writeServiceError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, d)
}
