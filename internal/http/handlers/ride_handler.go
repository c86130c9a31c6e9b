// README: Ride handlers for request/get/start/complete/cancel and rider lookups.
package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"ridepool/internal/http/middleware"
	"ridepool/internal/modules/ride"
	"ridepool/internal/types"
)

type RideHandler struct {
	rides *ride.Service
}

func NewRideHandler(svc *ride.Service) *RideHandler {
	return &RideHandler{rides: svc}
}

type locationReq struct {
	Lat  *float64 `json:"lat"`
	Lng  *float64 `json:"lng"`
	Text string   `json:"text"`
}

func (l locationReq) location() ride.Location {
	loc := ride.Location{Text: l.Text}
	if l.Lat != nil && l.Lng != nil {
		loc.Point = &types.Point{Lat: *l.Lat, Lng: *l.Lng}
	}
	return loc
}

type requestRideReq struct {
	RiderID   string      `json:"rider_id"`
	BookedBy  string      `json:"booked_by"`
	BookedFor string      `json:"booked_for"`
	Pickup    locationReq `json:"pickup"`
	Dropoff   locationReq `json:"dropoff"`
	Fare      int64       `json:"fare"`
	Mode      string      `json:"mode"`
}

func (h *RideHandler) Create(c *gin.Context) {
	var req requestRideReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid json")
		return
	}
	riderID := callerOr(c, req.RiderID)
	payer := riderID
	if req.BookedBy != "" {
		payer = types.ID(req.BookedBy)
	}
	if !allowSelf(c, payer) {
		return
	}
	r, err := h.rides.RequestRide(c.Request.Context(), ride.RequestCommand{
		RiderID:   riderID,
		Pickup:    req.Pickup.location(),
		Dropoff:   req.Dropoff.location(),
		Fare:      req.Fare,
		Mode:      ride.Mode(req.Mode),
		BookedBy:  types.ID(req.BookedBy),
		BookedFor: req.BookedFor,
	})
	if err != nil {
		writeServiceError(c, err)
		return
	}
	writeJSON(c, http.StatusCreated, r)
}

// load fetches the ride and checks the caller is a rider, payer or its driver.
func (h *RideHandler) load(c *gin.Context) (*ride.Ride, bool) {
	r, err := h.rides.Get(c.Request.Context(), types.ID(c.Param("id")))
	if err != nil {
		writeServiceError(c, err)
		return nil, false
	}
	ids := make([]types.ID, 0, 2*len(r.Seats)+1)
	for _, s := range r.Seats {
		ids = append(ids, s.RiderID, s.PayerID)
	}
	if r.DriverID != nil {
		ids = append(ids, *r.DriverID)
	}
	if !allowSelf(c, ids...) {
		return nil, false
	}
	return r, true
}

func (h *RideHandler) Get(c *gin.Context) {
	r, ok := h.load(c)
	if !ok {
		return
	}
	writeJSON(c, http.StatusOK, r)
}

func (h *RideHandler) History(c *gin.Context) {
	r, ok := h.load(c)
	if !ok {
		return
	}
	events, err := h.rides.History(c.Request.Context(), r.ID)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"ride_id": r.ID, "events": events})
}

// assignedDriver lets through only the driver bound to the ride.
func (h *RideHandler) assignedDriver(c *gin.Context) (types.ID, bool) {
	if !requireRole(c, middleware.RoleDriver) {
		return "", false
	}
	id := types.ID(c.Param("id"))
	r, err := h.rides.Get(c.Request.Context(), id)
	if err != nil {
		writeServiceError(c, err)
		return "", false
	}
	var driverID types.ID
	if r.DriverID != nil {
		driverID = *r.DriverID
	}
	if !allowSelf(c, driverID) {
		return "", false
	}
	return id, true
}

func (h *RideHandler) Start(c *gin.Context) {
	id, ok := h.assignedDriver(c)
	if !ok {
		return
	}
	r, err := h.rides.StartRide(c.Request.Context(), id)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, r)
}

func (h *RideHandler) Complete(c *gin.Context) {
	id, ok := h.assignedDriver(c)
	if !ok {
		return
	}
	r, err := h.rides.CompleteRide(c.Request.Context(), id)
	if err != nil {
		if r == nil {
			writeServiceError(c, err)
			return
		}
		// The ride is COMPLETED; only part of the settlement failed.
		_ = c.Error(err)
	}
	writeJSON(c, http.StatusOK, r)
}

type cancelRideReq struct {
	CallerID string `json:"caller_id"`
	Reason   string `json:"reason"`
}

func (h *RideHandler) Cancel(c *gin.Context) {
	var req cancelRideReq
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			writeError(c, http.StatusBadRequest, "invalid json")
			return
		}
	}
	caller := callerOr(c, req.CallerID)
	if caller.Empty() {
		writeError(c, http.StatusBadRequest, "missing caller_id")
		return
	}
	if !allowSelf(c, caller) {
		return
	}
	reason := req.Reason
	if reason == "" {
		reason = "rider_cancel"
	}
	res, err := h.rides.CancelRide(c.Request.Context(), ride.CancelCommand{
		RideID:   types.ID(c.Param("id")),
		CallerID: caller,
		Reason:   reason,
	})
	if err != nil {
		writeServiceError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, res)
}

func (h *RideHandler) ActiveRide(c *gin.Context) {
	riderID := types.ID(c.Param("id"))
	if !allowSelf(c, riderID) {
		return
	}
	r, err := h.rides.ActiveRide(c.Request.Context(), riderID)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, r)
}
