// README: Base handler utilities (JSON helpers, error mapping, caller checks).
package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"ridepool/internal/http/middleware"
	"ridepool/internal/modules/driver"
	"ridepool/internal/modules/location"
	"ridepool/internal/modules/ride"
	"ridepool/internal/modules/share"
	"ridepool/internal/modules/wallet"
	"ridepool/internal/types"
)

type errorResponse struct {
	Error string `json:"error"`
}

type pointReq struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

func (p pointReq) point() types.Point {
	return types.Point{Lat: p.Lat, Lng: p.Lng}
}

func writeJSON(c *gin.Context, status int, v any) {
	c.JSON(status, v)
}

func writeError(c *gin.Context, status int, msg string) {
	writeJSON(c, status, errorResponse{Error: msg})
}

// writeServiceError maps module sentinels onto status codes. Anything
// unrecognised is logged by the middleware and hidden from the client.
func writeServiceError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ride.ErrBadRequest),
		errors.Is(err, driver.ErrBadRequest),
		errors.Is(err, wallet.ErrInvalidAmount),
		errors.Is(err, location.ErrInvalidPoint):
		writeError(c, http.StatusBadRequest, err.Error())
	case errors.Is(err, ride.ErrNotParticipant):
		writeError(c, http.StatusForbidden, err.Error())
	case errors.Is(err, ride.ErrNotFound),
		errors.Is(err, driver.ErrNotFound),
		errors.Is(err, share.ErrNotFound),
		errors.Is(err, wallet.ErrWalletNotFound),
		errors.Is(err, wallet.ErrHoldNotFound):
		writeError(c, http.StatusNotFound, err.Error())
	case errors.Is(err, wallet.ErrInsufficientFunds):
		writeError(c, http.StatusPaymentRequired, err.Error())
	case errors.Is(err, ride.ErrInvalidState),
		errors.Is(err, ride.ErrConflict),
		errors.Is(err, ride.ErrActiveRide),
		errors.Is(err, share.ErrConflict),
		errors.Is(err, driver.ErrDuplicate),
		errors.Is(err, driver.ErrConflict),
		errors.Is(err, driver.ErrAlreadyBusy),
		errors.Is(err, wallet.ErrConflict),
		errors.Is(err, wallet.ErrHoldResolved):
		writeError(c, http.StatusConflict, err.Error())
	case errors.Is(err, ride.ErrShareDisabled):
		writeError(c, http.StatusServiceUnavailable, err.Error())
	default:
		_ = c.Error(err)
		writeError(c, http.StatusInternalServerError, "internal error")
	}
}

// allowSelf passes when auth is off, the caller is one of ids, or an admin.
func allowSelf(c *gin.Context, ids ...types.ID) bool {
	if !middleware.Authenticated(c) || middleware.CallerRole(c) == middleware.RoleAdmin {
		return true
	}
	uid := types.ID(middleware.CallerUID(c))
	for _, id := range ids {
		if id != "" && id == uid {
			return true
		}
	}
	writeError(c, http.StatusForbidden, "forbidden")
	return false
}

// requireRole passes when auth is off or the caller holds role (admins hold all).
func requireRole(c *gin.Context, role string) bool {
	if !middleware.Authenticated(c) {
		return true
	}
	got := middleware.CallerRole(c)
	if got == role || got == middleware.RoleAdmin {
		return true
	}
	writeError(c, http.StatusForbidden, "requires "+role+" role")
	return false
}

// callerOr returns the authenticated uid, falling back to v when auth is off.
func callerOr(c *gin.Context, v string) types.ID {
	if uid := middleware.CallerUID(c); uid != "" && v == "" {
		return types.ID(uid)
	}
	return types.ID(v)
}
