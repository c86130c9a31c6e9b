// README: HTTP router registration.
package http

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"ridepool/internal/http/handlers"
	"ridepool/internal/http/middleware"
	"ridepool/internal/infra"
	"ridepool/internal/modules/driver"
	"ridepool/internal/modules/ride"
	"ridepool/internal/modules/share"
	"ridepool/internal/modules/wallet"
)

type RouterDeps struct {
	Rides   *ride.Service
	Drivers *driver.Service
	Wallets *wallet.Service
	Shares  *share.Coordinator
	// Verifier enables Firebase auth on /api when set.
	Verifier infra.TokenVerifier
	Logger   *zap.Logger
}

func NewRouter(d RouterDeps) *gin.Engine {
	logger := d.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	r := gin.New()
	r.Use(middleware.Recovery(logger), middleware.Metrics(), middleware.Logging(logger))

	r.GET("/health", func(c *gin.Context) {
		c.String(http.StatusOK, "OK")
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := r.Group("/api")
	if d.Verifier != nil {
		api.Use(middleware.Auth(d.Verifier))
	}

	rides := handlers.NewRideHandler(d.Rides)
	api.POST("/rides", rides.Create)
	api.GET("/rides/:id", rides.Get)
	api.GET("/rides/:id/events", rides.History)
	api.POST("/rides/:id/start", rides.Start)
	api.POST("/rides/:id/complete", rides.Complete)
	api.POST("/rides/:id/cancel", rides.Cancel)
	api.GET("/riders/:id/active-ride", rides.ActiveRide)

	if d.Shares != nil {
		shares := handlers.NewShareHandler(d.Shares)
		api.GET("/share-groups/:id", shares.Get)
	}

	drivers := handlers.NewDriverHandler(d.Drivers)
	api.POST("/drivers", drivers.Register)
	api.GET("/drivers/:id", drivers.Get)
	api.PUT("/drivers/:id/availability", drivers.SetAvailability)
	api.PUT("/drivers/:id/location", drivers.UpdateLocation)
	api.PUT("/drivers/:id/approval", drivers.SetApproval)
	api.PUT("/drivers/:id/status", drivers.SetStatus)

	wallets := handlers.NewWalletHandler(d.Wallets)
	api.GET("/wallets/:owner", wallets.Get)
	api.GET("/wallets/:owner/transactions", wallets.Transactions)
	api.POST("/wallets/:owner/credit", wallets.Credit)

	return r
}
