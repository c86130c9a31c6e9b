// README: Wallet handlers: balance, statement and top-up credit.
package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"ridepool/internal/http/middleware"
	"ridepool/internal/modules/wallet"
	"ridepool/internal/types"
)

type WalletHandler struct {
	wallets *wallet.Service
}

func NewWalletHandler(svc *wallet.Service) *WalletHandler {
	return &WalletHandler{wallets: svc}
}

type walletResp struct {
	*wallet.Wallet
	Available int64 `json:"available"`
}

func (h *WalletHandler) Get(c *gin.Context) {
	owner := types.ID(c.Param("owner"))
	if !allowSelf(c, owner) {
		return
	}
	w, err := h.wallets.Get(c.Request.Context(), owner)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, walletResp{Wallet: w, Available: w.Available()})
}

func (h *WalletHandler) Transactions(c *gin.Context) {
	owner := types.ID(c.Param("owner"))
	if !allowSelf(c, owner) {
		return
	}
	txs, err := h.wallets.Transactions(c.Request.Context(), owner)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"owner_id": owner, "transactions": txs})
}

type creditReq struct {
	Amount    int64  `json:"amount"`
	Reference string `json:"reference"`
}

// Credit is called by the payment gateway callback, hence admin only.
func (h *WalletHandler) Credit(c *gin.Context) {
	if !requireRole(c, middleware.RoleAdmin) {
		return
	}
	var req creditReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid json")
		return
	}
	if req.Reference == "" {
		req.Reference = "topup"
	}
	owner := types.ID(c.Param("owner"))
	if err := h.wallets.Credit(c.Request.Context(), owner, req.Amount, req.Reference); err != nil {
		writeServiceError(c, err)
		return
	}
	w, err := h.wallets.Get(c.Request.Context(), owner)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, walletResp{Wallet: w, Available: w.Available()})
}
