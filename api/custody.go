package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	wrapErrors "github.com/opencustody/custody_service/errors"
	"github.com/opencustody/custody_service/request"
	"github.com/opencustody/custody_service/service"
	"github.com/opencustody/custody_service/transfer"
)

type CustodyHandler struct {
	custody *service.CustodyService
}

func NewCustodyHandler(cs *service.CustodyService) *CustodyHandler {
	return &CustodyHandler{custody: cs}
}

// statusFor maps engine error codes onto HTTP statuses. Anything uncoded
// is a 500.
func statusFor(err error) int {
	switch wrapErrors.CodeOf(err) {
	case wrapErrors.InvalidTransferParams, wrapErrors.InvalidAmount,
		wrapErrors.InvalidSeed, wrapErrors.UnsupportedChain:
		return http.StatusBadRequest
	case wrapErrors.InsufficientLedgerFunds, wrapErrors.InsufficientOnChainFunds:
		return http.StatusUnprocessableEntity
	case wrapErrors.SeedNotFound:
		return http.StatusNotFound
	case wrapErrors.SubmissionErr, wrapErrors.SubmissionUnknown,
		wrapErrors.LedgerReconcileFailure:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func abortWithError(c *gin.Context, err error) {
	var app *wrapErrors.AppError
	if errors.As(err, &app) {
		c.JSON(statusFor(err), gin.H{"code": app.Code, "error": app.Error()})
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
}

// Onboard creates the user's seed and per-chain deposit wallets.
func (h *CustodyHandler) Onboard(c *gin.Context) {
	userID := c.Param("userID")

	addresses, err := h.custody.Onboard(c.Request.Context(), userID)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"user_id": userID, "addresses": addresses})
}

// GetAddresses lists the user's deposit wallets.
func (h *CustodyHandler) GetAddresses(c *gin.Context) {
	userID := c.Param("userID")

	addrs, err := h.custody.Addresses(c.Request.Context(), userID)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, addrs)
}

// GetBalance returns the user's ledger balance for one asset.
func (h *CustodyHandler) GetBalance(c *gin.Context) {
	userID := c.Param("userID")
	var req request.GetBalanceReq
	if err := c.ShouldBindQuery(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	balance, err := h.custody.Balance(c.Request.Context(), userID, req.Asset)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"asset": req.Asset, "balance": balance})
}

// GetTransfers lists the user's transfer results, newest first.
func (h *CustodyHandler) GetTransfers(c *gin.Context) {
	userID := c.Param("userID")

	results, err := h.custody.Transfers(c.Request.Context(), userID)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, results)
}

// InitiateTransfer runs a deposit-sweep or withdrawal and returns its
// result record. Partial outcomes (e.g. a sweep whose ledger credit is
// pending reconciliation) come back with the result attached.
func (h *CustodyHandler) InitiateTransfer(c *gin.Context) {
	userID := c.Param("userID")
	var req request.TransferReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	result, err := h.custody.InitiateTransfer(c.Request.Context(), transfer.Request{
		UserID:      userID,
		Asset:       req.Asset,
		Amount:      req.Amount,
		Direction:   req.Direction,
		Destination: req.Destination,
	})
	if err != nil {
		if result != nil {
			c.JSON(statusFor(err), gin.H{
				"code":   wrapErrors.CodeOf(err),
				"error":  err.Error(),
				"result": result,
			})
			return
		}
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}
