package request

type TransferReq struct {
	Asset       string `json:"asset" binding:"required"`
	Amount      int64  `json:"amount" binding:"required"`
	Direction   string `json:"direction" binding:"required"` // deposit-sweep | withdrawal
	Destination string `json:"destination"`                  // withdrawal only
}

type GetBalanceReq struct {
	Asset string `form:"asset" binding:"required"`
}
