package errors

type Code string

const (
	InvalidSeed              Code = "INVALID_SEED"
	SeedNotFound             Code = "SEED_NOT_FOUND"
	DerivationErr            Code = "DERIVATION_ERROR"
	InvalidTransferParams    Code = "INVALID_TRANSFER_PARAMS"
	InvalidAmount            Code = "INVALID_AMOUNT"
	InsufficientOnChainFunds Code = "INSUFFICIENT_ONCHAIN_FUNDS"
	InsufficientLedgerFunds  Code = "INSUFFICIENT_LEDGER_FUNDS"
	SubmissionErr            Code = "SUBMISSION_ERROR"
	SubmissionUnknown        Code = "SUBMISSION_OUTCOME_UNKNOWN"
	LedgerReconcileFailure   Code = "LEDGER_RECONCILE_FAILURE"
	UnsupportedChain         Code = "UNSUPPORTED_CHAIN"
	DailChain                Code = "DIAL_CHAIN_ERROR"
	SignerErr                Code = "SIGNER_ERROR"
)
