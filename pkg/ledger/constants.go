package ledger

// StartingBalance is granted to every user at registration.
const StartingBalance Amount = 10_000

const (
	operationRegister    = "register"
	operationTransfer    = "transfer"
	operationSettle      = "settle"
	operationClaim       = "claim"
	operationAdminAdjust = "admin_adjust"
	operationAdminReset  = "admin_reset"

	operationStatusOK    = "ok"
	operationStatusError = "error"
)
