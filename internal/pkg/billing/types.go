package billing

import "github.com/beastdl/beastdl/app/models"

// Provider callback statuses the service understands. Anything else is
// treated as a failure report.
const (
	CallbackStatusOK     = "ok"
	CallbackStatusFailed = "failed"
)

// Outcome reasons for acknowledged-but-ignored callbacks.
const (
	ReasonUnknownReference = "unknown_reference"
	ReasonAmountMismatch   = "amount_mismatch"
	ReasonAlreadySettled   = "already_settled"
)

// Outcome describes what a callback did. Callbacks are always acknowledged;
// Applied is true only when this call performed the plan upgrade.
type Outcome struct {
	State   models.PaymentState
	Applied bool
	Plan    string
	Reason  string
}
