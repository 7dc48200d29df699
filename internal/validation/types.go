package validation

import "time"

// StartPaymentRequest is the optional payload for POST /orders/:id/payment-intent.
type StartPaymentRequest struct {
	// ReceiptEmail overrides the order's contact address for the provider receipt.
	ReceiptEmail string `json:"customer_email,omitempty" validate:"omitempty,email"`
}

// WaitRequest holds the paywait command's inputs.
type WaitRequest struct {
	BaseURL  string        `validate:"required,url"`
	OrderID  string        `validate:"required"`
	Interval time.Duration `validate:"gt=0"`
	Timeout  time.Duration `validate:"gt=0"`
}
