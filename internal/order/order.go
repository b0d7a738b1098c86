package order

import (
	datamodel "github.com/fromafrica/escrow-service/internal/core/datamodel/order"
)

// Repository is what the escrow core needs from order storage: read the
// order being escrowed and keep its payment status in step with the escrow.
type Repository interface {
	GetByID(id int64) (*datamodel.Order, error)
	AttachEscrow(orderID, escrowID int64) error
	UpdatePaymentStatus(orderID int64, paymentStatus string) error

	// Cancel closes the order after its escrowed payment was refunded,
	// resetting the payment status alongside.
	Cancel(orderID int64) error
}
