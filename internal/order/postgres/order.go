package postgres

import (
	"time"

	"gorm.io/gorm"

	errors "github.com/fromafrica/escrow-service/internal"
	datamodel "github.com/fromafrica/escrow-service/internal/core/datamodel/order"
	"github.com/fromafrica/escrow-service/internal/order"
)

// OrderRepository implements the order.Repository interface using GORM
type OrderRepository struct {
	db *gorm.DB
}

// NewOrderRepository creates a new order repository
func NewOrderRepository(db *gorm.DB) order.Repository {
	return &OrderRepository{db: db}
}

// GetByID retrieves an order by its ID
func (r *OrderRepository) GetByID(id int64) (*datamodel.Order, error) {
	var ord datamodel.Order
	err := r.db.Where("id = ?", id).First(&ord).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, errors.ErrOrderNotFound
		}
		return nil, err
	}
	return &ord, nil
}

// AttachEscrow links a freshly created escrow to its order and marks the
// order as escrowed.
func (r *OrderRepository) AttachEscrow(orderID, escrowID int64) error {
	return r.db.Model(&datamodel.Order{}).
		Where("id = ?", orderID).
		Updates(map[string]interface{}{
			"escrow_id":      escrowID,
			"payment_status": datamodel.PaymentStatusEscrowed,
			"updated_at":     time.Now(),
		}).Error
}

// UpdatePaymentStatus updates only the payment status of an order
func (r *OrderRepository) UpdatePaymentStatus(orderID int64, paymentStatus string) error {
	return r.db.Model(&datamodel.Order{}).
		Where("id = ?", orderID).
		Updates(map[string]interface{}{
			"payment_status": paymentStatus,
			"updated_at":     time.Now(),
		}).Error
}

// Cancel closes an order whose escrowed payment went back to the buyer.
func (r *OrderRepository) Cancel(orderID int64) error {
	return r.db.Model(&datamodel.Order{}).
		Where("id = ?", orderID).
		Updates(map[string]interface{}{
			"status":         datamodel.StatusCancelled,
			"payment_status": datamodel.PaymentStatusUnpaid,
			"updated_at":     time.Now(),
		}).Error
}
