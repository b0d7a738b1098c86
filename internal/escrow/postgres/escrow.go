package postgres

import (
	"time"

	"gorm.io/gorm"

	errors "github.com/fromafrica/escrow-service/internal"
	escrowDatamodel "github.com/fromafrica/escrow-service/internal/core/datamodel/escrow"
	"github.com/fromafrica/escrow-service/internal/escrow"
)

// EscrowRepository implements the escrow.Repository interface using GORM
type EscrowRepository struct {
	db *gorm.DB
}

// NewEscrowRepository creates a new escrow repository
func NewEscrowRepository(db *gorm.DB) escrow.Repository {
	return &EscrowRepository{db: db}
}

// Create saves a new escrow to the database
func (r *EscrowRepository) Create(e *escrow.Escrow) error {
	return r.db.Create(e).Error
}

// GetByID retrieves an escrow by its ID
func (r *EscrowRepository) GetByID(id int64) (*escrow.Escrow, error) {
	var e escrow.Escrow
	err := r.db.Where("id = ?", id).First(&e).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, errors.ErrEscrowNotFound
		}
		return nil, err
	}
	return &e, nil
}

// GetByOrderID retrieves the escrow attached to an order
func (r *EscrowRepository) GetByOrderID(orderID int64) (*escrow.Escrow, error) {
	var e escrow.Escrow
	err := r.db.Where("order_id = ?", orderID).First(&e).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, errors.ErrEscrowNotFound
		}
		return nil, err
	}
	return &e, nil
}

// GetByReference retrieves an escrow by its payment reference
func (r *EscrowRepository) GetByReference(reference string) (*escrow.Escrow, error) {
	var e escrow.Escrow
	err := r.db.Where("payment_reference = ?", reference).First(&e).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, errors.ErrReferenceNotFound
		}
		return nil, err
	}
	return &e, nil
}

// GetByUserID retrieves escrows where the user is buyer or seller
func (r *EscrowRepository) GetByUserID(userID int64, limit, offset int) ([]*escrow.Escrow, error) {
	var escrows []*escrow.Escrow
	err := r.db.Where("buyer_id = ? OR seller_id = ?", userID, userID).
		Order("created_at DESC").
		Limit(limit).
		Offset(offset).
		Find(&escrows).Error
	return escrows, err
}

// GetByStatus retrieves escrows in a given status, oldest first
func (r *EscrowRepository) GetByStatus(status string, limit, offset int) ([]*escrow.Escrow, error) {
	var escrows []*escrow.Escrow
	err := r.db.Where("status = ?", status).
		Order("created_at ASC").
		Limit(limit).
		Offset(offset).
		Find(&escrows).Error
	return escrows, err
}

// GetAll retrieves all escrows with pagination
func (r *EscrowRepository) GetAll(limit, offset int) ([]*escrow.Escrow, error) {
	var escrows []*escrow.Escrow
	err := r.db.Order("created_at DESC").
		Limit(limit).
		Offset(offset).
		Find(&escrows).Error
	return escrows, err
}

// GetExpiredFunded retrieves funded escrows whose auto-release time passed
func (r *EscrowRepository) GetExpiredFunded(now time.Time, limit int) ([]*escrow.Escrow, error) {
	var escrows []*escrow.Escrow
	err := r.db.Where("status = ? AND auto_release_at IS NOT NULL AND auto_release_at <= ?",
		escrowDatamodel.StatusFunded, now).
		Order("auto_release_at ASC").
		Limit(limit).
		Find(&escrows).Error
	return escrows, err
}

// UpdateStatusIf applies updates only while the row still holds one of
// fromStatuses. The status predicate rides inside the UPDATE itself, so under
// concurrent writers the database picks exactly one winner; everyone else
// sees zero rows affected.
func (r *EscrowRepository) UpdateStatusIf(id int64, fromStatuses []string, updates map[string]interface{}) (bool, error) {
	result := r.db.Model(&escrowDatamodel.Escrow{}).
		Where("id = ? AND status IN ?", id, fromStatuses).
		Updates(updates)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

// UpdatePaymentSessionIf records a checkout session only while the escrow is
// still pending and carries no reference. The predicate rides inside the
// UPDATE, so racing initializations pick exactly one winner.
func (r *EscrowRepository) UpdatePaymentSessionIf(id int64, updates map[string]interface{}) (bool, error) {
	result := r.db.Model(&escrowDatamodel.Escrow{}).
		Where("id = ? AND status = ? AND payment_reference IS NULL", id, escrowDatamodel.StatusPending).
		Updates(updates)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}
