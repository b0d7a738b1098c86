package order

import "time"

// Payment statuses the escrow core drives on the order.
const (
	PaymentStatusUnpaid   = "unpaid"
	PaymentStatusPaid     = "paid"
	PaymentStatusEscrowed = "escrowed"
)

const (
	StatusPending   = "pending"
	StatusConfirmed = "confirmed"
	StatusShipped   = "shipped"
	StatusDelivered = "delivered"
	StatusCancelled = "cancelled"
)

// Order is the collaborator entity the escrow core consumes: amount, buyer,
// seller and payment status. Catalog concerns live elsewhere.
type Order struct {
	ID              int64      `gorm:"primaryKey"`
	ProductID       int64      `gorm:"column:product_id;not null"`
	BuyerID         int64      `gorm:"column:buyer_id;not null;index"`
	SellerID        int64      `gorm:"column:seller_id;not null;index"`
	Quantity        int        `gorm:"column:quantity;default:1"`
	TotalPriceKobo  int64      `gorm:"column:total_price_kobo;not null"`
	Status          string     `gorm:"column:status;default:pending"`
	PaymentStatus   string     `gorm:"column:payment_status;default:unpaid"`
	EscrowID        *int64     `gorm:"column:escrow_id"`
	DeliveryAddress string     `gorm:"column:delivery_address"`
	Notes           *string    `gorm:"column:notes"`
	CreatedAt       time.Time  `gorm:"column:created_at;default:now()"`
	UpdatedAt       time.Time  `gorm:"column:updated_at;default:now()"`
	DeliveredAt     *time.Time `gorm:"column:delivered_at"`
}

func (Order) TableName() string {
	return "orders"
}
