package escrow

import (
	"time"

	escrowDatamodel "github.com/fromafrica/escrow-service/internal/core/datamodel/escrow"
)

// Escrow is the feature-level alias for the persisted model. The escrow
// package is the only writer of Status; everyone else reads.
type Escrow = escrowDatamodel.Escrow

// validTransitions is the whole lifecycle. Released and refunded are
// terminal: money has left the escrow and no row leaves either state.
var validTransitions = map[string][]string{
	escrowDatamodel.StatusPending: {
		escrowDatamodel.StatusFunded,
	},
	escrowDatamodel.StatusFunded: {
		escrowDatamodel.StatusReleased,
		escrowDatamodel.StatusDisputed,
		escrowDatamodel.StatusRefunded,
	},
	escrowDatamodel.StatusDisputed: {
		escrowDatamodel.StatusReleased,
		escrowDatamodel.StatusRefunded,
	},
}

// CanTransition reports whether the lifecycle allows moving from one status
// to another.
func CanTransition(from, to string) bool {
	for _, allowed := range validTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// IsParty reports whether the user is the buyer or seller on this escrow.
func IsParty(e *Escrow, userID int64) bool {
	return e.BuyerID == userID || e.SellerID == userID
}

// AutoReleaseTime computes when a funded escrow becomes eligible for
// automatic release to the seller.
func AutoReleaseTime(fundedAt time.Time, inspectionDays int) time.Time {
	if inspectionDays <= 0 {
		inspectionDays = 7
	}
	return fundedAt.Add(time.Duration(inspectionDays) * 24 * time.Hour)
}
