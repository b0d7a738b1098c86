package escrow_test

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	apperrors "github.com/fromafrica/escrow-service/internal"
	escrowDatamodel "github.com/fromafrica/escrow-service/internal/core/datamodel/escrow"
	orderDatamodel "github.com/fromafrica/escrow-service/internal/core/datamodel/order"
	"github.com/fromafrica/escrow-service/internal/core/events"
	escrowPkg "github.com/fromafrica/escrow-service/internal/escrow"
	"github.com/fromafrica/escrow-service/internal/gateway"
	orderPkg "github.com/fromafrica/escrow-service/internal/order"
)

// In-memory repository mirroring the compare-and-swap semantics of the real
// one: UpdateStatusIf is atomic under a single lock, so concurrent callers
// race exactly like they do against the database.
type mockEscrowRepository struct {
	mu      sync.Mutex
	escrows map[int64]*escrowPkg.Escrow
	nextID  int64

	createError error
	getError    error
	updateError error

	// Hooks run once just before the guarded write, letting a test slip a
	// competing transition between a caller's read and its write.
	beforeStatusWrite  func()
	beforeSessionWrite func()
}

func newMockEscrowRepository() *mockEscrowRepository {
	return &mockEscrowRepository{escrows: make(map[int64]*escrowPkg.Escrow)}
}

func cloneEscrow(e *escrowPkg.Escrow) *escrowPkg.Escrow {
	out := *e
	out.History = append(escrowDatamodel.History{}, e.History...)
	return &out
}

func (m *mockEscrowRepository) Create(e *escrowPkg.Escrow) error {
	if m.createError != nil {
		return m.createError
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	e.ID = m.nextID
	e.CreatedAt = time.Now().UTC()
	e.UpdatedAt = e.CreatedAt
	m.escrows[e.ID] = cloneEscrow(e)
	return nil
}

func (m *mockEscrowRepository) GetByID(id int64) (*escrowPkg.Escrow, error) {
	if m.getError != nil {
		return nil, m.getError
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.escrows[id]
	if !ok {
		return nil, apperrors.ErrEscrowNotFound
	}
	return cloneEscrow(e), nil
}

func (m *mockEscrowRepository) GetByOrderID(orderID int64) (*escrowPkg.Escrow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.escrows {
		if e.OrderID == orderID {
			return cloneEscrow(e), nil
		}
	}
	return nil, apperrors.ErrEscrowNotFound
}

func (m *mockEscrowRepository) GetByReference(reference string) (*escrowPkg.Escrow, error) {
	if m.getError != nil {
		return nil, m.getError
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.escrows {
		if e.Reference != nil && *e.Reference == reference {
			return cloneEscrow(e), nil
		}
	}
	return nil, apperrors.ErrReferenceNotFound
}

func (m *mockEscrowRepository) GetByUserID(userID int64, limit, offset int) ([]*escrowPkg.Escrow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*escrowPkg.Escrow
	for _, e := range m.escrows {
		if e.BuyerID == userID || e.SellerID == userID {
			out = append(out, cloneEscrow(e))
		}
	}
	sortByID(out)
	return page(out, limit, offset), nil
}

func (m *mockEscrowRepository) GetByStatus(status string, limit, offset int) ([]*escrowPkg.Escrow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*escrowPkg.Escrow
	for _, e := range m.escrows {
		if e.Status == status {
			out = append(out, cloneEscrow(e))
		}
	}
	sortByID(out)
	return page(out, limit, offset), nil
}

func (m *mockEscrowRepository) GetAll(limit, offset int) ([]*escrowPkg.Escrow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*escrowPkg.Escrow
	for _, e := range m.escrows {
		out = append(out, cloneEscrow(e))
	}
	sortByID(out)
	return page(out, limit, offset), nil
}

func (m *mockEscrowRepository) GetExpiredFunded(now time.Time, limit int) ([]*escrowPkg.Escrow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*escrowPkg.Escrow
	for _, e := range m.escrows {
		if e.Status == escrowDatamodel.StatusFunded && e.AutoReleaseAt != nil && !e.AutoReleaseAt.After(now) {
			out = append(out, cloneEscrow(e))
		}
	}
	sortByID(out)
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *mockEscrowRepository) UpdateStatusIf(id int64, fromStatuses []string, updates map[string]interface{}) (bool, error) {
	if m.updateError != nil {
		return false, m.updateError
	}
	if hook := m.beforeStatusWrite; hook != nil {
		m.beforeStatusWrite = nil
		hook()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.escrows[id]
	if !ok {
		return false, nil
	}
	matched := false
	for _, s := range fromStatuses {
		if e.Status == s {
			matched = true
			break
		}
	}
	if !matched {
		return false, nil
	}
	applyUpdates(e, updates)
	return true, nil
}

func (m *mockEscrowRepository) UpdatePaymentSessionIf(id int64, updates map[string]interface{}) (bool, error) {
	if m.updateError != nil {
		return false, m.updateError
	}
	if hook := m.beforeSessionWrite; hook != nil {
		m.beforeSessionWrite = nil
		hook()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.escrows[id]
	if !ok {
		return false, nil
	}
	if e.Status != escrowDatamodel.StatusPending || e.Reference != nil {
		return false, nil
	}
	applyUpdates(e, updates)
	return true, nil
}

func applyUpdates(e *escrowPkg.Escrow, updates map[string]interface{}) {
	for column, value := range updates {
		switch column {
		case "status":
			e.Status = value.(string)
		case "funded_at":
			t := value.(time.Time)
			e.FundedAt = &t
		case "released_at":
			t := value.(time.Time)
			e.ReleasedAt = &t
		case "auto_release_at":
			t := value.(time.Time)
			e.AutoReleaseAt = &t
		case "transaction_id":
			s := value.(string)
			e.TransactionID = &s
		case "channel":
			s := value.(string)
			e.Channel = &s
		case "gateway_response":
			s := value.(string)
			e.GatewayResponse = &s
		case "dispute_reason":
			s := value.(string)
			e.DisputeReason = &s
		case "admin_notes":
			s := value.(string)
			e.AdminNotes = &s
		case "provider":
			s := value.(string)
			e.Provider = &s
		case "payment_reference":
			s := value.(string)
			e.Reference = &s
		case "authorization_url":
			s := value.(string)
			e.AuthorizationURL = &s
		case "access_code":
			s := value.(string)
			e.AccessCode = &s
		case "delivery_confirmed":
			e.DeliveryConfirmed = value.(bool)
		case "transaction_history":
			e.History = append(escrowDatamodel.History{}, value.(escrowDatamodel.History)...)
		case "updated_at":
			e.UpdatedAt = value.(time.Time)
		}
	}
}

func sortByID(escrows []*escrowPkg.Escrow) {
	sort.Slice(escrows, func(i, j int) bool { return escrows[i].ID < escrows[j].ID })
}

func page(escrows []*escrowPkg.Escrow, limit, offset int) []*escrowPkg.Escrow {
	if offset >= len(escrows) {
		return nil
	}
	escrows = escrows[offset:]
	if limit > 0 && len(escrows) > limit {
		escrows = escrows[:limit]
	}
	return escrows
}

type mockOrderRepository struct {
	mu     sync.Mutex
	orders map[int64]*orderDatamodel.Order

	attachError  error
	paymentError error
	cancelError  error
	statuses     map[int64]string
}

func newMockOrderRepository() *mockOrderRepository {
	return &mockOrderRepository{
		orders:   make(map[int64]*orderDatamodel.Order),
		statuses: make(map[int64]string),
	}
}

func (m *mockOrderRepository) GetByID(id int64) (*orderDatamodel.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return nil, apperrors.ErrOrderNotFound
	}
	copied := *o
	return &copied, nil
}

func (m *mockOrderRepository) AttachEscrow(orderID, escrowID int64) error {
	if m.attachError != nil {
		return m.attachError
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if o, ok := m.orders[orderID]; ok {
		o.EscrowID = &escrowID
		o.PaymentStatus = orderDatamodel.PaymentStatusEscrowed
	}
	return nil
}

func (m *mockOrderRepository) UpdatePaymentStatus(orderID int64, paymentStatus string) error {
	if m.paymentError != nil {
		return m.paymentError
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if o, ok := m.orders[orderID]; ok {
		o.PaymentStatus = paymentStatus
	}
	m.statuses[orderID] = paymentStatus
	return nil
}

func (m *mockOrderRepository) Cancel(orderID int64) error {
	if m.cancelError != nil {
		return m.cancelError
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if o, ok := m.orders[orderID]; ok {
		o.Status = orderDatamodel.StatusCancelled
		o.PaymentStatus = orderDatamodel.PaymentStatusUnpaid
	}
	m.statuses[orderID] = orderDatamodel.PaymentStatusUnpaid
	return nil
}

// fakeGateway gives each test full control over what the provider reports.
type fakeGateway struct {
	name         string
	verification *gateway.Verification
	verifyError  error
	refundResult *gateway.RefundResult
	refundError  error

	// onRefund runs once inside RefundPayment, standing in for work that
	// happens elsewhere while the provider call is in flight.
	onRefund func()

	verifyCalls int32
	refundCalls int32
}

func (f *fakeGateway) Name() string { return f.name }

func (f *fakeGateway) InitializePayment(_ context.Context, intent gateway.PaymentIntent) (*gateway.InitResult, error) {
	return &gateway.InitResult{
		AuthorizationURL: "https://checkout.test/" + intent.Reference,
		AccessCode:       "access_" + intent.Reference,
		Reference:        intent.Reference,
	}, nil
}

func (f *fakeGateway) VerifyPayment(_ context.Context, reference, _ string) (*gateway.Verification, error) {
	atomic.AddInt32(&f.verifyCalls, 1)
	if f.verifyError != nil {
		return nil, f.verifyError
	}
	v := *f.verification
	v.Reference = reference
	return &v, nil
}

func (f *fakeGateway) RefundPayment(_ context.Context, _ string, _ int64, _ string) (*gateway.RefundResult, error) {
	atomic.AddInt32(&f.refundCalls, 1)
	if hook := f.onRefund; hook != nil {
		f.onRefund = nil
		hook()
	}
	if f.refundError != nil {
		return nil, f.refundError
	}
	return f.refundResult, nil
}

func (f *fakeGateway) VerifyWebhookSignature(_ []byte, _ string) bool { return true }

func historyActions(e *escrowPkg.Escrow) []string {
	actions := make([]string, 0, len(e.History))
	for _, entry := range e.History {
		actions = append(actions, entry.Action)
	}
	return actions
}

var _ = Describe("EscrowService", func() {
	const (
		buyerID  = int64(10)
		sellerID = int64(20)
		adminID  = int64(99)
		orderID  = int64(7)
		amount   = int64(2500000)
	)

	var (
		service   *escrowPkg.Service
		repo      *mockEscrowRepository
		orders    *mockOrderRepository
		provider  *fakeGateway
		eventBus  *events.EventBus
		published struct {
			mu     sync.Mutex
			events []events.Event
		}
		buyer, seller, admin escrowPkg.Actor
	)

	recordEvents := func(types ...string) {
		for _, t := range types {
			eventBus.Subscribe(t, func(_ context.Context, e events.Event) error {
				published.mu.Lock()
				defer published.mu.Unlock()
				published.events = append(published.events, e)
				return nil
			})
		}
	}

	publishedTypes := func() []string {
		published.mu.Lock()
		defer published.mu.Unlock()
		types := make([]string, 0, len(published.events))
		for _, e := range published.events {
			types = append(types, e.EventType())
		}
		return types
	}

	seedOrder := func() {
		orders.orders[orderID] = &orderDatamodel.Order{
			ID:             orderID,
			BuyerID:        buyerID,
			SellerID:       sellerID,
			TotalPriceKobo: amount,
			Status:         orderDatamodel.StatusConfirmed,
			PaymentStatus:  orderDatamodel.PaymentStatusUnpaid,
		}
	}

	seedEscrow := func(status string, withReference bool) *escrowPkg.Escrow {
		esc := &escrowPkg.Escrow{
			OrderID:        orderID,
			BuyerID:        buyerID,
			SellerID:       sellerID,
			AmountKobo:     amount,
			Status:         status,
			InspectionDays: 7,
			History: escrowDatamodel.History{}.Append(escrowDatamodel.HistoryEntry{
				Action:      escrowDatamodel.ActionCreated,
				PerformedBy: buyerID,
			}),
		}
		if withReference {
			providerName := provider.name
			reference := "TEST_REF_" + status
			esc.Provider = &providerName
			esc.Reference = &reference
		}
		Expect(repo.Create(esc)).To(Succeed())
		return esc
	}

	BeforeEach(func() {
		logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
		repo = newMockEscrowRepository()
		orders = newMockOrderRepository()
		provider = &fakeGateway{
			name: gateway.ProviderMock,
			verification: &gateway.Verification{
				TransactionID:   "txn_1",
				AmountKobo:      amount,
				Status:          "success",
				Channel:         "card",
				GatewayResponse: "Approved",
				PaidAt:          time.Now().UTC(),
			},
			refundResult: &gateway.RefundResult{RefundID: "refund_1", Status: "success"},
		}
		eventBus = events.NewEventBus(logger)
		published.events = nil
		service = escrowPkg.NewService(repo, orders, gateway.NewRegistry(provider.name, provider), eventBus, logger)
		orderPkg.NewEventHandler(orders, logger).RegisterEventHandlers(eventBus)

		buyer = escrowPkg.Actor{UserID: buyerID}
		seller = escrowPkg.Actor{UserID: sellerID}
		admin = escrowPkg.Actor{UserID: adminID, IsAdmin: true}

		seedOrder()
	})

	Describe("CreateEscrow", func() {
		It("copies the amount from the order and records the creation", func() {
			esc, err := service.CreateEscrow(buyerID, escrowPkg.CreateEscrowDTO{OrderID: orderID})

			Expect(err).ToNot(HaveOccurred())
			Expect(esc.AmountKobo).To(Equal(amount))
			Expect(esc.Status).To(Equal(escrowDatamodel.StatusPending))
			Expect(esc.SellerID).To(Equal(sellerID))
			Expect(historyActions(esc)).To(Equal([]string{escrowDatamodel.ActionCreated}))

			ord, _ := orders.GetByID(orderID)
			Expect(ord.EscrowID).ToNot(BeNil())
			Expect(*ord.EscrowID).To(Equal(esc.ID))
			Expect(ord.PaymentStatus).To(Equal(orderDatamodel.PaymentStatusEscrowed))
		})

		It("rejects a user who is not the order's buyer", func() {
			_, err := service.CreateEscrow(sellerID, escrowPkg.CreateEscrowDTO{OrderID: orderID})

			Expect(apperrors.IsCode(err, apperrors.ErrCodeUnauthorizedAccess)).To(BeTrue())
		})

		It("rejects a cancelled order", func() {
			orders.orders[orderID].Status = orderDatamodel.StatusCancelled

			_, err := service.CreateEscrow(buyerID, escrowPkg.CreateEscrowDTO{OrderID: orderID})

			Expect(apperrors.IsCode(err, apperrors.ErrCodeValidationFailed)).To(BeTrue())
		})

		It("rejects an order that already has an escrow", func() {
			_, err := service.CreateEscrow(buyerID, escrowPkg.CreateEscrowDTO{OrderID: orderID})
			Expect(err).ToNot(HaveOccurred())

			_, err = service.CreateEscrow(buyerID, escrowPkg.CreateEscrowDTO{OrderID: orderID})

			Expect(apperrors.IsCode(err, apperrors.ErrCodeOrderAlreadyEscrow)).To(BeTrue())
		})

		It("rejects a non-positive order total", func() {
			orders.orders[orderID].TotalPriceKobo = 0

			_, err := service.CreateEscrow(buyerID, escrowPkg.CreateEscrowDTO{OrderID: orderID})

			Expect(apperrors.IsCode(err, apperrors.ErrCodeInvalidAmount)).To(BeTrue())
		})
	})

	Describe("InitializePayment", func() {
		It("opens a checkout session and stores the payment reference", func() {
			esc := seedEscrow(escrowDatamodel.StatusPending, false)

			result, err := service.InitializePayment(context.Background(), esc.ID, buyerID, "amina@mail.com", "Amina", escrowPkg.InitializePaymentDTO{Provider: provider.name})

			Expect(err).ToNot(HaveOccurred())
			Expect(result.Provider).To(Equal(provider.name))
			Expect(result.Reference).To(HavePrefix("MOCK_"))
			Expect(result.AuthorizationURL).To(HavePrefix("https://checkout.test/"))

			stored, _ := repo.GetByID(esc.ID)
			Expect(stored.HasReference()).To(BeTrue())
			Expect(historyActions(stored)).To(ContainElement(escrowDatamodel.ActionPaymentInitialized))
		})

		It("only lets the buyer pay", func() {
			esc := seedEscrow(escrowDatamodel.StatusPending, false)

			_, err := service.InitializePayment(context.Background(), esc.ID, sellerID, "chidi@mail.com", "Chidi", escrowPkg.InitializePaymentDTO{})

			Expect(apperrors.IsCode(err, apperrors.ErrCodeUnauthorizedAccess)).To(BeTrue())
		})

		It("refuses once the escrow is no longer pending", func() {
			esc := seedEscrow(escrowDatamodel.StatusFunded, true)

			_, err := service.InitializePayment(context.Background(), esc.ID, buyerID, "amina@mail.com", "Amina", escrowPkg.InitializePaymentDTO{})

			Expect(apperrors.IsCode(err, apperrors.ErrCodeAlreadyProcessed)).To(BeTrue())
		})

		It("refuses a second initialization while one is live", func() {
			esc := seedEscrow(escrowDatamodel.StatusPending, true)

			_, err := service.InitializePayment(context.Background(), esc.ID, buyerID, "amina@mail.com", "Amina", escrowPkg.InitializePaymentDTO{})

			Expect(apperrors.IsCode(err, apperrors.ErrCodePaymentInitialized)).To(BeTrue())
		})

		It("refuses to reopen an escrow funded between its read and its write", func() {
			esc := seedEscrow(escrowDatamodel.StatusPending, false)
			repo.beforeSessionWrite = func() {
				won, err := repo.UpdateStatusIf(esc.ID, []string{escrowDatamodel.StatusPending}, map[string]interface{}{
					"status":    escrowDatamodel.StatusFunded,
					"funded_at": time.Now().UTC(),
				})
				Expect(err).ToNot(HaveOccurred())
				Expect(won).To(BeTrue())
			}

			_, err := service.InitializePayment(context.Background(), esc.ID, buyerID, "amina@mail.com", "Amina", escrowPkg.InitializePaymentDTO{})

			Expect(apperrors.IsCode(err, apperrors.ErrCodeAlreadyProcessed)).To(BeTrue())

			stored, _ := repo.GetByID(esc.ID)
			Expect(stored.Status).To(Equal(escrowDatamodel.StatusFunded))
			Expect(stored.FundedAt).ToNot(BeNil())
		})

		It("lets exactly one of many concurrent initializations open a session", func() {
			esc := seedEscrow(escrowDatamodel.StatusPending, false)

			const workers = 4
			var wg sync.WaitGroup
			errs := make([]error, workers)
			for i := 0; i < workers; i++ {
				wg.Add(1)
				go func(i int) {
					defer GinkgoRecover()
					defer wg.Done()
					_, errs[i] = service.InitializePayment(context.Background(), esc.ID, buyerID, "amina@mail.com", "Amina", escrowPkg.InitializePaymentDTO{})
				}(i)
			}
			wg.Wait()

			succeeded := 0
			for _, err := range errs {
				if err == nil {
					succeeded++
				} else {
					Expect(apperrors.IsCode(err, apperrors.ErrCodePaymentInitialized)).To(BeTrue())
				}
			}
			Expect(succeeded).To(Equal(1))

			stored, _ := repo.GetByID(esc.ID)
			initEntries := 0
			for _, action := range historyActions(stored) {
				if action == escrowDatamodel.ActionPaymentInitialized {
					initEntries++
				}
			}
			Expect(initEntries).To(Equal(1))
		})

		It("rejects an unknown provider name", func() {
			esc := seedEscrow(escrowDatamodel.StatusPending, false)

			_, err := service.InitializePayment(context.Background(), esc.ID, buyerID, "amina@mail.com", "Amina", escrowPkg.InitializePaymentDTO{Provider: "stripe"})

			Expect(apperrors.IsCode(err, apperrors.ErrCodeValidationFailed)).To(BeTrue())
		})
	})

	Describe("VerifyPayment", func() {
		It("rejects a user who is not a party", func() {
			esc := seedEscrow(escrowDatamodel.StatusPending, true)

			_, err := service.VerifyPayment(context.Background(), esc.ID, adminID)

			Expect(apperrors.IsCode(err, apperrors.ErrCodeUnauthorizedAccess)).To(BeTrue())
		})

		It("fails before any payment was initialized", func() {
			esc := seedEscrow(escrowDatamodel.StatusPending, false)

			_, err := service.VerifyPayment(context.Background(), esc.ID, buyerID)

			Expect(apperrors.IsCode(err, apperrors.ErrCodePaymentNotInit)).To(BeTrue())
		})

		It("funds the escrow when the provider confirms payment", func() {
			esc := seedEscrow(escrowDatamodel.StatusPending, true)

			funded, err := service.VerifyPayment(context.Background(), esc.ID, buyerID)

			Expect(err).ToNot(HaveOccurred())
			Expect(funded.Status).To(Equal(escrowDatamodel.StatusFunded))
		})
	})

	Describe("ReconcileByReference", func() {
		It("moves a pending escrow to funded with the full audit trail", func() {
			recordEvents(events.EventTypeEscrowFunded)
			esc := seedEscrow(escrowDatamodel.StatusPending, true)

			funded, err := service.ReconcileByReference(context.Background(), *esc.Reference)

			Expect(err).ToNot(HaveOccurred())
			Expect(funded.Status).To(Equal(escrowDatamodel.StatusFunded))
			Expect(funded.FundedAt).ToNot(BeNil())
			Expect(funded.AutoReleaseAt).ToNot(BeNil())
			Expect(*funded.AutoReleaseAt).To(Equal(funded.FundedAt.Add(7 * 24 * time.Hour)))
			Expect(*funded.TransactionID).To(Equal("txn_1"))
			Expect(*funded.Channel).To(Equal("card"))
			Expect(historyActions(funded)).To(Equal([]string{
				escrowDatamodel.ActionCreated,
				escrowDatamodel.ActionPaymentVerified,
				escrowDatamodel.ActionFunded,
			}))

			Eventually(publishedTypes).Should(ContainElement(events.EventTypeEscrowFunded))
		})

		It("treats a duplicate delivery as idempotent success", func() {
			esc := seedEscrow(escrowDatamodel.StatusPending, true)

			first, err := service.ReconcileByReference(context.Background(), *esc.Reference)
			Expect(err).ToNot(HaveOccurred())

			second, err := service.ReconcileByReference(context.Background(), *esc.Reference)

			Expect(err).ToNot(HaveOccurred())
			Expect(second.Status).To(Equal(escrowDatamodel.StatusFunded))
			Expect(second.History).To(HaveLen(len(first.History)))
			Expect(atomic.LoadInt32(&provider.verifyCalls)).To(Equal(int32(1)))
		})

		It("rejects a payment whose amount does not match the escrow", func() {
			esc := seedEscrow(escrowDatamodel.StatusPending, true)
			provider.verification.AmountKobo = amount - 100

			_, err := service.ReconcileByReference(context.Background(), *esc.Reference)

			Expect(apperrors.IsCode(err, apperrors.ErrCodeAmountMismatch)).To(BeTrue())

			stored, _ := repo.GetByID(esc.ID)
			Expect(stored.Status).To(Equal(escrowDatamodel.StatusPending))
		})

		It("fails for a reference no escrow carries", func() {
			_, err := service.ReconcileByReference(context.Background(), "nobody-knows-this")

			Expect(apperrors.IsCode(err, apperrors.ErrCodeReferenceNotFound)).To(BeTrue())
		})

		It("leaves the escrow pending when the provider reports failure", func() {
			esc := seedEscrow(escrowDatamodel.StatusPending, true)
			provider.verifyError = apperrors.NewPaymentError("payment verification failed: Declined", apperrors.ErrCodeVerificationFailed)

			_, err := service.ReconcileByReference(context.Background(), *esc.Reference)

			Expect(apperrors.IsCode(err, apperrors.ErrCodeVerificationFailed)).To(BeTrue())

			stored, _ := repo.GetByID(esc.ID)
			Expect(stored.Status).To(Equal(escrowDatamodel.StatusPending))
		})

		It("lets exactly one of many concurrent deliveries fund the escrow", func() {
			esc := seedEscrow(escrowDatamodel.StatusPending, true)

			const workers = 8
			var wg sync.WaitGroup
			errs := make([]error, workers)
			results := make([]*escrowPkg.Escrow, workers)
			for i := 0; i < workers; i++ {
				wg.Add(1)
				go func(i int) {
					defer GinkgoRecover()
					defer wg.Done()
					results[i], errs[i] = service.ReconcileByReference(context.Background(), *esc.Reference)
				}(i)
			}
			wg.Wait()

			for i := 0; i < workers; i++ {
				Expect(errs[i]).ToNot(HaveOccurred())
				Expect(results[i].Status).To(Equal(escrowDatamodel.StatusFunded))
			}

			stored, _ := repo.GetByID(esc.ID)
			fundedEntries := 0
			for _, action := range historyActions(stored) {
				if action == escrowDatamodel.ActionFunded {
					fundedEntries++
				}
			}
			Expect(fundedEntries).To(Equal(1))
		})
	})

	Describe("Release", func() {
		It("lets the buyer release a funded escrow", func() {
			recordEvents(events.EventTypeEscrowReleased)
			esc := seedEscrow(escrowDatamodel.StatusFunded, true)

			released, err := service.Release(context.Background(), esc.ID, buyer, "goods received")

			Expect(err).ToNot(HaveOccurred())
			Expect(released.Status).To(Equal(escrowDatamodel.StatusReleased))
			Expect(released.ReleasedAt).ToNot(BeNil())
			Expect(released.DeliveryConfirmed).To(BeTrue())
			Expect(historyActions(released)).To(ContainElement(escrowDatamodel.ActionReleased))

			ord, _ := orders.GetByID(orderID)
			Expect(ord.PaymentStatus).To(Equal(orderDatamodel.PaymentStatusPaid))

			Eventually(publishedTypes).Should(ContainElement(events.EventTypeEscrowReleased))
		})

		It("fails when the order cannot be marked paid", func() {
			esc := seedEscrow(escrowDatamodel.StatusFunded, true)
			orders.paymentError = errors.New("orders table unavailable")

			_, err := service.Release(context.Background(), esc.ID, buyer, "goods received")

			Expect(err).To(HaveOccurred())
		})

		It("loses to a dispute raised between its read and its write", func() {
			esc := seedEscrow(escrowDatamodel.StatusFunded, true)
			repo.beforeStatusWrite = func() {
				_, err := service.Dispute(context.Background(), esc.ID, seller, escrowPkg.DisputeEscrowDTO{Reason: "buyer refuses delivery"})
				Expect(err).ToNot(HaveOccurred())
			}

			_, err := service.Release(context.Background(), esc.ID, buyer, "")

			Expect(apperrors.IsCode(err, apperrors.ErrCodeInvalidTransition)).To(BeTrue())

			stored, _ := repo.GetByID(esc.ID)
			Expect(stored.Status).To(Equal(escrowDatamodel.StatusDisputed))
			Expect(historyActions(stored)).To(Equal([]string{
				escrowDatamodel.ActionCreated,
				escrowDatamodel.ActionDisputed,
			}))
		})

		It("denies the seller", func() {
			esc := seedEscrow(escrowDatamodel.StatusFunded, true)

			_, err := service.Release(context.Background(), esc.ID, seller, "")

			Expect(apperrors.IsCode(err, apperrors.ErrCodeUnauthorizedAccess)).To(BeTrue())
		})

		It("refuses to release a pending escrow", func() {
			esc := seedEscrow(escrowDatamodel.StatusPending, false)

			_, err := service.Release(context.Background(), esc.ID, buyer, "")

			Expect(apperrors.IsCode(err, apperrors.ErrCodeInvalidTransition)).To(BeTrue())
		})

		It("refuses the buyer on a disputed escrow but allows an admin", func() {
			esc := seedEscrow(escrowDatamodel.StatusDisputed, true)

			_, err := service.Release(context.Background(), esc.ID, buyer, "")
			Expect(apperrors.IsCode(err, apperrors.ErrCodeInvalidTransition)).To(BeTrue())

			released, err := service.Release(context.Background(), esc.ID, admin, "resolved for seller")
			Expect(err).ToNot(HaveOccurred())
			Expect(released.Status).To(Equal(escrowDatamodel.StatusReleased))
		})
	})

	Describe("Dispute", func() {
		It("freezes a funded escrow with the reason on record", func() {
			esc := seedEscrow(escrowDatamodel.StatusFunded, true)

			disputed, err := service.Dispute(context.Background(), esc.ID, buyer, escrowPkg.DisputeEscrowDTO{Reason: "item arrived broken"})

			Expect(err).ToNot(HaveOccurred())
			Expect(disputed.Status).To(Equal(escrowDatamodel.StatusDisputed))
			Expect(*disputed.DisputeReason).To(Equal("item arrived broken"))
			Expect(historyActions(disputed)).To(ContainElement(escrowDatamodel.ActionDisputed))
		})

		It("lets the seller raise a dispute too", func() {
			esc := seedEscrow(escrowDatamodel.StatusFunded, true)

			disputed, err := service.Dispute(context.Background(), esc.ID, seller, escrowPkg.DisputeEscrowDTO{Reason: "buyer refuses delivery"})

			Expect(err).ToNot(HaveOccurred())
			Expect(disputed.Status).To(Equal(escrowDatamodel.StatusDisputed))
		})

		It("rejects a reason that is too short", func() {
			esc := seedEscrow(escrowDatamodel.StatusFunded, true)

			_, err := service.Dispute(context.Background(), esc.ID, buyer, escrowPkg.DisputeEscrowDTO{Reason: "bad"})

			Expect(err).To(HaveOccurred())
		})

		It("cannot dispute an escrow that is not funded", func() {
			esc := seedEscrow(escrowDatamodel.StatusPending, false)

			_, err := service.Dispute(context.Background(), esc.ID, buyer, escrowPkg.DisputeEscrowDTO{Reason: "item arrived broken"})

			Expect(apperrors.IsCode(err, apperrors.ErrCodeInvalidTransition)).To(BeTrue())
		})
	})

	Describe("Refund", func() {
		It("requires the admin role", func() {
			esc := seedEscrow(escrowDatamodel.StatusFunded, true)

			_, err := service.Refund(context.Background(), esc.ID, buyer, escrowPkg.RefundEscrowDTO{Reason: "changed my mind"})

			Expect(apperrors.IsCode(err, apperrors.ErrCodeAdminRequired)).To(BeTrue())
		})

		It("refunds a funded escrow through the original provider", func() {
			recordEvents(events.EventTypeEscrowRefunded)
			esc := seedEscrow(escrowDatamodel.StatusFunded, true)

			refunded, err := service.Refund(context.Background(), esc.ID, admin, escrowPkg.RefundEscrowDTO{Reason: "seller never shipped"})

			Expect(err).ToNot(HaveOccurred())
			Expect(refunded.Status).To(Equal(escrowDatamodel.StatusRefunded))
			Expect(atomic.LoadInt32(&provider.refundCalls)).To(Equal(int32(1)))
			Expect(refunded.History[len(refunded.History)-1].Notes).To(ContainSubstring("refund_1"))

			ord, _ := orders.GetByID(orderID)
			Expect(ord.Status).To(Equal(orderDatamodel.StatusCancelled))
			Expect(ord.PaymentStatus).To(Equal(orderDatamodel.PaymentStatusUnpaid))

			Eventually(publishedTypes).Should(ContainElement(events.EventTypeEscrowRefunded))
		})

		It("fails when the order cannot be cancelled", func() {
			esc := seedEscrow(escrowDatamodel.StatusFunded, true)
			orders.cancelError = errors.New("orders table unavailable")

			_, err := service.Refund(context.Background(), esc.ID, admin, escrowPkg.RefundEscrowDTO{Reason: "seller never shipped"})

			Expect(err).To(HaveOccurred())
		})

		It("refuses to overwrite a dispute raised during the provider refund", func() {
			esc := seedEscrow(escrowDatamodel.StatusFunded, true)
			provider.onRefund = func() {
				_, err := service.Dispute(context.Background(), esc.ID, buyer, escrowPkg.DisputeEscrowDTO{Reason: "item arrived broken"})
				Expect(err).ToNot(HaveOccurred())
			}

			_, err := service.Refund(context.Background(), esc.ID, admin, escrowPkg.RefundEscrowDTO{Reason: "seller never shipped"})

			Expect(apperrors.IsCode(err, apperrors.ErrCodeInvalidTransition)).To(BeTrue())
			Expect(atomic.LoadInt32(&provider.refundCalls)).To(Equal(int32(1)))

			stored, _ := repo.GetByID(esc.ID)
			Expect(stored.Status).To(Equal(escrowDatamodel.StatusDisputed))
			Expect(historyActions(stored)).To(Equal([]string{
				escrowDatamodel.ActionCreated,
				escrowDatamodel.ActionDisputed,
			}))
		})

		It("resolves a disputed escrow by refunding the buyer", func() {
			esc := seedEscrow(escrowDatamodel.StatusDisputed, true)

			refunded, err := service.Refund(context.Background(), esc.ID, admin, escrowPkg.RefundEscrowDTO{Reason: "dispute upheld"})

			Expect(err).ToNot(HaveOccurred())
			Expect(refunded.Status).To(Equal(escrowDatamodel.StatusRefunded))
		})

		It("refuses to refund a released escrow", func() {
			esc := seedEscrow(escrowDatamodel.StatusReleased, true)

			_, err := service.Refund(context.Background(), esc.ID, admin, escrowPkg.RefundEscrowDTO{Reason: "too late"})

			Expect(apperrors.IsCode(err, apperrors.ErrCodeInvalidTransition)).To(BeTrue())
		})

		It("keeps the escrow untouched when the provider rejects the refund", func() {
			esc := seedEscrow(escrowDatamodel.StatusFunded, true)
			provider.refundError = apperrors.NewPaymentError("refund rejected", apperrors.ErrCodeRefundFailed)

			_, err := service.Refund(context.Background(), esc.ID, admin, escrowPkg.RefundEscrowDTO{Reason: "seller never shipped"})

			Expect(apperrors.IsCode(err, apperrors.ErrCodeRefundFailed)).To(BeTrue())

			stored, _ := repo.GetByID(esc.ID)
			Expect(stored.Status).To(Equal(escrowDatamodel.StatusFunded))
		})
	})

	Describe("AdminIntervene", func() {
		It("records the intervention and releases", func() {
			esc := seedEscrow(escrowDatamodel.StatusDisputed, true)

			resolved, err := service.AdminIntervene(context.Background(), esc.ID, admin, escrowPkg.AdminInterventionDTO{
				Action: escrowPkg.AdminActionRelease,
				Notes:  "evidence favors the seller",
			})

			Expect(err).ToNot(HaveOccurred())
			Expect(resolved.Status).To(Equal(escrowDatamodel.StatusReleased))
			Expect(*resolved.AdminNotes).To(Equal("evidence favors the seller"))
			Expect(historyActions(resolved)).To(Equal([]string{
				escrowDatamodel.ActionCreated,
				escrowDatamodel.ActionAdminIntervention,
				escrowDatamodel.ActionReleased,
			}))

			ord, _ := orders.GetByID(orderID)
			Expect(ord.PaymentStatus).To(Equal(orderDatamodel.PaymentStatusPaid))
		})

		It("drops the intervention when the escrow moves between its read and its write", func() {
			esc := seedEscrow(escrowDatamodel.StatusFunded, true)
			repo.beforeStatusWrite = func() {
				_, err := service.Dispute(context.Background(), esc.ID, buyer, escrowPkg.DisputeEscrowDTO{Reason: "item arrived broken"})
				Expect(err).ToNot(HaveOccurred())
			}

			_, err := service.AdminIntervene(context.Background(), esc.ID, admin, escrowPkg.AdminInterventionDTO{
				Action: escrowPkg.AdminActionRelease,
				Notes:  "buyer unreachable",
			})

			Expect(apperrors.IsCode(err, apperrors.ErrCodeInvalidTransition)).To(BeTrue())

			stored, _ := repo.GetByID(esc.ID)
			Expect(stored.Status).To(Equal(escrowDatamodel.StatusDisputed))
			Expect(stored.AdminNotes).To(BeNil())
			Expect(historyActions(stored)).To(Equal([]string{
				escrowDatamodel.ActionCreated,
				escrowDatamodel.ActionDisputed,
			}))
		})

		It("records the intervention and refunds", func() {
			esc := seedEscrow(escrowDatamodel.StatusDisputed, true)

			resolved, err := service.AdminIntervene(context.Background(), esc.ID, admin, escrowPkg.AdminInterventionDTO{
				Action: escrowPkg.AdminActionRefund,
				Notes:  "evidence favors the buyer",
			})

			Expect(err).ToNot(HaveOccurred())
			Expect(resolved.Status).To(Equal(escrowDatamodel.StatusRefunded))
		})

		It("requires the admin role", func() {
			esc := seedEscrow(escrowDatamodel.StatusDisputed, true)

			_, err := service.AdminIntervene(context.Background(), esc.ID, buyer, escrowPkg.AdminInterventionDTO{
				Action: escrowPkg.AdminActionRelease,
				Notes:  "please",
			})

			Expect(apperrors.IsCode(err, apperrors.ErrCodeAdminRequired)).To(BeTrue())
		})

		It("rejects an unknown action", func() {
			esc := seedEscrow(escrowDatamodel.StatusDisputed, true)

			_, err := service.AdminIntervene(context.Background(), esc.ID, admin, escrowPkg.AdminInterventionDTO{
				Action: "split",
				Notes:  "half each",
			})

			Expect(err).To(HaveOccurred())
		})
	})

	Describe("ReleaseExpired", func() {
		It("releases only escrows whose inspection window has passed", func() {
			expired := seedEscrow(escrowDatamodel.StatusFunded, true)
			past := time.Now().UTC().Add(-time.Hour)
			_, err := repo.UpdateStatusIf(expired.ID, []string{escrowDatamodel.StatusFunded}, map[string]interface{}{
				"auto_release_at": past,
			})
			Expect(err).ToNot(HaveOccurred())

			fresh := &escrowPkg.Escrow{
				OrderID:    orderID + 1,
				BuyerID:    buyerID,
				SellerID:   sellerID,
				AmountKobo: amount,
				Status:     escrowDatamodel.StatusFunded,
				History:    escrowDatamodel.History{},
			}
			Expect(repo.Create(fresh)).To(Succeed())
			future := time.Now().UTC().Add(24 * time.Hour)
			_, err = repo.UpdateStatusIf(fresh.ID, []string{escrowDatamodel.StatusFunded}, map[string]interface{}{
				"auto_release_at": future,
			})
			Expect(err).ToNot(HaveOccurred())

			released, err := service.ReleaseExpired(context.Background(), 100)

			Expect(err).ToNot(HaveOccurred())
			Expect(released).To(Equal(1))

			swept, _ := repo.GetByID(expired.ID)
			Expect(swept.Status).To(Equal(escrowDatamodel.StatusReleased))
			last := swept.History[len(swept.History)-1]
			Expect(last.Action).To(Equal(escrowDatamodel.ActionReleased))
			Expect(last.PerformedBy).To(Equal(escrowPkg.SystemActorID))

			untouched, _ := repo.GetByID(fresh.ID)
			Expect(untouched.Status).To(Equal(escrowDatamodel.StatusFunded))
		})
	})

	Describe("GetEscrow", func() {
		It("serves parties and admins, nobody else", func() {
			esc := seedEscrow(escrowDatamodel.StatusFunded, true)

			_, err := service.GetEscrow(esc.ID, buyer)
			Expect(err).ToNot(HaveOccurred())

			_, err = service.GetEscrow(esc.ID, seller)
			Expect(err).ToNot(HaveOccurred())

			_, err = service.GetEscrow(esc.ID, admin)
			Expect(err).ToNot(HaveOccurred())

			_, err = service.GetEscrow(esc.ID, escrowPkg.Actor{UserID: 777})
			Expect(apperrors.IsCode(err, apperrors.ErrCodeUnauthorizedAccess)).To(BeTrue())
		})
	})

	Describe("GetAllEscrows", func() {
		It("is admin only and filters by status", func() {
			seedEscrow(escrowDatamodel.StatusPending, false)
			funded := &escrowPkg.Escrow{
				OrderID:    orderID + 1,
				BuyerID:    buyerID,
				SellerID:   sellerID,
				AmountKobo: amount,
				Status:     escrowDatamodel.StatusFunded,
				History:    escrowDatamodel.History{},
			}
			Expect(repo.Create(funded)).To(Succeed())

			_, err := service.GetAllEscrows(buyer, "", 20, 0)
			Expect(apperrors.IsCode(err, apperrors.ErrCodeAdminRequired)).To(BeTrue())

			all, err := service.GetAllEscrows(admin, "", 20, 0)
			Expect(err).ToNot(HaveOccurred())
			Expect(all).To(HaveLen(2))

			onlyFunded, err := service.GetAllEscrows(admin, escrowDatamodel.StatusFunded, 20, 0)
			Expect(err).ToNot(HaveOccurred())
			Expect(onlyFunded).To(HaveLen(1))
			Expect(onlyFunded[0].Status).To(Equal(escrowDatamodel.StatusFunded))
		})
	})
})

var _ = Describe("EscrowService errors", func() {
	It("keeps repository failures opaque to callers", func() {
		logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
		repo := newMockEscrowRepository()
		repo.getError = errors.New("connection reset")
		service := escrowPkg.NewService(repo, newMockOrderRepository(), gateway.NewRegistry("mock"), events.NewEventBus(logger), logger)

		_, err := service.VerifyPayment(context.Background(), 1, 1)

		Expect(err).To(HaveOccurred())
	})
})
