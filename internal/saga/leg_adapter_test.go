package saga

import (
	"context"
	"errors"
	"testing"

	"github.com/daniel-wolfson/travel-saga/internal/domain"
	"github.com/daniel-wolfson/travel-saga/internal/repository"
	"github.com/daniel-wolfson/travel-saga/internal/service"
)

// adapterFixture wires one adapter per leg against shared fakes and counts
// aggregate invocations
type adapterFixture struct {
	repo         *repository.MemorySagaRepository
	coord        *repository.MemoryCoordinationStore
	publisher    *MockEventPublisher
	canceller    *service.MockFlightService
	notifier     *recorderNotifier
	aggregated   []string
	aggregateErr error
	adapters     map[domain.Leg]*LegAdapter
}

func newAdapterFixture() *adapterFixture {
	f := &adapterFixture{
		repo:      repository.NewMemorySagaRepository(),
		coord:     repository.NewMemoryCoordinationStore(),
		publisher: NewMockEventPublisher(),
		canceller: service.NewMockFlightService(),
		notifier:  &recorderNotifier{},
		adapters:  make(map[domain.Leg]*LegAdapter),
	}
	aggregate := func(ctx context.Context, requestID string) error {
		f.aggregated = append(f.aggregated, requestID)
		return f.aggregateErr
	}
	for _, leg := range domain.AllLegs() {
		f.adapters[leg] = NewLegAdapter(leg, f.repo, f.coord, f.publisher, f.canceller, aggregate, f.notifier, nil)
	}
	return f
}

func TestLegAdapterMakeReservation(t *testing.T) {
	ctx := context.Background()

	t.Run("publishes and records the requested marker", func(t *testing.T) {
		f := newAdapterFixture()
		seedPendingSaga(t, f.repo, "req-m1")

		if err := f.adapters[domain.LegFlight].MakeReservation(ctx, bookingRequest("req-m1")); err != nil {
			t.Fatalf("MakeReservation() error = %v", err)
		}

		if len(f.publisher.RequestedLegs) != 1 || f.publisher.RequestedLegs[0] != domain.LegFlight {
			t.Errorf("published legs = %v", f.publisher.RequestedLegs)
		}
		record, _ := f.repo.FindByRequestID(ctx, "req-m1")
		if !record.HasStep(domain.LegFlight.RequestedMarker()) {
			t.Error("requested marker not recorded")
		}
		steps, _ := f.coord.GetSteps(ctx, "req-m1")
		if steps[domain.LegFlight.RequestedMarker()] != "1" {
			t.Errorf("coordination steps = %v", steps)
		}
	})

	t.Run("publish failure leaves no marker", func(t *testing.T) {
		f := newAdapterFixture()
		seedPendingSaga(t, f.repo, "req-m2")
		f.publisher.FailLegs[domain.LegHotel] = true

		err := f.adapters[domain.LegHotel].MakeReservation(ctx, bookingRequest("req-m2"))
		if err == nil {
			t.Fatal("MakeReservation() error = nil, want failure")
		}
		record, _ := f.repo.FindByRequestID(ctx, "req-m2")
		if record.HasStep(domain.LegHotel.RequestedMarker()) {
			t.Error("marker recorded for failed publish")
		}
	})
}

func TestLegAdapterConfirmReservation(t *testing.T) {
	ctx := context.Background()

	t.Run("aggregates on the final confirmation", func(t *testing.T) {
		f := newAdapterFixture()
		seedPendingSaga(t, f.repo, "req-c1")

		for i, leg := range domain.AllLegs() {
			if err := f.adapters[leg].ConfirmReservation(ctx, confirmedEvent("req-c1", "RES-"+leg.String())); err != nil {
				t.Fatalf("ConfirmReservation(%s) error = %v", leg, err)
			}
			if i < 2 && len(f.aggregated) != 0 {
				t.Fatalf("aggregated after %d confirmations", i+1)
			}
		}
		if len(f.aggregated) != 1 || f.aggregated[0] != "req-c1" {
			t.Fatalf("aggregated = %v, want one call for req-c1", f.aggregated)
		}

		record, _ := f.repo.FindByRequestID(ctx, "req-c1")
		if !record.AllReservationIDsPresent() {
			t.Error("reservation ids incomplete after three confirmations")
		}
	})

	t.Run("repeat confirmation before join stays quiet", func(t *testing.T) {
		f := newAdapterFixture()
		seedPendingSaga(t, f.repo, "req-c2")

		for i := 0; i < 2; i++ {
			if err := f.adapters[domain.LegFlight].ConfirmReservation(ctx, confirmedEvent("req-c2", "FL-9")); err != nil {
				t.Fatalf("ConfirmReservation() #%d error = %v", i, err)
			}
		}
		if len(f.aggregated) != 0 {
			t.Errorf("aggregated = %v, want none", f.aggregated)
		}
		record, _ := f.repo.FindByRequestID(ctx, "req-c2")
		if record.FlightReservationID != "FL-9" {
			t.Errorf("flight reservation id = %s", record.FlightReservationID)
		}
	})

	t.Run("confirmation for unknown saga is dropped", func(t *testing.T) {
		f := newAdapterFixture()

		if err := f.adapters[domain.LegCar].ConfirmReservation(ctx, confirmedEvent("ghost", "CAR-1")); err != nil {
			t.Fatalf("ConfirmReservation() error = %v, want nil", err)
		}
		if len(f.aggregated) != 0 {
			t.Error("dropped confirmation reached aggregation")
		}
		if len(f.notifier.Events()) != 0 {
			t.Error("dropped confirmation emitted hub event")
		}
	})

	t.Run("late confirmation for concluded saga is ignored", func(t *testing.T) {
		f := newAdapterFixture()
		seedPendingSaga(t, f.repo, "req-c3")
		if _, err := f.repo.ConfirmWithBookingID(ctx, "req-c3", domain.NewBookingID()); err != nil {
			t.Fatalf("ConfirmWithBookingID() error = %v", err)
		}

		if err := f.adapters[domain.LegCar].ConfirmReservation(ctx, confirmedEvent("req-c3", "CAR-7")); err != nil {
			t.Fatalf("ConfirmReservation() error = %v, want nil", err)
		}
		if len(f.aggregated) != 0 {
			t.Error("concluded saga was re-aggregated")
		}

		// The late reservation id stays on the record for manual follow-up
		record, _ := f.repo.FindByRequestID(ctx, "req-c3")
		if record.CarReservationID != "CAR-7" {
			t.Errorf("car reservation id = %s, want CAR-7", record.CarReservationID)
		}
		if record.Status != domain.StatusConfirmed {
			t.Errorf("status = %s, want CONFIRMED", record.Status)
		}
	})

	t.Run("invalid payload is rejected", func(t *testing.T) {
		f := newAdapterFixture()
		seedPendingSaga(t, f.repo, "req-c4")

		ev := confirmedEvent("req-c4", "")
		if err := f.adapters[domain.LegFlight].ConfirmReservation(ctx, ev); !errors.Is(err, domain.ErrIncompleteReservations) {
			t.Fatalf("ConfirmReservation() error = %v, want ErrIncompleteReservations", err)
		}
		record, _ := f.repo.FindByRequestID(ctx, "req-c4")
		if record.FlightReservationID != "" {
			t.Error("invalid payload recorded a reservation id")
		}
	})

	t.Run("aggregation failure notifies the hub", func(t *testing.T) {
		f := newAdapterFixture()
		seedPendingSaga(t, f.repo, "req-c5")
		f.aggregateErr = errors.New("booking store unavailable")

		var err error
		for _, leg := range domain.AllLegs() {
			err = f.adapters[leg].ConfirmReservation(ctx, confirmedEvent("req-c5", "RES-"+leg.String()))
		}
		if err == nil {
			t.Fatal("final ConfirmReservation() error = nil, want aggregation failure")
		}

		events := f.notifier.Events()
		if len(events) != 1 {
			t.Fatalf("notifier got %d events, want 1", len(events))
		}
		if events[0].Type != domain.EventBookingFailed {
			t.Errorf("event type = %s, want %s", events[0].Type, domain.EventBookingFailed)
		}
		if events[0].Status != string(domain.StatusPending) {
			t.Errorf("event status = %s, want PENDING", events[0].Status)
		}
	})
}

func TestLegAdapterCancelReservation(t *testing.T) {
	ctx := context.Background()

	t.Run("delegates to the reservation client", func(t *testing.T) {
		f := newAdapterFixture()

		if err := f.adapters[domain.LegFlight].CancelReservation(ctx, "FL-1"); err != nil {
			t.Fatalf("CancelReservation() error = %v", err)
		}
		ids := f.canceller.CancelledIDs()
		if len(ids) != 1 || ids[0] != "FL-1" {
			t.Errorf("cancelled ids = %v, want [FL-1]", ids)
		}
	})

	t.Run("cancellation failure is reported", func(t *testing.T) {
		f := newAdapterFixture()
		f.canceller.CancelShouldFail = true

		if err := f.adapters[domain.LegFlight].CancelReservation(ctx, "FL-2"); err == nil {
			t.Fatal("CancelReservation() error = nil, want failure")
		}
	})

	t.Run("missing client is an error", func(t *testing.T) {
		f := newAdapterFixture()
		adapter := NewLegAdapter(domain.LegHotel, f.repo, f.coord, f.publisher, nil, nil, f.notifier, nil)

		if err := adapter.CancelReservation(ctx, "HT-1"); err == nil {
			t.Fatal("CancelReservation() error = nil, want missing client error")
		}
	})
}
