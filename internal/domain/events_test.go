package domain

import "testing"

func TestTopicHelpers(t *testing.T) {
	tests := []struct {
		leg       Leg
		requested string
		confirmed string
	}{
		{LegFlight, TopicFlightRequested, TopicFlightConfirmed},
		{LegHotel, TopicHotelRequested, TopicHotelConfirmed},
		{LegCar, TopicCarRequested, TopicCarConfirmed},
	}

	for _, tt := range tests {
		t.Run(string(tt.leg), func(t *testing.T) {
			if got := RequestedTopic(tt.leg); got != tt.requested {
				t.Errorf("RequestedTopic() = %q, want %q", got, tt.requested)
			}
			if got := ConfirmedTopic(tt.leg); got != tt.confirmed {
				t.Errorf("ConfirmedTopic() = %q, want %q", got, tt.confirmed)
			}
		})
	}
}

func TestLegFromConfirmedTopic(t *testing.T) {
	tests := []struct {
		topic string
		leg   Leg
		ok    bool
	}{
		{TopicFlightConfirmed, LegFlight, true},
		{TopicHotelConfirmed, LegHotel, true},
		{TopicCarConfirmed, LegCar, true},
		{TopicFlightRequested, "", false},
		{"unknown.topic", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.topic, func(t *testing.T) {
			leg, ok := LegFromConfirmedTopic(tt.topic)
			if ok != tt.ok || leg != tt.leg {
				t.Errorf("LegFromConfirmedTopic(%q) = (%q, %v), want (%q, %v)", tt.topic, leg, ok, tt.leg, tt.ok)
			}
		})
	}
}

func TestRequestedEvent(t *testing.T) {
	req := validBookingRequest()

	flight, ok := RequestedEvent(LegFlight, req).(*FlightRequestedEvent)
	if !ok {
		t.Fatal("RequestedEvent(flight) returned wrong type")
	}
	if flight.RequestID != req.RequestID || flight.Origin != "TLV" || flight.Amount != 400 {
		t.Errorf("unexpected flight event: %+v", flight)
	}

	hotel, ok := RequestedEvent(LegHotel, req).(*HotelRequestedEvent)
	if !ok {
		t.Fatal("RequestedEvent(hotel) returned wrong type")
	}
	if hotel.HotelID != "hilton-nyc" || hotel.Amount != 350 {
		t.Errorf("unexpected hotel event: %+v", hotel)
	}

	car, ok := RequestedEvent(LegCar, req).(*CarRequestedEvent)
	if !ok {
		t.Fatal("RequestedEvent(car) returned wrong type")
	}
	if car.PickupLocation != "JFK" || car.Amount != 250 {
		t.Errorf("unexpected car event: %+v", car)
	}
}

func TestReservationConfirmedEventValidate(t *testing.T) {
	evt := &ReservationConfirmedEvent{RequestID: "req-1", ReservationID: "FL-1"}
	if err := evt.Validate(); err != nil {
		t.Errorf("Validate() = %v, want nil", err)
	}

	evt = &ReservationConfirmedEvent{ReservationID: "FL-1"}
	if err := evt.Validate(); err == nil {
		t.Error("Validate() without requestId should fail")
	}

	evt = &ReservationConfirmedEvent{RequestID: "req-1"}
	if err := evt.Validate(); err == nil {
		t.Error("Validate() without reservationId should fail")
	}
}
