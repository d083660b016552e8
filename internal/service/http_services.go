package service

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/daniel-wolfson/travel-saga/internal/domain"
)

// reservationClient speaks the common broker HTTP protocol:
// POST {base}/reservations with the requested-event payload returns
// {"reservationId": "..."}; DELETE {base}/reservations/{id} cancels.
type reservationClient struct {
	leg        domain.Leg
	baseURL    string
	httpClient *http.Client
}

// NewHTTPClient creates the http.Client shared by the leg services
func NewHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &http.Client{
		Timeout: timeout,
	}
}

func (c *reservationClient) reserve(ctx context.Context, payload any) (string, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to encode %s reservation request: %w", c.leg, err)
	}

	url := fmt.Sprintf("%s/reservations", c.baseURL)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to reserve %s: %w", c.leg, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("%s broker returned status %d: %s", c.leg, resp.StatusCode, string(msg))
	}

	var response struct {
		ReservationID string `json:"reservationId"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		return "", fmt.Errorf("failed to decode %s reservation response: %w", c.leg, err)
	}
	if response.ReservationID == "" {
		return "", fmt.Errorf("%s broker returned empty reservation id", c.leg)
	}

	return response.ReservationID, nil
}

func (c *reservationClient) cancel(ctx context.Context, reservationID string) error {
	if reservationID == "" {
		return fmt.Errorf("reservation id is required")
	}

	url := fmt.Sprintf("%s/reservations/%s", c.baseURL, reservationID)
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, url, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to cancel %s reservation %s: %w", c.leg, reservationID, err)
	}
	defer resp.Body.Close()

	// 404 counts as cancelled: the broker no longer holds the reservation
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusNotFound {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s broker returned status %d: %s", c.leg, resp.StatusCode, string(msg))
	}

	return nil
}

// HTTPFlightService calls the flight broker over HTTP
type HTTPFlightService struct {
	client reservationClient
}

// NewHTTPFlightService creates a flight service against the given base URL
func NewHTTPFlightService(baseURL string, httpClient *http.Client) *HTTPFlightService {
	return &HTTPFlightService{
		client: reservationClient{leg: domain.LegFlight, baseURL: baseURL, httpClient: httpClient},
	}
}

func (s *HTTPFlightService) Reserve(ctx context.Context, req *domain.FlightRequestedEvent) (string, error) {
	return s.client.reserve(ctx, req)
}

func (s *HTTPFlightService) Cancel(ctx context.Context, reservationID string) error {
	return s.client.cancel(ctx, reservationID)
}

// HTTPHotelService calls the hotel broker over HTTP
type HTTPHotelService struct {
	client reservationClient
}

// NewHTTPHotelService creates a hotel service against the given base URL
func NewHTTPHotelService(baseURL string, httpClient *http.Client) *HTTPHotelService {
	return &HTTPHotelService{
		client: reservationClient{leg: domain.LegHotel, baseURL: baseURL, httpClient: httpClient},
	}
}

func (s *HTTPHotelService) Reserve(ctx context.Context, req *domain.HotelRequestedEvent) (string, error) {
	return s.client.reserve(ctx, req)
}

func (s *HTTPHotelService) Cancel(ctx context.Context, reservationID string) error {
	return s.client.cancel(ctx, reservationID)
}

// HTTPCarService calls the car broker over HTTP
type HTTPCarService struct {
	client reservationClient
}

// NewHTTPCarService creates a car service against the given base URL
func NewHTTPCarService(baseURL string, httpClient *http.Client) *HTTPCarService {
	return &HTTPCarService{
		client: reservationClient{leg: domain.LegCar, baseURL: baseURL, httpClient: httpClient},
	}
}

func (s *HTTPCarService) Reserve(ctx context.Context, req *domain.CarRequestedEvent) (string, error) {
	return s.client.reserve(ctx, req)
}

func (s *HTTPCarService) Cancel(ctx context.Context, reservationID string) error {
	return s.client.cancel(ctx, reservationID)
}

// Compile-time interface checks
var (
	_ FlightService = (*HTTPFlightService)(nil)
	_ HotelService  = (*HTTPHotelService)(nil)
	_ CarService    = (*HTTPCarService)(nil)
)
