package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrInvalidRecord marks a record that failed ingestion validation.
var ErrInvalidRecord = errors.New("invalid record")

// Contract directions for binary-option style trades.
const (
	ContractCall = "CALL"
	ContractPut  = "PUT"
)

// Affiliate is a referral partner that brings clients onto the platform.
type Affiliate struct {
	ID           string    `json:"id"`
	TenantID     string    `json:"tenantId,omitempty"`
	Name         string    `json:"name"`
	Email        string    `json:"email"`
	ReferralCode string    `json:"referralCode"`
	CreatedAt    time.Time `json:"createdAt,omitempty"`
}

// Client is a trading account. AffiliateID is empty for organic sign-ups.
type Client struct {
	ID          string    `json:"id"`
	TenantID    string    `json:"tenantId,omitempty"`
	AffiliateID string    `json:"affiliateId,omitempty"`
	Name        string    `json:"name,omitempty"`
	Email       string    `json:"email,omitempty"`
	IPAddress   string    `json:"ipAddress,omitempty"`
	DeviceID    string    `json:"deviceId,omitempty"`
	CreatedAt   time.Time `json:"createdAt,omitempty"`
}

// Trade is a single contract placed by an account.
// A zero CreatedAt means the timestamp could not be resolved.
type Trade struct {
	ID           string    `json:"id"`
	TenantID     string    `json:"tenantId,omitempty"`
	ClientID     string    `json:"clientId"`
	ContractType string    `json:"contractType"`
	Symbol       string    `json:"symbol"`
	Amount       float64   `json:"amount"`
	Profit       float64   `json:"profit"`
	CreatedAt    time.Time `json:"createdAt"`
}

// TrackingRecord is a browser/session fingerprint captured on a landing page.
type TrackingRecord struct {
	ID                string    `json:"id,omitempty"`
	TenantID          string    `json:"tenantId,omitempty"`
	VisitorID         string    `json:"visitorId"`
	IPAddress         string    `json:"ipAddress,omitempty"`
	CanvasFingerprint string    `json:"canvasFingerprint,omitempty"`
	ReferralCode      string    `json:"referralCode,omitempty"`
	CreatedAt         time.Time `json:"createdAt,omitempty"`
}

// Snapshot is the complete set of records pulled for one detection run.
type Snapshot struct {
	Affiliates []Affiliate      `json:"affiliates"`
	Clients    []Client         `json:"clients"`
	Trades     []Trade          `json:"trades"`
	Tracking   []TrackingRecord `json:"tracking"`
}

// Validate checks required fields.
func (a *Affiliate) Validate() error {
	if strings.TrimSpace(a.ID) == "" {
		return fmt.Errorf("%w: affiliate id is required", ErrInvalidRecord)
	}
	return nil
}

// Validate checks required fields.
func (c *Client) Validate() error {
	if strings.TrimSpace(c.ID) == "" {
		return fmt.Errorf("%w: client id is required", ErrInvalidRecord)
	}
	return nil
}

// Validate checks required fields and normalizes the contract direction.
func (t *Trade) Validate() error {
	if strings.TrimSpace(t.ID) == "" {
		return fmt.Errorf("%w: trade id is required", ErrInvalidRecord)
	}
	if strings.TrimSpace(t.ClientID) == "" {
		return fmt.Errorf("%w: trade %s has no clientId", ErrInvalidRecord, t.ID)
	}
	t.ContractType = strings.ToUpper(strings.TrimSpace(t.ContractType))
	if t.ContractType != ContractCall && t.ContractType != ContractPut {
		return fmt.Errorf("%w: trade %s has contractType %q", ErrInvalidRecord, t.ID, t.ContractType)
	}
	if t.Amount < 0 {
		return fmt.Errorf("%w: trade %s has negative amount", ErrInvalidRecord, t.ID)
	}
	return nil
}

// Validate checks that the record carries a visitor and at least one signal.
func (r *TrackingRecord) Validate() error {
	if strings.TrimSpace(r.VisitorID) == "" {
		return fmt.Errorf("%w: tracking record has no visitorId", ErrInvalidRecord)
	}
	if r.IPAddress == "" && r.CanvasFingerprint == "" {
		return fmt.Errorf("%w: tracking record for %s has neither ip nor fingerprint", ErrInvalidRecord, r.VisitorID)
	}
	return nil
}

// Opposite reports whether two contract directions are opposite.
func Opposite(a, b string) bool {
	return (a == ContractCall && b == ContractPut) || (a == ContractPut && b == ContractCall)
}
