package models

import (
	"fmt"
	"time"
)

type RequestKind string

const (
	KindTextToImage RequestKind = "text_to_image"
	KindImageEdit   RequestKind = "image_edit"
)

type ModelType string

const (
	ModelFlux2      ModelType = "flux-2"
	ModelNanoBanana ModelType = "nano-banana-pro"
)

type PaymentStatus string

const (
	PaymentPaid     PaymentStatus = "paid"
	PaymentRejected PaymentStatus = "rejected"
	PaymentResolved PaymentStatus = "resolved"
)

// UserAccount is the ledger row for one chat user.
type UserAccount struct {
	TelegramID   int64     `json:"telegram_id"`
	Username     string    `json:"username,omitempty"`
	Balance      int       `json:"balance"`
	TrialGranted bool      `json:"trial_granted"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// GenerationRequest lives only for the duration of one request.
type GenerationRequest struct {
	RequesterID int64
	Kind        RequestKind
	Prompt      string
	SourceImage []byte
	Caption     string
}

type GenerationLog struct {
	ID          int64
	UserID      int64
	Kind        RequestKind
	Fingerprint string
	Outcome     string
	Reason      string
	CreatedAt   time.Time
}

type Payment struct {
	ID             int64         `json:"id"`
	UserID         int64         `json:"user_id"`
	Provider       string        `json:"provider"`
	ProviderCharge string        `json:"provider_charge"`
	Currency       string        `json:"currency"`
	Amount         int           `json:"amount"`
	Credits        int           `json:"credits"`
	Status         PaymentStatus `json:"status"`
	RawPayload     string        `json:"raw_payload,omitempty"`
	CreatedAt      time.Time     `json:"created_at"`
	UpdatedAt      time.Time     `json:"updated_at"`
}

type ProviderErrorKind string

const (
	ProviderErrNetwork       ProviderErrorKind = "network"
	ProviderErrQuota         ProviderErrorKind = "quota"
	ProviderErrContentPolicy ProviderErrorKind = "content_policy"
	ProviderErrProvider      ProviderErrorKind = "provider"
	ProviderErrMalformed     ProviderErrorKind = "malformed"
)

// ProviderError is returned by image providers so callers can tell a
// content-policy rejection from a network failure.
type ProviderError struct {
	Kind ProviderErrorKind
	Err  error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider %s error: %v", e.Kind, e.Err)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}
