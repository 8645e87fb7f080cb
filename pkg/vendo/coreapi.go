// Package vendo is the library surface of the coin/voucher WiFi vendo
// gateway: a composition root (App) plus the CoreAPI contract an external
// portal process embeds or calls into. It does not itself serve portal
// HTML/JSON routes — only the event-ingestion surface (internal/eventapi)
// and this Go interface.
package vendo

import (
	"context"
	"time"

	"github.com/Djnirds1984/cjtech/internal/coin"
	"github.com/Djnirds1984/cjtech/internal/identity"
)

// SourceView is one entry of status()'s sources list.
type SourceView struct {
	ID              string
	DisplayName     string
	Local           bool
	Online          bool
	PulseValuePesos int
}

// CoinSessionView mirrors the open coin.Session for status() callers that
// have no business importing internal/coin directly.
type CoinSessionView struct {
	OwnerMAC        string
	OwnerClientID   string
	Mode            string
	TargetSource    string
	PendingAmount   int
	PerSourceAmount map[string]int
	OpenedAt        time.Time
	LastActivityAt  time.Time
}

// StatusResult is the full status(identity) response.
type StatusResult struct {
	UserID          string
	CreditSeconds   int64
	Paused          bool
	Connected       bool
	UserCode        string
	PendingAmount   int
	PendingMinutes  int
	VendoMode       string
	Sources         []SourceView
	CoinSession     *CoinSessionView
	// FreeTime is reserved for an operator-granted free-time balance; no
	// granting mechanism exists in this appliance (there is no admin UI),
	// so it is always nil.
	FreeTime *int64
}

// StartCoinInsertResult is the result of a successful startCoinInsert.
type StartCoinInsertResult struct {
	Status string // "ok"
}

// FinalizeCoinInsertResult is finalizeCoinInsert's result.
type FinalizeCoinInsertResult struct {
	SecondsAdded int
	Amount       int
}

// RedeemVoucherResult is redeemVoucher's result.
type RedeemVoucherResult struct {
	SecondsAdded int64
}

// RestoreSessionResult is restoreSession's result.
type RestoreSessionResult struct {
	UserID string
}

// CoreAPI is the contract consumed by an external HTTP/WebSocket portal
// process. This repository implements the contract only — no portal
// routes; that surface lives in the embedding process.
type CoreAPI interface {
	Status(ctx context.Context, obs identity.Observed) (StatusResult, error)
	StartCoinInsert(ctx context.Context, obs identity.Observed, mode coin.Mode, target string) (StartCoinInsertResult, error)
	FinalizeCoinInsert(ctx context.Context, obs identity.Observed) (FinalizeCoinInsertResult, error)
	PauseSession(ctx context.Context, obs identity.Observed) error
	ResumeSession(ctx context.Context, obs identity.Observed) error
	RedeemVoucher(ctx context.Context, obs identity.Observed, code string) (RedeemVoucherResult, error)
	RestoreSession(ctx context.Context, codeOrClientID string) (RestoreSessionResult, error)
}
