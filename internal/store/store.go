// Package store defines the persistence interface for the position engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing).
package store

import (
	"context"
	"errors"

	"github.com/tradeledger/position-engine/internal/model"
)

// ErrNotFound is returned when a referenced record does not exist.
var ErrNotFound = errors.New("store: record not found")

// ErrAlreadySettled is returned by SettleOptionTrade when the option trade
// already has a terminal status.
var ErrAlreadySettled = errors.New("store: option trade already settled")

// ErrDuplicate is returned when an insert violates a uniqueness rule.
var ErrDuplicate = errors.New("store: duplicate record")

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer.
type Store interface {
	// --- Trade log ---

	// InsertTrade appends an immutable trade record and sets its ID.
	InsertTrade(ctx context.Context, trade *model.Trade) error

	// ListTrades returns every trade ordered by ticker, platform, date, id.
	ListTrades(ctx context.Context) ([]model.Trade, error)

	// --- Derived positions ---

	// ReplacePositions deletes all positions of the given keys and inserts
	// the new set, atomically. Keys not listed are left untouched.
	ReplacePositions(ctx context.Context, keys []model.PositionKey, positions []model.Position) error

	// ListPositions returns positions with the given status, or all of them
	// when status is empty.
	ListPositions(ctx context.Context, status model.PositionStatus) ([]model.Position, error)

	// --- Option trades ---

	// InsertOptionTrade persists a new open option trade and sets its ID.
	InsertOptionTrade(ctx context.Context, trade *model.OptionTrade) error

	// GetOptionTrade returns the option trade or ErrNotFound.
	GetOptionTrade(ctx context.Context, id int64) (*model.OptionTrade, error)

	// ListOptionTrades returns option trades with one of the given statuses,
	// or all of them when none is given.
	ListOptionTrades(ctx context.Context, statuses ...model.OptionStatus) ([]model.OptionTrade, error)

	// SettleOptionTrade writes the close fields of an open option trade and,
	// when synthetic is non-nil, appends it to the trade log in the same unit.
	// The status check is part of that unit: a trade that is no longer open
	// yields ErrAlreadySettled and nothing is written.
	SettleOptionTrade(ctx context.Context, id int64, close model.OptionClose, synthetic *model.Trade) error

	// --- Reference data ---

	// InsertPlatform persists a new platform and sets its ID. A name that
	// already exists yields ErrDuplicate.
	InsertPlatform(ctx context.Context, platform *model.Platform) error

	// ListPlatforms returns all platforms ordered by name.
	ListPlatforms(ctx context.Context) ([]model.Platform, error)

	// --- Cash flows ---

	// InsertCashFlow persists a deposit or withdrawal and sets its ID.
	InsertCashFlow(ctx context.Context, flow *model.CashFlow) error

	// ListCashFlows returns all cash flows ordered by date.
	ListCashFlows(ctx context.Context) ([]model.CashFlow, error)

	// --- Metadata ---

	// SetMetadata upserts a key/value pair.
	SetMetadata(ctx context.Context, key, value string) error

	// GetMetadata returns the value for key or ErrNotFound.
	GetMetadata(ctx context.Context, key string) (string, error)
}

// MetaLastImport is the metadata key holding the last trade import time.
const MetaLastImport = "last_csv_upload"
