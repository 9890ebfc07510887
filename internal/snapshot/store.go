// Package snapshot holds the denormalized card widget cache and rewrites it
// when card identities change. The cache lives in a key-value store shared
// with the widget process; entries are JSON keyed by card identity, so they
// are invisible to relationship rewriting in the ledger.
package snapshot

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/offshore-budgeting/ledgersync/internal/kv"
)

// Cache keys.
const (
	cardSnapshotPrefix = "widget.card.snapshot."
	cardListKey        = "widget.card.cards"
	defaultPeriodKey   = "widget.card.defaultPeriod"
)

// Transaction is a line shown on a card widget.
type Transaction struct {
	Name     string    `json:"name"`
	Amount   float64   `json:"amount"`
	Date     time.Time `json:"date"`
	HexColor string    `json:"hexColor,omitempty"`
}

// CardSnapshot is the rendered state of one card for one period.
type CardSnapshot struct {
	CardID             string        `json:"cardID"`
	CardName           string        `json:"cardName"`
	CardThemeName      string        `json:"cardThemeName,omitempty"`
	CardPrimaryHex     string        `json:"cardPrimaryHex,omitempty"`
	CardSecondaryHex   string        `json:"cardSecondaryHex,omitempty"`
	CardPattern        string        `json:"cardPattern,omitempty"`
	TotalSpent         float64       `json:"totalSpent"`
	RecentTransactions []Transaction `json:"recentTransactions"`
	TopTransactions    []Transaction `json:"topTransactions"`
	RangeLabel         string        `json:"rangeLabel"`
	UpdatedAt          time.Time     `json:"updatedAt"`
}

// Card is an entry in the widget's card picker.
type Card struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	ThemeName    string `json:"themeName,omitempty"`
	PrimaryHex   string `json:"primaryHex,omitempty"`
	SecondaryHex string `json:"secondaryHex,omitempty"`
	PatternName  string `json:"patternName,omitempty"`
}

// Store reads and writes the card widget cache.
type Store struct {
	kv     kv.Store
	logger *slog.Logger
}

// NewStore returns a Store over cache.
func NewStore(cache kv.Store, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}

	return &Store{kv: cache, logger: logger}
}

func cardSnapshotKey(period, cardID string) string {
	return cardSnapshotPrefix + period + "." + cardID
}

// splitCardSnapshotKey returns the period and card identity encoded in key.
// Card identities contain no dots, so the last dot separates them.
func splitCardSnapshotKey(key string) (period, cardID string, ok bool) {
	rest, found := strings.CutPrefix(key, cardSnapshotPrefix)
	if !found {
		return "", "", false
	}

	i := strings.LastIndexByte(rest, '.')
	if i <= 0 || i == len(rest)-1 {
		return "", "", false
	}

	return rest[:i], rest[i+1:], true
}

// WriteCardSnapshot stores snap for period under its card identity.
func (s *Store) WriteCardSnapshot(snap *CardSnapshot, period string) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("snapshot: encoding card %s: %w", snap.CardID, err)
	}

	s.kv.Set(cardSnapshotKey(period, snap.CardID), string(data))

	return nil
}

// ReadCardSnapshot returns the snapshot for (period, cardID), or nil when
// none is cached.
func (s *Store) ReadCardSnapshot(period, cardID string) (*CardSnapshot, error) {
	raw, ok := s.kv.Get(cardSnapshotKey(period, cardID))
	if !ok {
		return nil, nil //nolint:nilnil // absent entry
	}

	var snap CardSnapshot
	if err := json.Unmarshal([]byte(raw), &snap); err != nil {
		return nil, fmt.Errorf("snapshot: decoding card %s/%s: %w", period, cardID, err)
	}

	return &snap, nil
}

// WriteCards replaces the card picker list.
func (s *Store) WriteCards(cards []Card) error {
	data, err := json.Marshal(cards)
	if err != nil {
		return fmt.Errorf("snapshot: encoding card list: %w", err)
	}

	s.kv.Set(cardListKey, string(data))

	return nil
}

// ReadCards returns the card picker list; empty when none is cached.
func (s *Store) ReadCards() ([]Card, error) {
	raw, ok := s.kv.Get(cardListKey)
	if !ok {
		return nil, nil
	}

	var cards []Card
	if err := json.Unmarshal([]byte(raw), &cards); err != nil {
		return nil, fmt.Errorf("snapshot: decoding card list: %w", err)
	}

	return cards, nil
}

// WriteDefaultPeriod records the widget's default period.
func (s *Store) WriteDefaultPeriod(period string) {
	s.kv.Set(defaultPeriodKey, period)
}

// ReadDefaultPeriod returns the widget's default period, if set.
func (s *Store) ReadDefaultPeriod() (string, bool) {
	return s.kv.Get(defaultPeriodKey)
}
