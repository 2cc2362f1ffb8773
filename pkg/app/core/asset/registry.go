package asset

import (
	"errors"
	"fmt"
	"math"
	"regexp"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/uhyunpark/hypersettle/pkg/app/core/venue"
)

var (
	ErrNotFound       = errors.New("asset not found")
	ErrExists         = errors.New("asset already registered")
	ErrNotIssuer      = errors.New("caller is not the asset issuer")
	ErrInvalidTicker  = errors.New("invalid ticker")
	ErrInvalidAmount  = errors.New("issuance amount must be positive")
	ErrSupplyOverflow = errors.New("total supply overflow")
)

// MaxDecimals bounds the display precision of an asset.
const MaxDecimals = 18

var tickerPattern = regexp.MustCompile(`^[A-Z0-9][A-Z0-9.\-]{0,11}$`)

// Asset is a permissioned fungible asset.
type Asset struct {
	Ticker      string         `json:"ticker"`
	Issuer      common.Address `json:"issuer"`
	Decimals    uint8          `json:"decimals"`
	Frozen      bool           `json:"frozen"`
	TotalSupply int64          `json:"totalSupply"`

	// VenueFiltering restricts settlement of the asset to AllowedVenues.
	VenueFiltering bool       `json:"venueFiltering"`
	AllowedVenues  []venue.ID `json:"allowedVenues"`
}

func (a *Asset) venueAllowed(id venue.ID) bool {
	if !a.VenueFiltering {
		return true
	}
	for _, v := range a.AllowedVenues {
		if v == id {
			return true
		}
	}
	return false
}

func (a *Asset) clone() Asset {
	cp := *a
	cp.AllowedVenues = append([]venue.ID(nil), a.AllowedVenues...)
	return cp
}

// Registry tracks assets, their freeze state and venue allow-lists.
type Registry struct {
	mu     sync.RWMutex
	assets map[string]*Asset
	dirty  map[string]struct{}
}

func NewRegistry() *Registry {
	return &Registry{
		assets: make(map[string]*Asset),
		dirty:  make(map[string]struct{}),
	}
}

// Register creates a new asset issued by issuer.
func (r *Registry) Register(issuer common.Address, ticker string, decimals uint8) (Asset, error) {
	if !tickerPattern.MatchString(ticker) {
		return Asset{}, fmt.Errorf("%w: %q", ErrInvalidTicker, ticker)
	}
	if decimals > MaxDecimals {
		return Asset{}, fmt.Errorf("decimals %d exceed %d", decimals, MaxDecimals)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.assets[ticker]; ok {
		return Asset{}, fmt.Errorf("%w: %s", ErrExists, ticker)
	}
	a := &Asset{Ticker: ticker, Issuer: issuer, Decimals: decimals}
	r.assets[ticker] = a
	r.dirty[ticker] = struct{}{}
	return a.clone(), nil
}

func (r *Registry) Get(ticker string) (Asset, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	a, ok := r.assets[ticker]
	if !ok {
		return Asset{}, fmt.Errorf("%w: %s", ErrNotFound, ticker)
	}
	return a.clone(), nil
}

func (r *Registry) List() []Asset {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Asset, 0, len(r.assets))
	for _, a := range r.assets {
		out = append(out, a.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Ticker < out[j].Ticker })
	return out
}

func (r *Registry) Exists(ticker string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.assets[ticker]
	return ok
}

// Frozen reports whether transfers of the asset are halted. Unknown assets report false.
func (r *Registry) Frozen(ticker string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.assets[ticker]
	return ok && a.Frozen
}

// VenueAllowed reports whether instructions from venue id may move the asset.
func (r *Registry) VenueAllowed(ticker string, id venue.ID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.assets[ticker]
	return ok && a.venueAllowed(id)
}

// Decimals returns the asset's display precision (0 for unknown assets).
func (r *Registry) Decimals(ticker string) uint8 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if a, ok := r.assets[ticker]; ok {
		return a.Decimals
	}
	return 0
}

// SetFrozen freezes or unfreezes the asset. Issuer only.
func (r *Registry) SetFrozen(caller common.Address, ticker string, frozen bool) error {
	return r.update(caller, ticker, func(a *Asset) error {
		a.Frozen = frozen
		return nil
	})
}

// RecordIssuance grows total supply. Issuer only; the caller credits the units
// to a portfolio.
func (r *Registry) RecordIssuance(caller common.Address, ticker string, amount int64) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	return r.update(caller, ticker, func(a *Asset) error {
		if a.TotalSupply > math.MaxInt64-amount {
			return ErrSupplyOverflow
		}
		a.TotalSupply += amount
		return nil
	})
}

// SetVenueFiltering toggles the venue allow-list. Issuer only.
func (r *Registry) SetVenueFiltering(caller common.Address, ticker string, enabled bool) error {
	return r.update(caller, ticker, func(a *Asset) error {
		a.VenueFiltering = enabled
		return nil
	})
}

// AllowVenues adds venues to the allow-list. Issuer only.
func (r *Registry) AllowVenues(caller common.Address, ticker string, ids ...venue.ID) error {
	return r.update(caller, ticker, func(a *Asset) error {
		for _, id := range ids {
			if !containsVenue(a.AllowedVenues, id) {
				a.AllowedVenues = append(a.AllowedVenues, id)
			}
		}
		return nil
	})
}

// DisallowVenues removes venues from the allow-list. Issuer only.
func (r *Registry) DisallowVenues(caller common.Address, ticker string, ids ...venue.ID) error {
	return r.update(caller, ticker, func(a *Asset) error {
		kept := a.AllowedVenues[:0]
		for _, v := range a.AllowedVenues {
			if !containsVenue(ids, v) {
				kept = append(kept, v)
			}
		}
		a.AllowedVenues = kept
		return nil
	})
}

// Restore loads persisted assets.
func (r *Registry) Restore(assets []Asset) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range assets {
		a := assets[i].clone()
		r.assets[a.Ticker] = &a
	}
}

// TakeDirty returns assets changed since the previous call.
func (r *Registry) TakeDirty() []Asset {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Asset, 0, len(r.dirty))
	for t := range r.dirty {
		out = append(out, r.assets[t].clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Ticker < out[j].Ticker })
	r.dirty = make(map[string]struct{})
	return out
}

func (r *Registry) update(caller common.Address, ticker string, fn func(a *Asset) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.assets[ticker]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, ticker)
	}
	if a.Issuer != caller {
		return fmt.Errorf("%w: %s", ErrNotIssuer, ticker)
	}
	if err := fn(a); err != nil {
		return err
	}
	r.dirty[ticker] = struct{}{}
	return nil
}

func containsVenue(ids []venue.ID, id venue.ID) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
