package venue

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

const maxDetailsLength = 1024

var (
	ErrNotFound       = errors.New("venue not found")
	ErrNotOwner       = errors.New("caller is not the venue owner")
	ErrInactive       = errors.New("venue is not active")
	ErrUnauthorized   = errors.New("caller may not originate instructions on venue")
	ErrKindNotAllowed = errors.New("venue does not allow instruction kind")
	ErrNoKinds        = errors.New("venue must allow at least one instruction kind")
	ErrSignerExists   = errors.New("signer already exists")
	ErrSignerNotFound = errors.New("signer does not exist")
	ErrDetailsTooLong = errors.New("venue details too long")
	ErrInvalidType    = errors.New("invalid venue type")
)

// Registry manages venues in a thread-safe manner.
type Registry struct {
	mu     sync.RWMutex
	venues map[ID]*Venue
	nextID ID
	dirty  map[ID]struct{}
}

// NewRegistry creates an empty venue registry. Ids start at 1.
func NewRegistry() *Registry {
	return &Registry{
		venues: make(map[ID]*Venue),
		nextID: 1,
		dirty:  make(map[ID]struct{}),
	}
}

// Register creates an active venue with a fresh id.
func (r *Registry) Register(owner common.Address, details string, typ Type, kinds []InstructionKind) (Venue, error) {
	if len(kinds) == 0 {
		return Venue{}, ErrNoKinds
	}
	if len(details) > maxDetailsLength {
		return Venue{}, ErrDetailsTooLong
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	v := &Venue{
		ID:           r.nextID,
		Owner:        owner,
		Details:      details,
		Type:         typ,
		AllowedKinds: dedupeKinds(kinds),
		Active:       true,
	}
	r.venues[v.ID] = v
	r.dirty[v.ID] = struct{}{}
	r.nextID++
	return v.clone(), nil
}

// Get retrieves a venue by id
func (r *Registry) Get(id ID) (Venue, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	v, ok := r.venues[id]
	if !ok {
		return Venue{}, fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	return v.clone(), nil
}

// List returns all venues ordered by id.
func (r *Registry) List() []Venue {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Venue, 0, len(r.venues))
	for _, v := range r.venues {
		out = append(out, v.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// SetActive activates or deactivates a venue. Owner only.
func (r *Registry) SetActive(caller common.Address, id ID, active bool) error {
	return r.update(caller, id, func(v *Venue) error {
		v.Active = active
		return nil
	})
}

// UpdateDetails replaces the venue's free-text details. Owner only.
func (r *Registry) UpdateDetails(caller common.Address, id ID, details string) error {
	if len(details) > maxDetailsLength {
		return ErrDetailsTooLong
	}
	return r.update(caller, id, func(v *Venue) error {
		v.Details = details
		return nil
	})
}

// UpdateType changes what the venue declares itself to be. Owner only.
func (r *Registry) UpdateType(caller common.Address, id ID, typ Type) error {
	if typ > TypeExchange {
		return fmt.Errorf("%w: %d", ErrInvalidType, typ)
	}
	return r.update(caller, id, func(v *Venue) error {
		v.Type = typ
		return nil
	})
}

// AddSigners allows additional identities to originate instructions. Owner only.
// Fails without changes if any signer is already present.
func (r *Registry) AddSigners(caller common.Address, id ID, signers ...common.Address) error {
	return r.update(caller, id, func(v *Venue) error {
		seen := make(map[common.Address]bool, len(signers))
		for _, s := range signers {
			if v.hasSigner(s) || seen[s] {
				return fmt.Errorf("%w: %s", ErrSignerExists, s.Hex())
			}
			seen[s] = true
		}
		v.Signers = append(v.Signers, signers...)
		return nil
	})
}

// RemoveSigners revokes signers. Owner only. Fails without changes if any is absent.
func (r *Registry) RemoveSigners(caller common.Address, id ID, signers ...common.Address) error {
	return r.update(caller, id, func(v *Venue) error {
		drop := make(map[common.Address]bool, len(signers))
		for _, s := range signers {
			if !v.hasSigner(s) {
				return fmt.Errorf("%w: %s", ErrSignerNotFound, s.Hex())
			}
			drop[s] = true
		}
		kept := v.Signers[:0]
		for _, s := range v.Signers {
			if !drop[s] {
				kept = append(kept, s)
			}
		}
		v.Signers = kept
		return nil
	})
}

// Authorize checks that caller may originate an instruction of kind on venue id.
func (r *Registry) Authorize(id ID, caller common.Address, kind InstructionKind) error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	v, ok := r.venues[id]
	if !ok {
		return fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	if !v.Active {
		return fmt.Errorf("%w: %d", ErrInactive, id)
	}
	if !v.CanOriginate(caller) {
		return fmt.Errorf("%w: %d", ErrUnauthorized, id)
	}
	if !v.Allows(kind) {
		return fmt.Errorf("%w: venue %d kind %s", ErrKindNotAllowed, id, kind)
	}
	return nil
}

// Restore loads persisted venues, e.g. at node start.
func (r *Registry) Restore(venues []Venue) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i := range venues {
		v := venues[i].clone()
		r.venues[v.ID] = &v
		if v.ID >= r.nextID {
			r.nextID = v.ID + 1
		}
	}
}

// TakeDirty returns venues changed since the previous call.
func (r *Registry) TakeDirty() []Venue {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Venue, 0, len(r.dirty))
	for id := range r.dirty {
		out = append(out, r.venues[id].clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	r.dirty = make(map[ID]struct{})
	return out
}

// update applies fn to an owned venue under the write lock.
func (r *Registry) update(caller common.Address, id ID, fn func(v *Venue) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	v, ok := r.venues[id]
	if !ok {
		return fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	if v.Owner != caller {
		return fmt.Errorf("%w: %d", ErrNotOwner, id)
	}
	if err := fn(v); err != nil {
		return err
	}
	r.dirty[id] = struct{}{}
	return nil
}

func dedupeKinds(kinds []InstructionKind) []InstructionKind {
	out := make([]InstructionKind, 0, len(kinds))
	seen := make(map[InstructionKind]bool, len(kinds))
	for _, k := range kinds {
		if !seen[k] {
			seen[k] = true
			out = append(out, k)
		}
	}
	return out
}
