package dossier

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// memoryRepo keeps dossiers in process. Writers to the same dossier are
// serialized by a per-dossier mutex; readers always get copies.
type memoryRepo struct {
	mu        sync.RWMutex
	items     map[uuid.UUID]*Dossier
	byPatient map[uuid.UUID]uuid.UUID
	numbers   map[string]bool
	locks     sync.Map // uuid.UUID -> *sync.Mutex
	now       func() time.Time
	newNumber func(time.Time) string
}

func NewMemoryRepo() Repository {
	return &memoryRepo{
		items:     make(map[uuid.UUID]*Dossier),
		byPatient: make(map[uuid.UUID]uuid.UUID),
		numbers:   make(map[string]bool),
		now:       func() time.Time { return time.Now().UTC() },
		newNumber: NewNumber,
	}
}

func (r *memoryRepo) lock(id uuid.UUID) func() {
	m, _ := r.locks.LoadOrStore(id, &sync.Mutex{})
	mu := m.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

func (r *memoryRepo) Create(_ context.Context, d *Dossier) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byPatient[d.PatientID]; exists {
		return ErrDossierExists
	}
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	now := r.now()
	if d.Number == "" {
		for attempt := 0; ; attempt++ {
			if attempt == createAttempts {
				return fmt.Errorf("%w: could not allocate a dossier number", ErrStoreUnavailable)
			}
			if n := r.newNumber(now); !r.numbers[n] {
				d.Number = n
				break
			}
		}
	} else if r.numbers[d.Number] {
		return fmt.Errorf("%w: dossier number %s is already in use", ErrValidation, d.Number)
	}
	d.CreatedAt = now
	d.UpdatedAt = now
	d.VersionID = 1
	d.normalize()

	r.items[d.ID] = d.Clone()
	r.byPatient[d.PatientID] = d.ID
	r.numbers[d.Number] = true
	return nil
}

func (r *memoryRepo) GetByID(_ context.Context, id uuid.UUID) (*Dossier, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.items[id]
	if !ok {
		return nil, ErrNotFound
	}
	return d.Clone(), nil
}

func (r *memoryRepo) GetByPatient(ctx context.Context, patientID uuid.UUID) (*Dossier, error) {
	r.mu.RLock()
	id, ok := r.byPatient[patientID]
	r.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return r.GetByID(ctx, id)
}

func (r *memoryRepo) List(_ context.Context, limit, offset int) ([]*Dossier, int, error) {
	r.mu.RLock()
	all := make([]*Dossier, 0, len(r.items))
	for _, d := range r.items {
		all = append(all, d.Clone())
	}
	r.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.After(all[j].CreatedAt) })

	total := len(all)
	if offset > total {
		offset = total
	}
	end := offset + limit
	if limit <= 0 || end > total {
		end = total
	}
	return all[offset:end], total, nil
}

// mutate runs fn on a copy and publishes the copy only if fn succeeds.
func (r *memoryRepo) mutate(id uuid.UUID, fn mutation) (*Dossier, error) {
	unlock := r.lock(id)
	defer unlock()

	r.mu.RLock()
	current, ok := r.items[id]
	r.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}

	next := current.Clone()
	changed, err := applyMutation(next, fn, r.now())
	if err != nil {
		return nil, err
	}
	if changed {
		r.mu.Lock()
		r.items[id] = next.Clone()
		r.mu.Unlock()
	}
	return next, nil
}

func (r *memoryRepo) Update(_ context.Context, id uuid.UUID, u DossierUpdate) (*Dossier, error) {
	return r.mutate(id, updateFields(u))
}

func (r *memoryRepo) AppendSubrecord(_ context.Context, id uuid.UUID, rec Subrecord) (*Dossier, error) {
	return r.mutate(id, appendSubrecord(rec))
}

func (r *memoryRepo) RemoveSubrecord(_ context.Context, id uuid.UUID, kind SubrecordKind, index int) (*Dossier, error) {
	return r.mutate(id, removeSubrecord(kind, index))
}

func (r *memoryRepo) AppendDocumentRefs(_ context.Context, id uuid.UUID, locators []string) (*Dossier, error) {
	return r.mutate(id, appendDocumentRefs(locators))
}

func (r *memoryRepo) RemoveDocumentRef(_ context.Context, id uuid.UUID, locator string) (*Dossier, error) {
	return r.mutate(id, removeDocumentRef(locator))
}

func (r *memoryRepo) AppendImagingRefs(_ context.Context, id uuid.UUID, refs []ImagingRef) (*Dossier, error) {
	return r.mutate(id, appendImagingRefs(refs))
}

func (r *memoryRepo) RemoveImagingRef(_ context.Context, id uuid.UUID, instanceID string) (*Dossier, error) {
	return r.mutate(id, removeImagingRef(instanceID))
}

func (r *memoryRepo) FindImagingOwners(_ context.Context, instanceID string) ([]uuid.UUID, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var owners []uuid.UUID
	for id, d := range r.items {
		if d.HasImaging(instanceID) {
			owners = append(owners, id)
		}
	}
	sort.Slice(owners, func(i, j int) bool { return owners[i].String() < owners[j].String() })
	return owners, nil
}
