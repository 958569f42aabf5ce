package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/jhoicas/Ventas-api/internal/domain"
	"github.com/jhoicas/Ventas-api/internal/domain/entity"
	"github.com/jhoicas/Ventas-api/internal/domain/repository"
)

var _ repository.SaleRepository = (*SaleRepo)(nil)

// SaleRepo ventas en memoria. Guarda copias para que el caller no mute el estado persistido.
type SaleRepo struct {
	mu    sync.RWMutex
	sales map[string]*entity.Sale
	items map[string][]*entity.SaleItem
	order []string
}

// NewSaleRepository construye el repositorio vacío.
func NewSaleRepository() *SaleRepo {
	return &SaleRepo{
		sales: make(map[string]*entity.Sale),
		items: make(map[string][]*entity.SaleItem),
	}
}

// Create persiste la cabecera. Solo puede haber una venta completed por referencia.
func (r *SaleRepo) Create(_ context.Context, sale *entity.Sale) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.createLocked(sale)
}

func (r *SaleRepo) createLocked(sale *entity.Sale) error {
	if _, ok := r.sales[sale.ID]; ok {
		return fmt.Errorf("sale %s: %w", sale.ID, domain.ErrDuplicate)
	}
	if sale.Status == entity.SaleStatusCompleted && r.completedLocked(sale.Reference) {
		return fmt.Errorf("referencia %s: %w", sale.Reference, domain.ErrDuplicate)
	}
	c := *sale
	c.Items = nil
	r.sales[sale.ID] = &c
	r.order = append(r.order, sale.ID)
	return nil
}

func (r *SaleRepo) hasCompleted(reference string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.completedLocked(reference)
}

func (r *SaleRepo) completedLocked(reference string) bool {
	for _, s := range r.sales {
		if s.Reference == reference && s.Status == entity.SaleStatusCompleted {
			return true
		}
	}
	return false
}

// CreateItem persiste una línea de una venta existente.
func (r *SaleRepo) CreateItem(_ context.Context, item *entity.SaleItem) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.createItemLocked(item)
}

func (r *SaleRepo) createItemLocked(item *entity.SaleItem) error {
	if _, ok := r.sales[item.SaleID]; !ok {
		return fmt.Errorf("sale %s: %w", item.SaleID, domain.ErrNotFound)
	}
	c := *item
	r.items[item.SaleID] = append(r.items[item.SaleID], &c)
	return nil
}

// publish valida el lote completo y solo entonces lo aplica: o entran todas las cabeceras
// y líneas o ninguna.
func (r *SaleRepo) publish(sales []*entity.Sale, items []*entity.SaleItem) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	ids := make(map[string]bool, len(sales))
	refs := make(map[string]bool, len(sales))
	for _, s := range sales {
		if _, ok := r.sales[s.ID]; ok || ids[s.ID] {
			return fmt.Errorf("sale %s: %w", s.ID, domain.ErrDuplicate)
		}
		ids[s.ID] = true
		if s.Status != entity.SaleStatusCompleted {
			continue
		}
		if refs[s.Reference] || r.completedLocked(s.Reference) {
			return fmt.Errorf("referencia %s: %w", s.Reference, domain.ErrDuplicate)
		}
		refs[s.Reference] = true
	}
	for _, it := range items {
		if _, ok := r.sales[it.SaleID]; !ok && !ids[it.SaleID] {
			return fmt.Errorf("sale %s: %w", it.SaleID, domain.ErrNotFound)
		}
	}

	for _, s := range sales {
		if err := r.createLocked(s); err != nil {
			return err
		}
	}
	for _, it := range items {
		if err := r.createItemLocked(it); err != nil {
			return err
		}
	}
	return nil
}

// GetByID devuelve la venta con sus líneas o (nil, nil).
func (r *SaleRepo) GetByID(_ context.Context, id string) (*entity.Sale, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sales[id]
	if !ok {
		return nil, nil
	}
	return r.copyLocked(s), nil
}

// ListByCreator ventas del usuario, más recientes primero.
func (r *SaleRepo) ListByCreator(_ context.Context, userID string, limit, offset int) ([]*entity.Sale, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*entity.Sale
	for _, id := range r.order {
		if s := r.sales[id]; s.CreatedBy == userID {
			out = append(out, r.copyLocked(s))
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if offset >= len(out) {
		return []*entity.Sale{}, nil
	}
	out = out[offset:]
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out, nil
}

// Count número de ventas persistidas (cualquier estado).
func (r *SaleRepo) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sales)
}

func (r *SaleRepo) copyLocked(s *entity.Sale) *entity.Sale {
	c := *s
	c.Items = make([]*entity.SaleItem, 0, len(r.items[s.ID]))
	for _, it := range r.items[s.ID] {
		ic := *it
		c.Items = append(c.Items, &ic)
	}
	return &c
}
