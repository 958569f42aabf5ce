package memory

import (
	"context"
	"sync"

	"github.com/jhoicas/Ventas-api/internal/domain/entity"
	"github.com/jhoicas/Ventas-api/internal/domain/repository"
)

var _ repository.ProductRepository = (*ProductRepo)(nil)

// ProductRepo catálogo en memoria.
type ProductRepo struct {
	mu       sync.RWMutex
	products map[string]entity.Product
}

// NewProductRepository construye el catálogo con los productos dados.
func NewProductRepository(products ...*entity.Product) *ProductRepo {
	r := &ProductRepo{products: make(map[string]entity.Product)}
	for _, p := range products {
		r.Put(p)
	}
	return r
}

// Put inserta o reemplaza un producto.
func (r *ProductRepo) Put(p *entity.Product) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.products[p.ID] = *p
}

// GetByID devuelve una copia del producto o (nil, nil).
func (r *ProductRepo) GetByID(_ context.Context, id string) (*entity.Product, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.products[id]
	if !ok {
		return nil, nil
	}
	return &p, nil
}
