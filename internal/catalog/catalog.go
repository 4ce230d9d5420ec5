package catalog

import (
	"context"
	"errors"
	"sync"
)

// ErrNotFound is returned when the catalog has no such product or item.
var ErrNotFound = errors.New("catalog entry not found")

// Item is the priced child item a resource references, e.g. a cabin grade.
type Item struct {
	ID             string `json:"id"`
	ProductID      string `json:"product_id"`
	UnitPrice      int64  `json:"unit_price"`
	Currency       string `json:"currency"`
	ParentBookable bool   `json:"parent_bookable"`
}

type Product struct {
	ID       string `json:"id"`
	Bookable bool   `json:"bookable"`
}

// Catalog is the product catalog seen by the booking core.
type Catalog interface {
	Product(ctx context.Context, productID string) (*Product, error)
	Item(ctx context.Context, itemID string) (*Item, error)
}

// Static is an in-process catalog used for local runs and tests.
type Static struct {
	mu       sync.RWMutex
	products map[string]Product
	items    map[string]Item
}

func NewStatic() *Static {
	return &Static{products: make(map[string]Product), items: make(map[string]Item)}
}

func (s *Static) PutProduct(p Product) {
	s.mu.Lock()
	s.products[p.ID] = p
	s.mu.Unlock()
}

func (s *Static) PutItem(it Item) {
	s.mu.Lock()
	s.items[it.ID] = it
	s.mu.Unlock()
}

func (s *Static) Product(_ context.Context, productID string) (*Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.products[productID]
	if !ok {
		return nil, ErrNotFound
	}
	return &p, nil
}

func (s *Static) Item(_ context.Context, itemID string) (*Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	it, ok := s.items[itemID]
	if !ok {
		return nil, ErrNotFound
	}
	if p, ok := s.products[it.ProductID]; ok {
		it.ParentBookable = p.Bookable
	}
	return &it, nil
}

var _ Catalog = (*Static)(nil)
