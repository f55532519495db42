package firestore

import (
	"context"
	"errors"
	"strings"

	domain "github.com/keymarket/api/internal/domain"
	pfirestore "github.com/keymarket/api/internal/platform/firestore"
	"github.com/keymarket/api/internal/repositories"
)

// ProductRepository reads products and their variant key pools. Pools are only written by
// FulfillmentRepository.
type ProductRepository struct {
	products *pfirestore.Collection[productDocument]
}

var _ repositories.ProductRepository = (*ProductRepository)(nil)

// NewProductRepository constructs a Firestore-backed product repository.
func NewProductRepository(provider *pfirestore.Provider) (*ProductRepository, error) {
	if provider == nil {
		return nil, errors.New("product repository requires firestore provider")
	}
	return &ProductRepository{products: pfirestore.NewCollection[productDocument](provider, productsCollection)}, nil
}

// FindByID loads the product with every variant pool.
func (r *ProductRepository) FindByID(ctx context.Context, productID string) (domain.Product, error) {
	if r == nil || r.products == nil {
		return domain.Product{}, errors.New("product repository not initialised")
	}
	productID = strings.TrimSpace(productID)
	if productID == "" {
		return domain.Product{}, errors.New("product id is required")
	}
	doc, err := r.products.Get(ctx, productID)
	if err != nil {
		return domain.Product{}, err
	}
	return doc.Data.toDomain(doc.ID), nil
}

// Save overwrites the product document. It is meant for catalog seeding; fulfillment never
// calls it because pool writes outside the allocation transaction would race with it.
func (r *ProductRepository) Save(ctx context.Context, product domain.Product) error {
	if r == nil || r.products == nil {
		return errors.New("product repository not initialised")
	}
	if strings.TrimSpace(product.ID) == "" {
		return errors.New("product id is required")
	}
	return r.products.Set(ctx, product.ID, productDocument{
		Name:      product.Name,
		Variants:  newVariantDocuments(product.Variants),
		UpdatedAt: product.UpdatedAt.UTC(),
	})
}
