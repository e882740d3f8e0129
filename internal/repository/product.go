package repository

import (
	"context"

	"placechat-backend/internal/model"

	"github.com/jackc/pgx/v5/pgxpool"
)

// ProductRepository is the read side of the product catalog, used only to
// hydrate shared products for display.
type ProductRepository struct {
	pool *pgxpool.Pool
}

func NewProductRepository(pool *pgxpool.Pool) *ProductRepository {
	return &ProductRepository{pool: pool}
}

func (r *ProductRepository) GetProduct(ctx context.Context, id string) (*model.ProductSummary, error) {
	p := &model.ProductSummary{}
	err := r.pool.QueryRow(ctx, `
		SELECT id, place_id, name, price, image_url FROM products WHERE id = $1
	`, id).Scan(&p.ID, &p.PlaceID, &p.Name, &p.Price, &p.ImageURL)
	if err != nil {
		return nil, classify("get product", err)
	}
	return p, nil
}
