package validation

// CreateOrderRequest is the payload for POST /orders.
type CreateOrderRequest struct {
	ProductID string `json:"productId" validate:"required,productid"`
	Quantity  int    `json:"quantity" validate:"required,gt=0"`
}

// UpsertProductRequest is the payload for PUT /products/:id. It seeds or
// overwrites the stock level of a product.
type UpsertProductRequest struct {
	Name  string `json:"name,omitempty" validate:"omitempty,max=200"`
	Stock *int   `json:"stock" validate:"required,gte=0"`
}
