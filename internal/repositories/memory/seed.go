package memory

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	domain "github.com/keymarket/api/internal/domain"
)

// Seed is the JSON document accepted by LoadSeed. Field names follow the domain types.
type Seed struct {
	Products []domain.Product     `json:"products"`
	Orders   []domain.Order       `json:"orders"`
	Users    []domain.UserProfile `json:"users"`
}

// LoadSeed decodes a seed document and stores every entry, replacing documents with the
// same id.
func (s *Store) LoadSeed(r io.Reader) error {
	var seed Seed
	decoder := json.NewDecoder(r)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&seed); err != nil {
		return fmt.Errorf("memory seed: decode: %w", err)
	}
	for i, product := range seed.Products {
		if strings.TrimSpace(product.ID) == "" {
			return fmt.Errorf("memory seed: products[%d] has no id", i)
		}
	}
	for i, order := range seed.Orders {
		if strings.TrimSpace(order.ID) == "" {
			return fmt.Errorf("memory seed: orders[%d] has no id", i)
		}
		if !order.Status.Valid() {
			return fmt.Errorf("memory seed: order %s has invalid status %q", order.ID, order.Status)
		}
	}
	for i, user := range seed.Users {
		if strings.TrimSpace(user.ID) == "" {
			return fmt.Errorf("memory seed: users[%d] has no id", i)
		}
	}

	for _, product := range seed.Products {
		s.PutProduct(product)
	}
	for _, order := range seed.Orders {
		s.PutOrder(order)
	}
	for _, user := range seed.Users {
		user.Role = domain.NormaliseCustomerRole(string(user.Role))
		s.PutUser(user)
	}
	return nil
}

// LoadSeedFile reads a seed document from path.
func (s *Store) LoadSeedFile(path string) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("memory seed: %w", err)
	}
	defer file.Close()
	return s.LoadSeed(file)
}
