package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/pesaflow/payment-engine/internal/models"
)

// FileIntegrationResolver serves gateway integrations from a JSON file
// exported by the business service. The engine treats integration data as
// read-only input; lifecycle and CRUD live with that service.
type FileIntegrationResolver struct {
	integrations []models.Integration
}

func NewFileIntegrationResolver(path string) (*FileIntegrationResolver, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read integrations file: %w", err)
	}
	var integrations []models.Integration
	if err := json.Unmarshal(data, &integrations); err != nil {
		return nil, fmt.Errorf("unmarshal integrations file: %w", err)
	}
	return &FileIntegrationResolver{integrations: integrations}, nil
}

func (r *FileIntegrationResolver) Resolve(ctx context.Context, businessID, country string) (*models.Integration, error) {
	for i := range r.integrations {
		integ := &r.integrations[i]
		if integ.BusinessID == businessID && integ.Country == country && integ.Active {
			return integ, nil
		}
	}
	return nil, nil
}
