package maid

import "context"

// ProfileReader abstracts repository reads for the service.
type ProfileReader interface {
	GetByID(ctx context.Context, id string) (Profile, error)
}

// Service exposes read access to maid profiles for the API layer.
type Service struct {
	repo ProfileReader
}

// NewService builds a Service using the provided repository.
func NewService(repo ProfileReader) *Service {
	return &Service{repo: repo}
}

// GetByID returns the maid profile for the given identifier.
func (s *Service) GetByID(ctx context.Context, id string) (Profile, error) {
	return s.repo.GetByID(ctx, id)
}
