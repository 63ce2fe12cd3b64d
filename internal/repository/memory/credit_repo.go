package memory

import (
	"community_lending/internal/domain"
	"community_lending/internal/repository"
	"context"
	"fmt"
	"time"
)

type CreditRepository struct {
	tx *memTx
}

func (r *CreditRepository) GetProfile(ctx context.Context, userID string) (*domain.CreditProfile, error) {
	profile, exists := r.tx.st.profiles[userID]
	if !exists {
		return nil, fmt.Errorf("%w: credit profile %s", repository.ErrNotFound, userID)
	}
	return &profile, nil
}

func (r *CreditRepository) SaveProfile(ctx context.Context, profile *domain.CreditProfile) error {
	if err := r.tx.writable(); err != nil {
		return err
	}
	profile.UpdatedAt = time.Now().UTC()
	r.tx.st.profiles[profile.UserID] = *profile
	return nil
}

func (r *CreditRepository) AppendEvent(ctx context.Context, event *domain.CreditLimitEvent) error {
	if err := r.tx.writable(); err != nil {
		return err
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}
	r.tx.st.creditEvents[event.UserID] = append(r.tx.st.creditEvents[event.UserID], *event)
	return nil
}

func (r *CreditRepository) ListEvents(ctx context.Context, userID string) ([]*domain.CreditLimitEvent, error) {
	events := r.tx.st.creditEvents[userID]

	result := make([]*domain.CreditLimitEvent, 0, len(events))
	for i := range events {
		event := events[i]
		result = append(result, &event)
	}
	return result, nil
}
