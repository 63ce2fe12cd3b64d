package sqlstore

import (
	"community_lending/internal/domain"
	"community_lending/internal/repository"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

type CreditRepository struct {
	tx *dbTx
}

func (r *CreditRepository) GetProfile(ctx context.Context, userID string) (*domain.CreditProfile, error) {
	var (
		profile   domain.CreditProfile
		updatedAt int64
	)
	err := r.tx.queryRow(ctx,
		`SELECT user_id, credit_limit, credit_tier, updated_at FROM credit_profiles WHERE user_id = ?`+
			r.tx.lockSuffix(), userID).
		Scan(&profile.UserID, &profile.CreditLimit, &profile.CreditTier, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: credit profile %s", repository.ErrNotFound, userID)
	}
	if err != nil {
		return nil, fmt.Errorf("get credit profile: %w", mapError(err))
	}
	profile.UpdatedAt = fromMillis(updatedAt)
	return &profile, nil
}

func (r *CreditRepository) SaveProfile(ctx context.Context, profile *domain.CreditProfile) error {
	if err := r.tx.writable(); err != nil {
		return err
	}
	profile.UpdatedAt = time.Now().UTC()

	_, err := r.tx.exec(ctx,
		`INSERT INTO credit_profiles (user_id, credit_limit, credit_tier, updated_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT (user_id) DO UPDATE
		 SET credit_limit = excluded.credit_limit, credit_tier = excluded.credit_tier,
		     updated_at = excluded.updated_at`,
		profile.UserID, profile.CreditLimit, profile.CreditTier, toMillis(profile.UpdatedAt))
	if err != nil {
		return fmt.Errorf("save credit profile %s: %w", profile.UserID, err)
	}
	return nil
}

func (r *CreditRepository) AppendEvent(ctx context.Context, event *domain.CreditLimitEvent) error {
	if err := r.tx.writable(); err != nil {
		return err
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}

	_, err := r.tx.exec(ctx,
		`INSERT INTO credit_events
		   (id, user_id, loan_id, credit_tier, previous_limit, new_limit, reason, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		event.ID, event.UserID, event.LoanID, event.CreditTier, event.PreviousLimit, event.NewLimit,
		event.Reason, toMillis(event.CreatedAt))
	if err != nil {
		return fmt.Errorf("append credit event %s: %w", event.ID, err)
	}
	return nil
}

func (r *CreditRepository) ListEvents(ctx context.Context, userID string) ([]*domain.CreditLimitEvent, error) {
	rows, err := r.tx.query(ctx,
		`SELECT id, user_id, loan_id, credit_tier, previous_limit, new_limit, reason, created_at
		 FROM credit_events WHERE user_id = ? ORDER BY created_at, id`, userID)
	if err != nil {
		return nil, fmt.Errorf("list credit events: %w", err)
	}
	defer rows.Close()

	result := []*domain.CreditLimitEvent{}
	for rows.Next() {
		var (
			event     domain.CreditLimitEvent
			createdAt int64
		)
		if err := rows.Scan(&event.ID, &event.UserID, &event.LoanID, &event.CreditTier,
			&event.PreviousLimit, &event.NewLimit, &event.Reason, &createdAt); err != nil {
			return nil, fmt.Errorf("scan credit event: %w", err)
		}
		event.CreatedAt = fromMillis(createdAt)
		result = append(result, &event)
	}
	return result, rows.Err()
}
