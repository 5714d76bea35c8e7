package subscription

import (
	"context"
	"errors"
	"strings"
	"time"

	"gorm.io/gorm"
)

// GormRegistry implements Registry on a SQL database. Each mutation runs in
// one transaction.
type GormRegistry struct {
	db   *gorm.DB
	opts Options
}

// NewGormRegistry creates a GORM-backed registry. Call Migrate before use.
func NewGormRegistry(db *gorm.DB, opts Options) *GormRegistry {
	return &GormRegistry{db: db, opts: opts.withDefaults()}
}

// Migrate creates or updates the subscriptions table.
func (r *GormRegistry) Migrate(ctx context.Context) error {
	return r.db.WithContext(ctx).AutoMigrate(&SubscriptionModel{})
}

func (r *GormRegistry) now() time.Time { return r.opts.Now().UTC() }

func (r *GormRegistry) Register(ctx context.Context, endpointURL string) (*Subscription, error) {
	if err := ValidateEndpoint(endpointURL); err != nil {
		return nil, err
	}

	sub, err := r.register(ctx, endpointURL)
	if err != nil && isUniqueViolation(err) {
		// Lost a race with a concurrent first registration of the same
		// endpoint; the row exists now.
		sub, err = r.register(ctx, endpointURL)
	}
	return sub, err
}

func (r *GormRegistry) register(ctx context.Context, endpointURL string) (*Subscription, error) {
	var out *Subscription
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var model SubscriptionModel
		err := tx.First(&model, "endpoint_url = ?", endpointURL).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			s := newPending(endpointURL, r.now())
			if err := tx.Create(ToModel(&s)).Error; err != nil {
				return err
			}
			out = &s
			return nil
		}
		if err != nil {
			return err
		}

		s := model.ToDomain()
		if applyRegister(s, r.now()) {
			if err := tx.Save(ToModel(s)).Error; err != nil {
				return err
			}
		}
		out = s
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *GormRegistry) Unregister(ctx context.Context, endpointURL string) error {
	result := r.db.WithContext(ctx).Delete(&SubscriptionModel{}, "endpoint_url = ?", endpointURL)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *GormRegistry) Confirm(ctx context.Context, id, nonce string) (*Subscription, bool, error) {
	return r.mutate(ctx, id, func(s *Subscription) (bool, error) {
		return applyConfirm(s, nonce, r.now())
	})
}

func (r *GormRegistry) RecordDelivery(ctx context.Context, id string, deliveryErr error) (*Subscription, error) {
	s, _, err := r.mutate(ctx, id, func(s *Subscription) (bool, error) {
		return applyDelivery(s, deliveryErr, r.opts.FailureThreshold, r.now()), nil
	})
	return s, err
}

// mutate loads the row, applies fn and saves it when fn reports a change.
func (r *GormRegistry) mutate(ctx context.Context, id string, fn func(*Subscription) (bool, error)) (*Subscription, bool, error) {
	var (
		out     *Subscription
		changed bool
	)
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var model SubscriptionModel
		if err := tx.First(&model, "id = ?", id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return err
		}

		s := model.ToDomain()
		var err error
		changed, err = fn(s)
		if err != nil {
			return err
		}
		if changed {
			if err := tx.Save(ToModel(s)).Error; err != nil {
				return err
			}
		}
		out = s
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return out, changed, nil
}

func (r *GormRegistry) Get(ctx context.Context, id string) (*Subscription, error) {
	var model SubscriptionModel
	if err := r.db.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return model.ToDomain(), nil
}

func (r *GormRegistry) List(ctx context.Context) ([]Subscription, error) {
	return r.find(r.db.WithContext(ctx))
}

func (r *GormRegistry) ListConfirmed(ctx context.Context) ([]Subscription, error) {
	return r.find(r.db.WithContext(ctx).Where("status = ?", string(StatusConfirmed)))
}

func (r *GormRegistry) find(q *gorm.DB) ([]Subscription, error) {
	var models []SubscriptionModel
	if err := q.Order("created_at ASC").Order("endpoint_url ASC").Find(&models).Error; err != nil {
		return nil, err
	}
	out := make([]Subscription, 0, len(models))
	for i := range models {
		out = append(out, *models[i].ToDomain())
	}
	return out, nil
}

func (r *GormRegistry) ExpirePending(ctx context.Context, cutoff time.Time) ([]Subscription, error) {
	var expired []Subscription
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var models []SubscriptionModel
		if err := tx.Where("status = ? AND updated_at < ?", string(StatusPending), cutoff.UTC()).
			Order("created_at ASC").Find(&models).Error; err != nil {
			return err
		}

		now := r.now()
		for i := range models {
			s := models[i].ToDomain()
			if !applyExpire(s, cutoff, now) {
				continue
			}
			if err := tx.Save(ToModel(s)).Error; err != nil {
				return err
			}
			expired = append(expired, *s)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return expired, nil
}

func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "duplicate key") ||
		strings.Contains(msg, "UNIQUE constraint") ||
		strings.Contains(msg, "Duplicate entry")
}
