package subscription

import "time"

// SubscriptionModel is the GORM model for the subscriptions table.
// Timestamps are set by the registry clock, not by GORM.
type SubscriptionModel struct {
	ID                  string     `gorm:"type:varchar(36);primaryKey"`
	EndpointURL         string     `gorm:"type:varchar(512);uniqueIndex;not null"`
	Status              string     `gorm:"type:varchar(16);index;not null"`
	Nonce               string     `gorm:"type:varchar(36)"`
	ConsecutiveFailures int        `gorm:"not null;default:0"`
	LastError           string     `gorm:"type:text"`
	ConfirmedAt         *time.Time
	CreatedAt           time.Time `gorm:"autoCreateTime:false"`
	UpdatedAt           time.Time `gorm:"autoUpdateTime:false;index"`
}

// TableName specifies the table name for SubscriptionModel.
func (SubscriptionModel) TableName() string {
	return "subscriptions"
}

// ToDomain converts SubscriptionModel to Subscription.
func (m *SubscriptionModel) ToDomain() *Subscription {
	var confirmedAt *time.Time
	if m.ConfirmedAt != nil {
		t := m.ConfirmedAt.UTC()
		confirmedAt = &t
	}
	return &Subscription{
		ID:                  m.ID,
		EndpointURL:         m.EndpointURL,
		Status:              Status(m.Status),
		Nonce:               m.Nonce,
		ConsecutiveFailures: m.ConsecutiveFailures,
		LastError:           m.LastError,
		CreatedAt:           m.CreatedAt.UTC(),
		ConfirmedAt:         confirmedAt,
		UpdatedAt:           m.UpdatedAt.UTC(),
	}
}

// ToModel converts Subscription to SubscriptionModel.
func ToModel(s *Subscription) *SubscriptionModel {
	return &SubscriptionModel{
		ID:                  s.ID,
		EndpointURL:         s.EndpointURL,
		Status:              string(s.Status),
		Nonce:               s.Nonce,
		ConsecutiveFailures: s.ConsecutiveFailures,
		LastError:           s.LastError,
		ConfirmedAt:         s.ConfirmedAt,
		CreatedAt:           s.CreatedAt,
		UpdatedAt:           s.UpdatedAt,
	}
}
