package store

import (
	"context"
	"errors"
	"strings"

	"github.com/ashureev/vibe-relay/internal/domain"
)

// UserDomainsKey addresses the purchased domain list of email.
func UserDomainsKey(email string) string { return "user_domains:" + email }

// BillingCustomerKey addresses the payment processor customer id of email.
func BillingCustomerKey(email string) string { return "billing-customer:" + email }

// CreditsKey addresses the credit account of email.
func CreditsKey(email string) string { return "credits:" + email }

// creditAccount keeps the balance together with the payments already applied
// to it, so both change in one conditional write.
type creditAccount struct {
	Balance int64            `json:"balance"`
	Intents map[string]int64 `json:"creditedIntents,omitempty"`
}

// ListUserDomains returns the domains recorded for email; never nil.
func (s *Store) ListUserDomains(ctx context.Context, email string) ([]domain.StoredDomainData, error) {
	var domains []domain.StoredDomainData
	if _, err := s.getJSON(ctx, UserDomainsKey(email), &domains); err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	if domains == nil {
		domains = []domain.StoredDomainData{}
	}
	return domains, nil
}

// UpsertUserDomain records d for email, replacing an entry for the same domain.
func (s *Store) UpsertUserDomain(ctx context.Context, email string, d domain.StoredDomainData) ([]domain.StoredDomainData, error) {
	return updateJSON(ctx, s, UserDomainsKey(email), func(v *[]domain.StoredDomainData, _ bool) error {
		d.UserEmail = email
		for i := range *v {
			if strings.EqualFold((*v)[i].Domain, d.Domain) {
				(*v)[i] = d
				return nil
			}
		}
		*v = append(*v, d)
		return nil
	})
}

// GetCustomerID returns the billing customer id for email or ErrNotFound.
func (s *Store) GetCustomerID(ctx context.Context, email string) (string, error) {
	var id string
	if _, err := s.getJSON(ctx, BillingCustomerKey(email), &id); err != nil {
		return "", err
	}
	return id, nil
}

// SetCustomerIDIfAbsent stores id for email unless one is already recorded,
// and returns the id that ended up stored.
func (s *Store) SetCustomerIDIfAbsent(ctx context.Context, email, id string) (string, error) {
	_, err := s.putJSON(ctx, BillingCustomerKey(email), id, 0)
	if err == nil {
		return id, nil
	}
	if errors.Is(err, ErrRevisionMismatch) {
		return s.GetCustomerID(ctx, email)
	}
	return "", err
}

// GetCredits returns the credit balance of email; zero when none recorded.
func (s *Store) GetCredits(ctx context.Context, email string) (int64, error) {
	var acct creditAccount
	if _, err := s.getJSON(ctx, CreditsKey(email), &acct); err != nil && !errors.Is(err, ErrNotFound) {
		return 0, err
	}
	return acct.Balance, nil
}

// ApplyPayment adds amount to the balance of email and records intentID in
// the same write. A payment already recorded leaves the balance unchanged;
// applied reports whether this call credited it.
func (s *Store) ApplyPayment(ctx context.Context, email, intentID string, amount int64) (balance int64, applied bool, err error) {
	acct, err := updateJSON(ctx, s, CreditsKey(email), func(v *creditAccount, _ bool) error {
		applied = false
		if _, done := v.Intents[intentID]; done {
			return nil
		}
		if v.Intents == nil {
			v.Intents = make(map[string]int64)
		}
		v.Intents[intentID] = s.now().Unix()
		v.Balance += amount
		applied = true
		return nil
	})
	if err != nil {
		return 0, false, err
	}
	return acct.Balance, applied, nil
}
