package pg

import (
	"context"
	"database/sql"
	"errors"

	"muwise.app/internal/account"
	"muwise.app/internal/ids"
	"muwise.app/internal/usage"
)

// Users persists user profiles, including the agreement usage counter.
type Users struct {
	db *sql.DB
}

var _ account.Store = (*Users)(nil)

const selectUser = `
	select id, email, display_name, password_hash, plan_id, agreement_count,
	       coalesce(stripe_subscription_id, ''), coalesce(stripe_price_id, ''),
	       coalesce(stripe_subscription_status, ''), created_at, updated_at
	from users`

func (s *Users) Create(ctx context.Context, u *account.User) error {
	if err := u.Validate(); err != nil {
		return err
	}
	if u.ID == "" {
		u.ID = ids.New()
	}
	u.PlanID = usage.ParsePlan(string(u.PlanID))
	row := s.db.QueryRowContext(ctx, `
		insert into users(id, email, email_lower, display_name, password_hash, plan_id)
		values ($1, $2, $3, $4, $5, $6)
		returning created_at, updated_at
	`, u.ID, u.Email, account.NormalizeEmail(u.Email), u.DisplayName, u.PasswordHash, string(u.PlanID))
	if err := row.Scan(&u.CreatedAt, &u.UpdatedAt); err != nil {
		if isUniqueViolation(err) {
			return account.ErrAlreadyExists
		}
		return err
	}
	return nil
}

func (s *Users) Find(ctx context.Context, id string) (*account.User, error) {
	return scanUser(s.db.QueryRowContext(ctx, selectUser+` where id = $1`, id))
}

func (s *Users) FindByEmail(ctx context.Context, email string) (*account.User, error) {
	return scanUser(s.db.QueryRowContext(ctx, selectUser+` where email_lower = $1`, account.NormalizeEmail(email)))
}

func (s *Users) Usage(ctx context.Context, userID string) (usage.Usage, error) {
	var (
		plan  string
		count int
	)
	err := s.db.QueryRowContext(ctx, `select plan_id, agreement_count from users where id = $1`, userID).Scan(&plan, &count)
	if errors.Is(err, sql.ErrNoRows) {
		return usage.Usage{}, usage.ErrNoProfile
	}
	if err != nil {
		return usage.Usage{}, err
	}
	return usage.Usage{PlanID: usage.ParsePlan(plan), AgreementCount: count}, nil
}

// IncrementAgreementCount adds one in a single statement so concurrent
// admissions never lose an update.
func (s *Users) IncrementAgreementCount(ctx context.Context, userID string) error {
	res, err := s.db.ExecContext(ctx, `
		update users set agreement_count = agreement_count + 1, updated_at = now()
		where id = $1
	`, userID)
	if err != nil {
		return err
	}
	return expectOne(res)
}

func (s *Users) UpdateSubscription(ctx context.Context, userID string, sub account.Subscription) error {
	res, err := s.db.ExecContext(ctx, `
		update users
		set plan_id = $2, stripe_subscription_id = $3, stripe_price_id = $4,
		    stripe_subscription_status = $5, updated_at = now()
		where id = $1
	`, userID, string(usage.ParsePlan(string(sub.Plan))), nullIfEmpty(sub.ID), nullIfEmpty(sub.PriceID), nullIfEmpty(sub.Status))
	if err != nil {
		return err
	}
	return expectOne(res)
}

func expectOne(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return account.ErrNotFound
	}
	return nil
}

func scanUser(row *sql.Row) (*account.User, error) {
	var (
		u    account.User
		plan string
	)
	err := row.Scan(&u.ID, &u.Email, &u.DisplayName, &u.PasswordHash, &plan, &u.AgreementCount,
		&u.StripeSubscriptionID, &u.StripePriceID, &u.StripeSubscriptionStatus, &u.CreatedAt, &u.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, account.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	u.PlanID = usage.ParsePlan(plan)
	u.CreatedAt = u.CreatedAt.UTC()
	u.UpdatedAt = u.UpdatedAt.UTC()
	return &u, nil
}
