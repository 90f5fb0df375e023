package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"muwise.app/internal/account"
	"muwise.app/internal/obs"
	"muwise.app/internal/usage"
)

// Event types handled by Service.Apply.
const (
	EventSubscriptionCreated = "customer.subscription.created"
	EventSubscriptionUpdated = "customer.subscription.updated"
	EventSubscriptionDeleted = "customer.subscription.deleted"
	EventCheckoutCompleted   = "checkout.session.completed"
)

// MetadataUserKey is the subscription metadata key holding our user id.
const MetadataUserKey = "userId"

// Event is the subset of a provider event this service reads.
type Event struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Data struct {
		Object json.RawMessage `json:"object"`
	} `json:"data"`
}

type subscriptionObject struct {
	ID       string            `json:"id"`
	Status   string            `json:"status"`
	Metadata map[string]string `json:"metadata"`
	Items    struct {
		Data []struct {
			Price struct {
				ID string `json:"id"`
			} `json:"price"`
		} `json:"data"`
	} `json:"items"`
}

// PlanUpdater persists subscription state on a user.
type PlanUpdater interface {
	UpdateSubscription(ctx context.Context, userID string, sub account.Subscription) error
}

// Service maps provider events onto user plans.
type Service struct {
	users  PlanUpdater
	prices map[string]usage.Plan
}

// NewService maps price ids to plans; unknown prices resolve to the free plan.
func NewService(users PlanUpdater, prices map[string]usage.Plan) *Service {
	cp := make(map[string]usage.Plan, len(prices))
	for id, plan := range prices {
		if id = strings.TrimSpace(id); id != "" {
			cp[id] = plan
		}
	}
	return &Service{users: users, prices: cp}
}

// PlanForPrice resolves a price id.
func (s *Service) PlanForPrice(priceID string) usage.Plan {
	if p, ok := s.prices[priceID]; ok {
		return p
	}
	return usage.PlanFree
}

// Parse decodes a raw event body.
func Parse(body []byte) (Event, error) {
	var evt Event
	if err := json.Unmarshal(body, &evt); err != nil {
		return Event{}, fmt.Errorf("decode event: %w", err)
	}
	if strings.TrimSpace(evt.Type) == "" {
		return Event{}, errors.New("decode event: type missing")
	}
	return evt, nil
}

// Apply updates the affected user. Events without a resolvable user are
// logged and acknowledged so the provider stops retrying them.
func (s *Service) Apply(ctx context.Context, evt Event) error {
	switch evt.Type {
	case EventSubscriptionCreated, EventSubscriptionUpdated, EventSubscriptionDeleted:
	default:
		obs.Info("billing_event_ignored", map[string]any{"event_id": evt.ID, "type": evt.Type})
		return nil
	}

	var sub subscriptionObject
	if err := json.Unmarshal(evt.Data.Object, &sub); err != nil {
		return fmt.Errorf("decode subscription: %w", err)
	}
	userID := strings.TrimSpace(sub.Metadata[MetadataUserKey])
	if userID == "" {
		obs.Warn("billing_event_without_user", map[string]any{"event_id": evt.ID, "subscription_id": sub.ID})
		return nil
	}

	update := account.Subscription{Status: sub.Status, Plan: usage.PlanFree}
	if evt.Type != EventSubscriptionDeleted {
		if len(sub.Items.Data) == 0 || sub.Items.Data[0].Price.ID == "" {
			obs.Warn("billing_event_without_price", map[string]any{"event_id": evt.ID, "subscription_id": sub.ID})
			return nil
		}
		update.ID = sub.ID
		update.PriceID = sub.Items.Data[0].Price.ID
		update.Plan = s.PlanForPrice(update.PriceID)
	}

	err := s.users.UpdateSubscription(ctx, userID, update)
	if errors.Is(err, account.ErrNotFound) {
		obs.Warn("billing_event_unknown_user", map[string]any{"event_id": evt.ID, "user_id": userID})
		return nil
	}
	if err != nil {
		return fmt.Errorf("update plan for %s: %w", userID, err)
	}
	obs.Info("plan_updated", map[string]any{
		"event_id": evt.ID,
		"user_id":  userID,
		"plan":     string(update.Plan),
		"status":   update.Status,
	})
	return nil
}
