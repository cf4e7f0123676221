package runtime

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	errspkg "github.com/defood/orderflow/internal/runtime/errors"
	"github.com/defood/orderflow/internal/runtime/events"
	loggingpkg "github.com/defood/orderflow/internal/runtime/logging"
	"github.com/defood/orderflow/internal/runtime/orders"
	"github.com/defood/orderflow/internal/runtime/store"
)

// PipelineConfig names the routing keys the pipeline publishes on.
type PipelineConfig struct {
	OrdersRoutingKey string
	UsersRoutingKey  string
}

// Pipeline turns a submission into a persisted and announced order. An order
// that cannot be announced is removed again.
type Pipeline struct {
	cfg       PipelineConfig
	store     store.OrderStore
	publisher EventPublisher
	logger    loggingpkg.ServiceLogger
	metrics   *Metrics
}

// NewPipeline wires a Pipeline. metrics may be nil.
func NewPipeline(cfg PipelineConfig, st store.OrderStore, publisher EventPublisher, logger loggingpkg.ServiceLogger, metrics *Metrics) (*Pipeline, error) {
	if st == nil {
		return nil, errspkg.ErrStoreRequired
	}
	if publisher == nil {
		return nil, errspkg.ErrPublisherRequired
	}
	if logger == nil {
		return nil, errspkg.ErrLoggerRequired
	}
	if cfg.OrdersRoutingKey == "" {
		return nil, errspkg.ErrRoutingKeyRequired
	}
	return &Pipeline{
		cfg:       cfg,
		store:     st,
		publisher: publisher,
		logger:    logger.With(loggingpkg.LogFields{"component": "pipeline"}),
		metrics:   metrics,
	}, nil
}

// SubmitOrder validates the submission, snapshots prices, persists the order
// as PENDING and publishes order_created. When the publish fails the order is
// deleted and the publish error returned; if that delete fails too the result
// is a *CompensationError.
func (p *Pipeline) SubmitOrder(ctx context.Context, sub orders.Submission) (orders.Order, error) {
	catalogue, err := p.validate(ctx, sub)
	if err != nil {
		var verr *errspkg.ValidationError
		if errors.As(err, &verr) {
			p.metrics.RecordSubmission(OutcomeRejected)
			p.logger.Info("Order rejected", loggingpkg.LogFields{"user_id": sub.UserID, "reason": verr.Error()})
		}
		return orders.Order{}, err
	}

	draft := orders.NewDraft(sub, catalogue)
	order, err := p.store.Create(ctx, draft)
	if err != nil {
		p.metrics.RecordSubmission(OutcomeFailure)
		return orders.Order{}, fmt.Errorf("persisting order: %w", err)
	}
	log := p.logger.With(loggingpkg.LogFields{"order_id": order.ID, "routing_key": p.cfg.OrdersRoutingKey})

	env, err := events.New(events.OrderCreated, orders.OrderCreated(order))
	if err == nil {
		err = p.publisher.Publish(ContextWithCorrelationID(ctx, order.ID), p.cfg.OrdersRoutingKey, env)
	}
	if err != nil {
		return orders.Order{}, p.compensate(ctx, log, order, err)
	}

	p.metrics.RecordSubmission(OutcomeCreated)
	log.Info("Order created", loggingpkg.LogFields{
		"total_amount": order.Total.StringFixed(2),
		"items":        len(order.Items),
	})
	return order, nil
}

// compensate deletes an order whose announcement failed. It runs even when
// ctx is already cancelled.
func (p *Pipeline) compensate(ctx context.Context, log loggingpkg.ServiceLogger, order orders.Order, cause error) error {
	if err := p.store.Delete(context.WithoutCancel(ctx), order.ID); err != nil && !errors.Is(err, store.ErrNotFound) {
		p.metrics.RecordCompensationFailure()
		log.Error("Order was not announced and could not be removed, reconciliation required", err, loggingpkg.LogFields{
			"cause": cause.Error(),
		})
		return &errspkg.CompensationError{OrderID: order.ID, Cause: cause, Err: err}
	}
	p.metrics.RecordSubmission(OutcomeCompensated)
	log.Error("Order removed after failed announcement", cause, nil)
	return cause
}

func (p *Pipeline) validate(ctx context.Context, sub orders.Submission) ([]orders.MenuItem, error) {
	verr := sub.Validate()
	if err := verr.OrNil(); err != nil {
		return nil, err
	}

	catalogue := make([]orders.MenuItem, len(sub.Items))
	for i, req := range sub.Items {
		field := "items[" + strconv.Itoa(i) + "].menu_item_id"
		item, err := p.store.MenuItem(ctx, req.MenuItemID)
		switch {
		case errors.Is(err, store.ErrNotFound):
			verr.Add(field, fmt.Sprintf("menu item %q does not exist", req.MenuItemID))
			continue
		case err != nil:
			return nil, fmt.Errorf("loading menu item %s: %w", req.MenuItemID, err)
		}
		if !item.Available {
			verr.Add(field, fmt.Sprintf("menu item %q is not available", req.MenuItemID))
		}
		if item.RestaurantID != "" && item.RestaurantID != sub.RestaurantID {
			verr.Add(field, fmt.Sprintf("menu item %q belongs to another restaurant", req.MenuItemID))
		}
		catalogue[i] = item
	}
	if err := verr.OrNil(); err != nil {
		return nil, err
	}
	return catalogue, nil
}

// AnnounceUser publishes user_created for a newly registered account.
func (p *Pipeline) AnnounceUser(ctx context.Context, profile orders.UserProfile) error {
	verr := &errspkg.ValidationError{}
	if strings.TrimSpace(profile.ID) == "" {
		verr.Add("user_id", "is required")
	}
	if strings.TrimSpace(profile.Username) == "" {
		verr.Add("username", "is required")
	}
	if err := verr.OrNil(); err != nil {
		return err
	}
	if p.cfg.UsersRoutingKey == "" {
		return errspkg.ErrRoutingKeyRequired
	}

	env, err := events.New(events.UserCreated, orders.UserCreated(profile))
	if err != nil {
		return err
	}
	if err := p.publisher.Publish(ContextWithCorrelationID(ctx, profile.ID), p.cfg.UsersRoutingKey, env); err != nil {
		return err
	}
	p.logger.Debug("User announced", loggingpkg.LogFields{"user_id": profile.ID})
	return nil
}
