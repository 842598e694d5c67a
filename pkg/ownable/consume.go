package ownable

import (
	"context"
	"encoding/json"
	"fmt"

	"go.opentelemetry.io/otel/attribute"

	"github.com/Mindburn-Labs/ownables/pkg/sandbox"
)

type consumeMsg struct {
	Consume struct {
		OwnableID string `json:"ownable_id"`
		Info      Info   `json:"info"`
	} `json:"consume"`
}

type consumedByMsg struct {
	ConsumedBy struct {
		OwnableID string `json:"ownable_id"`
	} `json:"consumed_by"`
}

type isConsumerOfMsg struct {
	IsConsumerOf struct {
		ConsumableType string `json:"consumable_type"`
		Issuer         string `json:"issuer"`
	} `json:"is_consumer_of"`
}

// CanConsume asks the consumer's program whether it accepts the consumable.
// The query runs against the consumer's current state and never changes it.
// A consumable whose package is not consumable is refused without asking.
func (m *Manager) CanConsume(ctx context.Context, consumerID, consumableID string) (bool, error) {
	if consumerID == consumableID {
		return false, nil
	}
	consumer, err := m.controller(consumerID)
	if err != nil {
		return false, err
	}
	consumable, err := m.controller(consumableID)
	if err != nil {
		return false, err
	}
	if !consumable.pkg.IsConsumable || !consumer.pkg.IsDynamic {
		return false, nil
	}
	info := consumable.Info()
	if info.ConsumedBy != "" {
		return false, nil
	}
	return m.isConsumerOf(ctx, consumer, info)
}

func (m *Manager) isConsumerOf(ctx context.Context, consumer *Controller, info Info) (bool, error) {
	var q isConsumerOfMsg
	q.IsConsumerOf.ConsumableType = info.OwnableType
	q.IsConsumerOf.Issuer = info.Issuer
	msg, err := json.Marshal(q)
	if err != nil {
		return false, err
	}

	raw, err := consumer.bridge.Query(ctx, msg, consumer.view().dump)
	if err != nil {
		return false, err
	}
	var ok bool
	if err := json.Unmarshal(raw, &ok); err != nil {
		return false, fmt.Errorf("ownable %s: is_consumer_of must answer a boolean: %w", consumer.id, err)
	}
	return ok, nil
}

// Consume lets consumer absorb consumable. The consume event is applied to
// the consumer first, then the terminal consumed_by event to the consumable.
// Both ownables are held busy for the whole exchange. There is no rollback:
// if the second step fails the consumer keeps its event and the returned
// *ConsumeError has ConsumerCommitted set.
func (m *Manager) Consume(ctx context.Context, consumerID, consumableID string) (snap *Snapshot, err error) {
	ctx, finish := m.metrics.TrackOperation(ctx, "ownable.consume",
		attribute.String("ownable.id", consumerID),
		attribute.String("ownable.consumable", consumableID),
	)
	defer func() { finish(err) }()

	if consumerID == consumableID {
		return nil, fmt.Errorf("%w: %s", ErrSelfConsume, consumerID)
	}
	consumer, err := m.mutable(consumerID)
	if err != nil {
		return nil, err
	}
	consumable, err := m.mutable(consumableID)
	if err != nil {
		return nil, err
	}
	if !consumable.pkg.IsConsumable {
		return nil, fmt.Errorf("%w: %s", ErrNotConsumable, consumableID)
	}

	if err := consumer.acquire(); err != nil {
		return nil, err
	}
	defer consumer.release()
	if err := consumable.acquire(); err != nil {
		return nil, err
	}
	defer consumable.release()

	if err := m.checkOwner(consumer); err != nil {
		return nil, err
	}
	if err := m.checkOwner(consumable); err != nil {
		return nil, err
	}

	info := consumable.Info()
	if info.ConsumedBy != "" {
		return nil, fmt.Errorf("%w: %s was consumed by %s", ErrNotConsumable, consumableID, info.ConsumedBy)
	}
	ok, err := m.isConsumerOf(ctx, consumer, info)
	if err != nil {
		return nil, &ConsumeError{Consumer: consumerID, Consumable: consumableID, Err: err}
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s by %s", ErrRefused, consumableID, consumerID)
	}

	var cm consumeMsg
	cm.Consume.OwnableID = consumableID
	cm.Consume.Info = info
	msg, err := json.Marshal(cm)
	if err != nil {
		return nil, err
	}
	snap, err = m.apply(ctx, consumer, msg)
	if err != nil {
		return nil, &ConsumeError{Consumer: consumerID, Consumable: consumableID, Err: err}
	}
	if snap == nil {
		return nil, nil
	}

	var cb consumedByMsg
	cb.ConsumedBy.OwnableID = consumerID
	if msg, err = json.Marshal(cb); err != nil {
		return nil, err
	}
	done, err := m.apply(ctx, consumable, msg)
	if err == nil && done == nil {
		err = fmt.Errorf("consumable torn down mid-consume: %w", sandbox.ErrCancelled)
	}
	if err != nil {
		m.logger.ErrorContext(ctx, "consume partly applied", "consumer", consumerID, "consumable", consumableID, "error", err)
		return nil, &ConsumeError{Consumer: consumerID, Consumable: consumableID, ConsumerCommitted: true, Err: err}
	}
	return snap, nil
}

// Transfer hands an ownable to another address and returns the export
// bundle to deliver to the new owner. The local account can no longer
// mutate it afterwards.
func (m *Manager) Transfer(ctx context.Context, id, to string) (bundle *Bundle, err error) {
	ctx, finish := m.metrics.TrackOperation(ctx, "ownable.transfer", attribute.String("ownable.id", id))
	defer func() { finish(err) }()

	c, err := m.mutable(id)
	if err != nil {
		return nil, err
	}
	if !c.pkg.IsTransferable {
		return nil, fmt.Errorf("%w: %s", ErrNotTransferable, id)
	}
	if to == "" {
		return nil, fmt.Errorf("transfer %s: empty recipient", id)
	}
	if err := c.acquire(); err != nil {
		return nil, err
	}
	defer c.release()
	if err := m.checkOwner(c); err != nil {
		return nil, err
	}

	msg, err := json.Marshal(map[string]any{"transfer": map[string]string{"to": to}})
	if err != nil {
		return nil, err
	}
	snap, err := m.apply(ctx, c, msg)
	if err != nil || snap == nil {
		return nil, err
	}
	return exportSnapshot(snap)
}
