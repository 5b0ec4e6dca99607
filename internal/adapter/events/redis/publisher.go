// Package redis publishes orchestrator events over Redis pub/sub.
//
// Delivery is best-effort: subscribers that are not listening at publish
// time simply miss the event, which matches the progress stream contract.
package redis

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/fairyhunter13/agent-orchestrator/internal/domain"
)

// progressChannelPrefix keys progress channels by work-item id.
const progressChannelPrefix = "orchestrator:progress:"

// updatesChannel carries work-item update records for dashboards.
const updatesChannel = "orchestrator:updates"

// Publisher implements domain.ProgressPublisher and domain.UpdateSink over
// Redis pub/sub.
type Publisher struct {
	client *redis.Client
}

// New constructs a Publisher connected to the given address.
func New(addr string) *Publisher {
	return NewWithClient(redis.NewClient(&redis.Options{Addr: addr}))
}

// NewWithClient constructs a Publisher over an existing client.
func NewWithClient(client *redis.Client) *Publisher {
	return &Publisher{client: client}
}

// PublishProgress fans a progress event out to the item's channel.
func (p *Publisher) PublishProgress(ctx domain.Context, ev domain.ProgressEvent) error {
	b, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("op=events.publish_progress: %w", err)
	}
	if err := p.client.Publish(ctx, ProgressChannel(ev.WorkItemID), b).Err(); err != nil {
		return fmt.Errorf("op=events.publish_progress: %w", err)
	}
	return nil
}

// RecordUpdate publishes a work-item update record to the shared updates
// channel.
func (p *Publisher) RecordUpdate(ctx domain.Context, itemID string, patch domain.WorkItemPatch) error {
	payload := struct {
		WorkItemID string               `json:"work_item_id"`
		Patch      domain.WorkItemPatch `json:"patch"`
	}{WorkItemID: itemID, Patch: patch}
	b, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("op=events.record_update: %w", err)
	}
	if err := p.client.Publish(ctx, updatesChannel, b).Err(); err != nil {
		return fmt.Errorf("op=events.record_update: %w", err)
	}
	return nil
}

// ProgressChannel returns the pub/sub channel for a work item's progress.
func ProgressChannel(itemID string) string {
	return progressChannelPrefix + itemID
}

// UpdatesChannel returns the shared updates channel name.
func UpdatesChannel() string { return updatesChannel }

// Ping verifies connectivity, for readiness checks.
func (p *Publisher) Ping(ctx context.Context) error {
	return p.client.Ping(ctx).Err()
}

// Close releases the underlying client.
func (p *Publisher) Close() error {
	return p.client.Close()
}
