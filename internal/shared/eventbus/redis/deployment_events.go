// Package redis DeploymentEvents 事件总线操作
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"

	"ray-deployer/internal/shared/eventbus"
	"ray-deployer/internal/shared/model"
)

func streamKey(deploymentID string) string {
	return eventbus.KeyDeploymentEvents + deploymentID
}

// PublishStepEvent 发布部署步骤事件
func (s *Store) PublishStepEvent(ctx context.Context, event *eventbus.StepEvent) error {
	values := map[string]interface{}{
		"type":      event.Type,
		"timestamp": event.Timestamp.Format(time.RFC3339Nano),
		"status":    string(event.Status),
	}
	if event.Step != nil {
		stepJSON, err := json.Marshal(event.Step)
		if err != nil {
			return fmt.Errorf("failed to marshal step: %w", err)
		}
		values["step"] = string(stepJSON)
	}

	id, err := s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: streamKey(event.DeploymentID),
		MaxLen: eventbus.MaxStreamLength,
		Approx: true,
		Values: values,
	}).Result()
	if err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}
	event.ID = id

	log.Printf("[Redis/EventBus] Published event: %s seq=%s type=%s", event.DeploymentID, id, event.Type)
	return nil
}

// GetStepEvents 获取 fromID 之后的事件（fromID 为空时从头开始）
func (s *Store) GetStepEvents(ctx context.Context, deploymentID string, fromID string, count int64) ([]*eventbus.StepEvent, error) {
	start := "-"
	if fromID != "" {
		start = "(" + fromID
	}

	var msgs []redis.XMessage
	var err error
	if count > 0 {
		msgs, err = s.client.XRangeN(ctx, streamKey(deploymentID), start, "+", count).Result()
	} else {
		msgs, err = s.client.XRange(ctx, streamKey(deploymentID), start, "+").Result()
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get events: %w", err)
	}

	events := make([]*eventbus.StepEvent, 0, len(msgs))
	for _, msg := range msgs {
		events = append(events, decodeMessage(deploymentID, msg))
	}
	return events, nil
}

// SubscribeStepEvents 订阅部署的后续事件
func (s *Store) SubscribeStepEvents(ctx context.Context, deploymentID string) (<-chan *eventbus.StepEvent, error) {
	key := streamKey(deploymentID)
	ch := make(chan *eventbus.StepEvent, 100)

	go func() {
		defer close(ch)
		lastID := "$"

		for {
			select {
			case <-ctx.Done():
				return
			default:
			}

			streams, err := s.client.XRead(ctx, &redis.XReadArgs{
				Streams: []string{key, lastID},
				Count:   10,
				Block:   5 * time.Second,
			}).Result()
			if err != nil {
				if errors.Is(err, redis.Nil) {
					continue
				}
				if ctx.Err() == nil {
					log.Printf("[Redis/EventBus] Event subscription error: %v", err)
				}
				return
			}

			for _, stream := range streams {
				for _, msg := range stream.Messages {
					select {
					case ch <- decodeMessage(deploymentID, msg):
						lastID = msg.ID
					case <-ctx.Done():
						return
					}
				}
			}
		}
	}()

	return ch, nil
}

// DeleteStepEvents 删除部署事件流
func (s *Store) DeleteStepEvents(ctx context.Context, deploymentID string) error {
	return s.client.Del(ctx, streamKey(deploymentID)).Err()
}

func decodeMessage(deploymentID string, msg redis.XMessage) *eventbus.StepEvent {
	event := &eventbus.StepEvent{ID: msg.ID, DeploymentID: deploymentID}
	if t, ok := msg.Values["type"].(string); ok {
		event.Type = t
	}
	if st, ok := msg.Values["status"].(string); ok {
		event.Status = model.DeploymentStatus(st)
	}
	if ts, ok := msg.Values["timestamp"].(string); ok {
		if t, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			event.Timestamp = t
		}
	}
	if raw, ok := msg.Values["step"].(string); ok {
		var step model.DeploymentStep
		if err := json.Unmarshal([]byte(raw), &step); err == nil {
			event.Step = &step
		}
	}
	return event
}
