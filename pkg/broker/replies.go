// SPDX-FileCopyrightText: Copyright 2025 Codemux Authors
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/codemux/codemux/pkg/logger"
	"github.com/codemux/codemux/pkg/wire"
)

// ReplyChannel names the pub/sub channel carrying replies for a connection.
// Workers publish to it; the process owning the connection subscribes.
func (b *Broker) ReplyChannel(connID string) string {
	return b.opts.KeyPrefix + "conn:" + connID
}

// PublishReply sends a frame to whatever process owns the connection behind
// channel. Replies are fire-and-forget: a reply published after the
// connection closed has no subscriber and is dropped, which is fine.
func (b *Broker) PublishReply(ctx context.Context, channel string, frame wire.Frame) error {
	data, err := json.Marshal(&frame)
	if err != nil {
		return fmt.Errorf("failed to marshal reply frame: %w", err)
	}
	if err := b.client.Publish(ctx, channel, data).Err(); err != nil {
		return fmt.Errorf("failed to publish reply: %w", err)
	}
	return nil
}

// ReplySubscription is a live subscription to one connection's replies.
type ReplySubscription struct {
	frames <-chan wire.Frame
	close  func() error
}

// Frames is the stream of reply frames. Closed when the subscription ends.
func (s *ReplySubscription) Frames() <-chan wire.Frame {
	return s.frames
}

// Close tears down the subscription.
func (s *ReplySubscription) Close() error {
	return s.close()
}

// SubscribeReplies opens a subscription for one connection's reply channel.
// Each registered connection gets its own subscription, opened at register
// time and closed at unregister.
func (b *Broker) SubscribeReplies(ctx context.Context, connID string) (*ReplySubscription, error) {
	sub := b.client.Subscribe(ctx, b.ReplyChannel(connID))
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("failed to subscribe to replies for %s: %w", connID, err)
	}

	frames := make(chan wire.Frame)
	go func() {
		defer close(frames)
		for msg := range sub.Channel() {
			var frame wire.Frame
			if err := json.Unmarshal([]byte(msg.Payload), &frame); err != nil {
				logger.Errorf("Discarding undecodable reply for %s: %v", connID, err)
				continue
			}
			select {
			case frames <- frame:
			case <-ctx.Done():
				return
			}
		}
	}()

	return &ReplySubscription{
		frames: frames,
		close:  sub.Close,
	}, nil
}
