package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// Keys and channels used by the tracker.
const (
	StateKey        = "tracker"
	LocationKey     = "tracker:location"
	DownlinkChannel = "tracker:downlink"
	CommandChannel  = "tracker:command"
)

// Client wraps the Redis client with the tracker's publish helpers
type Client struct {
	client *redis.Client
	logger logrus.FieldLogger
}

// New creates a new Redis client
func New(redisURL string, logger logrus.FieldLogger) (*Client, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %v", err)
	}

	return &Client{
		client: redis.NewClient(opt),
		logger: logger.WithField("component", "redis"),
	}, nil
}

// Ping checks if the Redis server is reachable
func (c *Client) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// PublishState sets one field of the tracker hash and announces the field name.
func (c *Client) PublishState(ctx context.Context, field, value string) error {
	pipe := c.client.Pipeline()
	pipe.HSet(ctx, StateKey, field, value)
	pipe.Publish(ctx, StateKey, field)
	if _, err := pipe.Exec(ctx); err != nil {
		c.logger.Warnf("Unable to set %s.%s in redis: %v", StateKey, field, err)
		return fmt.Errorf("cannot write to redis: %v", err)
	}
	return nil
}

// PublishStates sets several fields of the tracker hash in one round trip.
func (c *Client) PublishStates(ctx context.Context, fields map[string]interface{}) error {
	if len(fields) == 0 {
		return nil
	}
	pipe := c.client.Pipeline()
	pipe.HSet(ctx, StateKey, fields)
	for field := range fields {
		pipe.Publish(ctx, StateKey, field)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		c.logger.Warnf("Unable to set %s in redis: %v", StateKey, err)
		return fmt.Errorf("cannot write to redis: %v", err)
	}
	return nil
}

// PublishLocation stores the latest scan result and publishes "updated".
func (c *Client) PublishLocation(ctx context.Context, data map[string]interface{}) error {
	fields := make(map[string]interface{}, len(data)+1)
	for k, v := range data {
		fields[k] = v
	}
	fields["updated"] = time.Now().UTC().Format(time.RFC3339)

	pipe := c.client.Pipeline()
	pipe.Del(ctx, LocationKey)
	pipe.HSet(ctx, LocationKey, fields)
	pipe.Publish(ctx, LocationKey, "updated")
	if _, err := pipe.Exec(ctx); err != nil {
		c.logger.Warnf("Unable to set location in redis: %v", err)
		return fmt.Errorf("cannot write location to redis: %v", err)
	}
	return nil
}

// PublishDownlink forwards a received message as hex on the downlink channel.
func (c *Client) PublishDownlink(ctx context.Context, payloadHex string) error {
	pipe := c.client.Pipeline()
	pipe.HSet(ctx, StateKey, "last-downlink", payloadHex)
	pipe.Publish(ctx, DownlinkChannel, payloadHex)
	if _, err := pipe.Exec(ctx); err != nil {
		c.logger.Warnf("Unable to publish downlink: %v", err)
		return fmt.Errorf("cannot write downlink to redis: %v", err)
	}
	return nil
}

// StartCommandHandler subscribes to the command channel and calls handle
// for every message until ctx is cancelled.
func (c *Client) StartCommandHandler(ctx context.Context, handle func(string)) error {
	sub := c.client.Subscribe(ctx, CommandChannel)
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return fmt.Errorf("cannot subscribe to %s: %v", CommandChannel, err)
	}

	go func() {
		defer sub.Close()
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				c.logger.Debugf("Command received: %q", msg.Payload)
				handle(msg.Payload)
			}
		}
	}()
	c.logger.Infof("Listening for commands on %s", CommandChannel)
	return nil
}

// Close closes the Redis client
func (c *Client) Close() error {
	return c.client.Close()
}
