// Package hwbus implements the engine's ValveActuator and
// PressureSource capability interfaces over a Redis Pub/Sub link to
// the rig's I/O firmware, using the same request/response envelope
// the fleet's device router uses for its own command/response
// round-trips.
package hwbus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/holla2040/leakrig/internal/engine"
	"github.com/holla2040/leakrig/internal/protocol"
)

const defaultTimeout = 2 * time.Second

// Client is a Redis-backed ValveActuator + PressureSource. One Client
// serves the whole rig; callers are expected to route every write
// through engine.ValveGate and every read through engine.SampleBus,
// never call it directly.
type Client struct {
	rdb     *redis.Client
	source  protocol.Source
	station string
}

// New creates a Client publishing commands on "commands:<station>" and
// listening for correlated replies on "responses:<source.Instance>".
func New(rdb *redis.Client, source protocol.Source, station string) *Client {
	return &Client{rdb: rdb, source: source, station: station}
}

// SetChamberValves implements engine.ValveActuator.
func (c *Client) SetChamberValves(ctx context.Context, chamber int, inlet, outlet bool) error {
	req, err := protocol.NewValveCommandRequest(c.source, chamber, inlet, outlet)
	if err != nil {
		return fmt.Errorf("hwbus: build valve command: %w", err)
	}

	respMsg, err := c.roundTrip(ctx, req)
	if err != nil {
		return err
	}

	result, err := protocol.ParseValveCommandResult(respMsg)
	if err != nil {
		return fmt.Errorf("hwbus: parse valve command result: %w", err)
	}
	if !result.Success {
		msg := "valve command failed"
		if result.Error != nil {
			msg = result.Error.Message
		}
		return fmt.Errorf("hwbus: set chamber %d valves: %s", chamber, msg)
	}
	return nil
}

// ReadAll implements engine.PressureSource.
func (c *Client) ReadAll(ctx context.Context) ([engine.NumChambers]engine.Pressure, error) {
	var readings [engine.NumChambers]engine.Pressure

	req, err := protocol.NewPressureReadRequest(c.source)
	if err != nil {
		return readings, fmt.Errorf("hwbus: build pressure read request: %w", err)
	}

	respMsg, err := c.roundTrip(ctx, req)
	if err != nil {
		return readings, err
	}

	result, err := protocol.ParsePressureReadResult(respMsg)
	if err != nil {
		return readings, fmt.Errorf("hwbus: parse pressure read result: %w", err)
	}
	if result.Error != nil {
		return readings, fmt.Errorf("hwbus: read_pressures: %s", result.Error.Message)
	}
	if len(result.ReadingsMbar) != engine.NumChambers {
		return readings, fmt.Errorf("hwbus: read_pressures returned %d readings, want %d", len(result.ReadingsMbar), engine.NumChambers)
	}
	for i, v := range result.ReadingsMbar {
		readings[i] = engine.Pressure(v)
	}
	return readings, nil
}

// roundTrip publishes req and waits for the correlated response,
// mirroring the fleet's RedisRouter: subscribe before publish, match
// by correlation id, and honor ctx cancellation. Every response is
// validated against the protocol envelope rules before its payload is
// trusted.
func (c *Client) roundTrip(ctx context.Context, req *protocol.Message) (*protocol.Message, error) {
	req.Envelope.CorrelationID = req.Envelope.ID
	req.Envelope.ReplyTo = "responses:" + c.source.Instance

	data, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("hwbus: marshal message: %w", err)
	}

	sub := c.rdb.Subscribe(ctx, req.Envelope.ReplyTo)
	defer sub.Close()
	ch := sub.Channel()

	channelKey := "commands:" + c.station
	if err := c.rdb.Publish(ctx, channelKey, string(data)).Err(); err != nil {
		return nil, fmt.Errorf("hwbus: publish %s: %w", channelKey, err)
	}

	timer := time.NewTimer(defaultTimeout)
	defer timer.Stop()

	for {
		select {
		case subMsg, ok := <-ch:
			if !ok {
				return nil, fmt.Errorf("hwbus: response subscription closed")
			}
			respMsg, parseErr := protocol.Parse([]byte(subMsg.Payload))
			if parseErr != nil {
				continue
			}
			if respMsg.Envelope.CorrelationID != req.Envelope.CorrelationID {
				continue
			}
			if err := protocol.Validate(respMsg); err != nil {
				return nil, fmt.Errorf("hwbus: invalid response envelope: %w", err)
			}
			return respMsg, nil

		case <-timer.C:
			return nil, fmt.Errorf("hwbus: timeout waiting for %s response (correlation_id=%s)", req.Envelope.Type, req.Envelope.CorrelationID)

		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}
