package influxdb

import (
	"context"
	"fmt"
	"time"
)

// DeleteDevice removes every stored series for a device.
//
// Called when a device is deregistered. The credential delete has
// already committed by the time this runs, so failures here leave
// orphaned series behind rather than blocking the deregistration;
// the caller logs and moves on.
//
// Parameters:
//   - ctx: Context for cancellation and timeout
//   - deviceID: Device whose series to remove
//
// Returns:
//   - error: nil on success, otherwise the delete error
func (c *Client) DeleteDevice(ctx context.Context, deviceID int64) error {
	if c == nil || !c.IsConnected() {
		return ErrNotConnected
	}

	predicate := fmt.Sprintf("_measurement=%q", measurementName(deviceID))
	err := c.client.DeleteAPI().DeleteWithName(
		ctx,
		c.cfg.Org,
		c.cfg.Bucket,
		time.Unix(0, 0),
		time.Now().Add(time.Hour),
		predicate,
	)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrDeleteFailed, err)
	}

	// Drop local type pins so a future device reusing the id is not
	// held to the dead device's schema.
	c.registry.forget(deviceID)

	return nil
}
