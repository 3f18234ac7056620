package hdrivetcp

import (
	"context"

	"github.com/soypat/hdrive"
)

// MotionOption overrides one field of a motion command.
type MotionOption func(*hdrive.CommandFrame)

// WithSpeed sets the speed field.
func WithSpeed(speed int32) MotionOption {
	return func(f *hdrive.CommandFrame) { f.Speed = speed }
}

// WithTorque sets the torque field, 1000 is 100%.
func WithTorque(torque int32) MotionOption {
	return func(f *hdrive.CommandFrame) { f.Torque = torque }
}

// WithAcc sets the acceleration ramp.
func WithAcc(acc int32) MotionOption {
	return func(f *hdrive.CommandFrame) { f.Acc = acc }
}

// WithDecc sets the deceleration ramp.
func WithDecc(decc int32) MotionOption {
	return func(f *hdrive.CommandFrame) { f.Decc = decc }
}

// MoveTo moves to an absolute position in degrees. Speed, torque limit and
// ramps come from the configured MotionDefaults unless overridden.
func (c *Client) MoveTo(ctx context.Context, degrees float64, opts ...MotionOption) error {
	d := c.cfg.Defaults
	frame := hdrive.CommandFrame{
		Mode:     hdrive.ModePosition,
		Position: hdrive.DegreesToPosition(degrees),
		Speed:    d.Speed,
		Torque:   d.Torque,
		Acc:      d.Acc,
		Decc:     d.Decc,
	}
	return c.command(ctx, frame, opts)
}

// SetSpeed runs at a constant speed. The position field is sent as zero.
func (c *Client) SetSpeed(ctx context.Context, speed int32, opts ...MotionOption) error {
	d := c.cfg.Defaults
	frame := hdrive.CommandFrame{
		Mode:   hdrive.ModeVelocity,
		Speed:  speed,
		Torque: d.Torque,
		Acc:    d.Acc,
		Decc:   d.Decc,
	}
	return c.command(ctx, frame, opts)
}

// SetTorque runs in torque mode. Position, speed and ramps are sent as zero
// unless overridden.
func (c *Client) SetTorque(ctx context.Context, torque int32, opts ...MotionOption) error {
	frame := hdrive.CommandFrame{
		Mode:   hdrive.ModeTorque,
		Torque: torque,
	}
	return c.command(ctx, frame, opts)
}

// Stop commands the drive to disable. Every other field is zero.
func (c *Client) Stop(ctx context.Context) error {
	return c.command(ctx, hdrive.CommandFrame{Mode: hdrive.ModeDisable}, nil)
}

// Disable lets the motor free-wheel. It sends the same frame as Stop.
func (c *Client) Disable(ctx context.Context) error {
	return c.Stop(ctx)
}

// SendRaw sends frame as is.
func (c *Client) SendRaw(ctx context.Context, frame hdrive.CommandFrame) error {
	return c.command(ctx, frame, nil)
}

func (c *Client) command(ctx context.Context, frame hdrive.CommandFrame, opts []MotionOption) error {
	if !c.connected.Load() {
		return hdrive.ErrNotConnected
	}
	for _, opt := range opts {
		opt(&frame)
	}
	return c.sendCommand(ctx, frame)
}
