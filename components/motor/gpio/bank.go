package gpio

import (
	"context"

	"github.com/pkg/errors"
	"go.uber.org/multierr"

	"go.smars.dev/robot/components/board"
	"go.smars.dev/robot/components/motor"
	"go.smars.dev/robot/logging"
)

// ErrHardwareInit is returned when the motor pins cannot be acquired or initialized.
var ErrHardwareInit = errors.New("motor hardware initialization failed")

// BankConfig describes both channels of the bank.
type BankConfig struct {
	Left  ChannelConfig `json:"left"`
	Right ChannelConfig `json:"right"`
}

// Validate ensures all parts of the config are valid.
func (conf *BankConfig) Validate(path string) error {
	if err := conf.Left.Validate(path + ".left"); err != nil {
		return err
	}
	return conf.Right.Validate(path + ".right")
}

// A Bank owns the two channels of a differential drive.
type Bank struct {
	channels [2]*Channel
	logger   logging.Logger
}

// NewBank acquires every configured pin and leaves the bank stopped. On any failure the
// channels acquired so far are stopped and an error wrapping ErrHardwareInit is returned.
func NewBank(ctx context.Context, b board.Board, conf BankConfig, logger logging.Logger) (*Bank, error) {
	bank := &Bank{logger: logger}
	for i, chConf := range []ChannelConfig{conf.Left, conf.Right} {
		ch, err := newChannelFromBoard(ctx, b, chConf)
		if err != nil {
			bank.StopAll(ctx)
			return nil, errors.Wrapf(ErrHardwareInit, "%s channel: %v", motor.Channels[i], err)
		}
		bank.channels[i] = ch
	}
	for i, ch := range bank.channels {
		if err := ch.Stop(ctx); err != nil {
			bank.StopAll(ctx)
			return nil, errors.Wrapf(ErrHardwareInit, "%s channel: %v", motor.Channels[i], err)
		}
	}
	return bank, nil
}

// NewBankFromChannels builds a bank around already wired channels.
func NewBankFromChannels(left, right *Channel, logger logging.Logger) *Bank {
	return &Bank{channels: [2]*Channel{left, right}, logger: logger}
}

func newChannelFromBoard(ctx context.Context, b board.Board, conf ChannelConfig) (*Channel, error) {
	forward, err := b.GPIOPinByName(conf.Forward)
	if err != nil {
		return nil, err
	}
	backward, err := b.GPIOPinByName(conf.Backward)
	if err != nil {
		return nil, err
	}
	var pwm board.GPIOPin
	if conf.PWM != "" {
		if pwm, err = b.GPIOPinByName(conf.PWM); err != nil {
			return nil, err
		}
		if conf.PWMFreq != 0 {
			if err := pwm.SetPWMFreq(ctx, conf.PWMFreq); err != nil {
				return nil, err
			}
		}
	}
	return NewChannel(forward, backward, pwm, conf.Invert), nil
}

// Channel returns one channel of the bank.
func (b *Bank) Channel(ch motor.Channel) (*Channel, error) {
	if ch != motor.LeftChannel && ch != motor.RightChannel {
		return nil, errors.Errorf("unknown motor channel %d", ch)
	}
	return b.channels[ch], nil
}

// SetDirection drives one channel.
func (b *Bank) SetDirection(ctx context.Context, ch motor.Channel, dir motor.Direction, speed motor.Speed) error {
	c, err := b.Channel(ch)
	if err != nil {
		return err
	}
	if err := c.Set(ctx, dir, speed); err != nil {
		return errors.Wrapf(err, "%s channel", ch)
	}
	return nil
}

// StopAll clears every channel. Failures are logged and never stop the remaining pins from
// being cleared.
func (b *Bank) StopAll(ctx context.Context) {
	var errs error
	for i, c := range b.channels {
		if c == nil {
			continue
		}
		if err := c.Stop(ctx); err != nil {
			errs = multierr.Append(errs, errors.Wrapf(err, "%s channel", motor.Channels[i]))
		}
	}
	if errs != nil {
		b.logger.Errorw("failed to stop all motors", "error", errs)
	}
}
