package client

import "time"

// Config tunes delivery and reconnection.
type Config struct {
	// AckTimeout bounds each send attempt.
	AckTimeout time.Duration
	// MaxAttempts counts the first send plus retries.
	MaxAttempts int
	// RetryBaseDelay is multiplied by the retry number before resending.
	RetryBaseDelay time.Duration

	JoinTimeout          time.Duration
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	MaxReconnectAttempts int

	// EventBuffer sizes the Events channel. Events are dropped when it is full.
	EventBuffer int
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		AckTimeout:           15 * time.Second,
		MaxAttempts:          3,
		RetryBaseDelay:       time.Second,
		JoinTimeout:          10 * time.Second,
		ReconnectBaseDelay:   time.Second,
		ReconnectMaxDelay:    30 * time.Second,
		MaxReconnectAttempts: 5,
		EventBuffer:          256,
	}
}

func (c Config) sanitize() Config {
	def := DefaultConfig()
	if c.AckTimeout <= 0 {
		c.AckTimeout = def.AckTimeout
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = def.MaxAttempts
	}
	if c.RetryBaseDelay <= 0 {
		c.RetryBaseDelay = def.RetryBaseDelay
	}
	if c.JoinTimeout <= 0 {
		c.JoinTimeout = def.JoinTimeout
	}
	if c.ReconnectBaseDelay <= 0 {
		c.ReconnectBaseDelay = def.ReconnectBaseDelay
	}
	if c.ReconnectMaxDelay <= 0 {
		c.ReconnectMaxDelay = def.ReconnectMaxDelay
	}
	if c.MaxReconnectAttempts <= 0 {
		c.MaxReconnectAttempts = def.MaxReconnectAttempts
	}
	if c.EventBuffer <= 0 {
		c.EventBuffer = def.EventBuffer
	}
	return c
}

// reconnectDelay is attempt × base, capped at max.
func (c Config) reconnectDelay(attempt int) time.Duration {
	delay := time.Duration(attempt) * c.ReconnectBaseDelay
	if delay > c.ReconnectMaxDelay {
		return c.ReconnectMaxDelay
	}
	return delay
}
