package main

import (
	"fmt"
	"strconv"
	"time"

	"github.com/glimte/amqpull"
	"github.com/glimte/amqpull/internal/config"
)

func consumeOptions(cfg config.Consumer) []amqpull.ConsumeOption {
	return []amqpull.ConsumeOption{
		amqpull.WithWaitForMessages(cfg.WaitForMessages),
		amqpull.WithConsumeTimeout(cfg.Timeout),
		amqpull.WithAutoAck(cfg.NoAck),
		amqpull.WithExclusive(cfg.Exclusive),
	}
}

// parseTimeout accepts a duration such as 1.5s or a bare number of milliseconds
func parseTimeout(value string) (time.Duration, error) {
	if ms, err := strconv.ParseInt(value, 10, 64); err == nil {
		if ms < 0 {
			return 0, fmt.Errorf("invalid timeout %q: must not be negative", value)
		}
		return time.Duration(ms) * time.Millisecond, nil
	}

	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid timeout %q: %w", value, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("invalid timeout %q: must not be negative", value)
	}
	return d, nil
}
