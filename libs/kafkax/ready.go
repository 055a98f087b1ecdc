package kafkax

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
)

// ReadyCheck succeeds once any configured broker accepts a connection and reports its
// controller, so a single dead broker does not fail readiness.
func ReadyCheck(brokers string) func(context.Context) error {
	list := SplitBrokers(brokers)
	return func(ctx context.Context) error {
		if len(list) == 0 {
			return errors.New("kafka brokers not configured")
		}
		dialer := kafka.Dialer{Timeout: 2 * time.Second}
		var errs []error
		for _, addr := range list {
			conn, err := dialer.DialContext(ctx, "tcp", addr)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", addr, err))
				continue
			}
			_, err = conn.Controller()
			_ = conn.Close()
			if err == nil {
				return nil
			}
			errs = append(errs, fmt.Errorf("%s: controller: %w", addr, err))
		}
		return errors.Join(errs...)
	}
}
