package telemetry

import (
	"fmt"

	"go.uber.org/multierr"

	"beerery/internal/config"
)

// Hooks lets the caller observe the configured sinks.
type Hooks struct {
	OnDrop  func(name string)
	OnError func(name string, err error)
}

var openSQLiteFn = func(path string) (Sink, error) { return OpenSQLite(path) }

// FromConfig opens every configured log, each behind its own Async queue.
// On error, sinks opened so far are closed.
func FromConfig(logs []config.LogConfig, hooks Hooks) ([]*Async, error) {
	var out []*Async
	closeAll := func() error {
		var err error
		for _, a := range out {
			err = multierr.Append(err, a.Close())
		}
		return err
	}

	for i, l := range logs {
		var (
			sink Sink
			err  error
		)
		switch l.Type {
		case config.LogSQLite:
			sink, err = openSQLiteFn(l.Path)
		case config.LogMQTT:
			c, derr := dialMQTTFn(l.Broker, l.ClientID)
			if derr != nil {
				err = derr
				break
			}
			sink = NewMQTT(c, l.Topic, l.QoS)
		case config.LogKafka:
			sink = NewKafka(l.Brokers, l.Topic)
		default:
			err = fmt.Errorf("telemetry: logs[%d].type %q is unknown", i, l.Type)
		}
		if err != nil {
			return nil, multierr.Append(err, closeAll())
		}
		a := NewAsync(fmt.Sprintf("%s#%d", l.Type, i), sink, l.QueueSize)
		a.OnDrop = hooks.OnDrop
		a.OnError = hooks.OnError
		out = append(out, a)
	}
	return out, nil
}
