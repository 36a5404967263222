package session

import (
	"brokergate/internal/broker"
	"brokergate/internal/config"
	"brokergate/internal/util"
)

// FromConfig builds a manager Config from the loaded broker and session
// sections.
func FromConfig(b config.Broker, s config.Session) Config {
	return Config{
		Endpoint:       broker.Endpoint{Host: b.Host, Port: b.Port, ClientID: b.ClientID},
		ConnectTimeout: s.ConnectTimeout,
		RequestTimeout: s.RequestTimeout,
		Backoff: util.Backoff{
			Base:   s.BackoffBase,
			Factor: s.BackoffFactor,
			Max:    s.BackoffMax,
			Jitter: s.BackoffJitter,
		},
		MaxRetries:        s.MaxRetries,
		MessagesPerSecond: s.MessagesPerSecond,
	}
}
