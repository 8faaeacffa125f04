package sink

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"
)

// NATSConfig configures a NATS subject sink
type NATSConfig struct {
	URL     string
	Subject string
	Name    string

	// FlushTimeout bounds the server acknowledgement when the caller's
	// context has no deadline. Defaults to 5s.
	FlushTimeout time.Duration
}

// NATSSink publishes encoded envelopes to a NATS subject
type NATSSink struct {
	conn         *nats.Conn
	subject      string
	flushTimeout time.Duration
}

// NewNATSSink connects to NATS
func NewNATSSink(cfg NATSConfig) (*NATSSink, error) {
	name := cfg.Name
	if name == "" {
		name = "sz-sqs-consumer"
	}

	conn, err := nats.Connect(cfg.URL,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn().Err(err).Msg("NATS sink disconnected")
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info().Str("url", c.ConnectedUrl()).Msg("NATS sink reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", cfg.URL, err)
	}

	flushTimeout := cfg.FlushTimeout
	if flushTimeout <= 0 {
		flushTimeout = 5 * time.Second
	}

	return &NATSSink{
		conn:         conn,
		subject:      cfg.Subject,
		flushTimeout: flushTimeout,
	}, nil
}

// Send publishes the envelope and flushes so the server has accepted it
// before returning
func (s *NATSSink) Send(ctx context.Context, env *Envelope) error {
	data, err := env.Encode()
	if err != nil {
		return fmt.Errorf("failed to encode envelope: %w", err)
	}

	msg := nats.NewMsg(s.subject)
	msg.Data = data
	msg.Header.Set("Kind", string(env.Kind))
	if env.MessageID != "" {
		msg.Header.Set("Original-Message-Id", env.MessageID)
	}

	if err := s.conn.PublishMsg(msg); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", s.subject, err)
	}
	// FlushWithContext rejects contexts without a deadline
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.flushTimeout)
		defer cancel()
	}
	if err := s.conn.FlushWithContext(ctx); err != nil {
		return fmt.Errorf("failed to flush NATS publish: %w", err)
	}
	return nil
}

// Name returns the sink name
func (s *NATSSink) Name() string {
	return "nats"
}

// Close drains the connection
func (s *NATSSink) Close() error {
	return s.conn.Drain()
}
