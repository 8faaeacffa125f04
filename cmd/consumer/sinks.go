package main

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"go.sqsresolver.dev/internal/config"
	sqsqueue "go.sqsresolver.dev/internal/queue/sqs"
	"go.sqsresolver.dev/internal/sink"
)

// buildSink creates the sink described by cfg. It returns nil for type
// "none" and, for a discovered SQS dead-letter queue, when the source queue
// has no redrive policy.
func buildSink(ctx context.Context, role string, cfg config.SinkConfig, q *sqsqueue.Client) (sink.Sink, error) {
	switch cfg.Type {
	case "", "none":
		return nil, nil

	case "log":
		return sink.NewLogSink(), nil

	case "sqs":
		queueURL := cfg.QueueURL
		if queueURL == "" && cfg.Discover {
			discovered, err := q.DeadLetterURL(ctx)
			if err != nil {
				return nil, fmt.Errorf("%s: failed to discover dead-letter queue: %w", role, err)
			}
			if discovered == "" {
				log.Warn().Str("role", role).Msg("Source queue has no redrive policy, no dead-letter queue configured")
				return nil, nil
			}
			queueURL = discovered
		}
		if queueURL == "" {
			return nil, fmt.Errorf("%s: sqs sink requires queue_url", role)
		}
		resolved, err := sqsqueue.QueueURLFromARN(queueURL)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", role, err)
		}
		return q.Publisher(resolved), nil

	case "redis":
		key := cfg.RedisKey
		if key == "" {
			key = "sz-sqs-consumer:" + role
		}
		s, err := sink.NewRedisSink(ctx, sink.RedisConfig{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			Key:      key,
			MaxLen:   cfg.RedisMaxLen,
		})
		if err != nil {
			return nil, fmt.Errorf("%s: %w", role, err)
		}
		return s, nil

	case "nats":
		subject := cfg.NATSSubject
		if subject == "" {
			subject = "sz-sqs-consumer." + role
		}
		s, err := sink.NewNATSSink(sink.NATSConfig{
			URL:     cfg.NATSURL,
			Subject: subject,
			Name:    "sz-sqs-consumer-" + role,
		})
		if err != nil {
			return nil, fmt.Errorf("%s: %w", role, err)
		}
		return s, nil

	case "mongo":
		collection := cfg.MongoCollection
		if collection == "" {
			collection = role
		}
		database := cfg.MongoDatabase
		if database == "" {
			database = "sz_sqs_consumer"
		}
		s, err := sink.NewMongoSink(ctx, sink.MongoConfig{
			URI:        cfg.MongoURI,
			Database:   database,
			Collection: collection,
		})
		if err != nil {
			return nil, fmt.Errorf("%s: %w", role, err)
		}
		return s, nil

	default:
		return nil, fmt.Errorf("%s: unknown sink type %q", role, cfg.Type)
	}
}
