package sqs

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"go.sqsresolver.dev/internal/sink"
)

// Publisher sends sink envelopes to an SQS queue
type Publisher struct {
	client   *Client
	queueURL string
}

var _ sink.Sink = (*Publisher)(nil)

// Publisher returns a sink that writes to queueURL using this client's
// connection and retry policy
func (c *Client) Publisher(queueURL string) *Publisher {
	return &Publisher{
		client:   c,
		queueURL: queueURL,
	}
}

// Send encodes the envelope and sends it as a message body. The source
// message ID and kind travel as message attributes.
func (p *Publisher) Send(ctx context.Context, env *sink.Envelope) error {
	data, err := env.Encode()
	if err != nil {
		return fmt.Errorf("failed to encode envelope: %w", err)
	}

	input := &sqs.SendMessageInput{
		QueueUrl:    aws.String(p.queueURL),
		MessageBody: aws.String(string(data)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"Kind": {
				DataType:    aws.String("String"),
				StringValue: aws.String(string(env.Kind)),
			},
		},
	}
	if env.MessageID != "" {
		input.MessageAttributes["OriginalMessageId"] = types.MessageAttributeValue{
			DataType:    aws.String("String"),
			StringValue: aws.String(env.MessageID),
		}
	}

	err = p.client.retry(ctx, "send", p.client.config.CallTimeout, func(callCtx context.Context) error {
		_, err := p.client.sqs.SendMessage(callCtx, input)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to send SQS message: %w", err)
	}
	return nil
}

// Name returns the sink name
func (p *Publisher) Name() string {
	return "sqs"
}

// QueueURL returns the destination queue URL
func (p *Publisher) QueueURL() string {
	return p.queueURL
}

// Close is a no-op; the connection belongs to the client
func (p *Publisher) Close() error {
	return nil
}
