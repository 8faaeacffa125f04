// Package sqs provides the AWS SQS implementation of the queue client
package sqs

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"

	"go.sqsresolver.dev/internal/common/metrics"
	"go.sqsresolver.dev/internal/queue"
)

// SQSClientAPI defines the interface for SQS client operations (for testing)
type SQSClientAPI interface {
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
	ChangeMessageVisibility(ctx context.Context, params *sqs.ChangeMessageVisibilityInput, optFns ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error)
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	GetQueueAttributes(ctx context.Context, params *sqs.GetQueueAttributesInput, optFns ...func(*sqs.Options)) (*sqs.GetQueueAttributesOutput, error)
}

// SQS service limits
const (
	MaxVisibilitySeconds = 43200 // 12 hours
	MaxWaitTimeSeconds   = 20
	MaxBatchSize         = 10
)

// Config holds SQS client configuration
type Config struct {
	// QueueURL of the work queue
	QueueURL string

	// Region overrides the region from the default AWS chain
	Region string

	// VisibilityTimeout applied to received messages (0 = queue default)
	VisibilityTimeout time.Duration

	// CallTimeout bounds a single SQS API call (long polls add their wait time)
	CallTimeout time.Duration

	// MaxAttempts is the total number of attempts per call, including the first
	MaxAttempts int

	// InitialBackoff and MaxBackoff bound the exponential retry delay
	InitialBackoff time.Duration
	MaxBackoff     time.Duration

	// CustomEndpoint is used for LocalStack/testing
	CustomEndpoint string
	// AccessKeyID for custom credentials (optional, for testing)
	AccessKeyID string
	// SecretAccessKey for custom credentials (optional, for testing)
	SecretAccessKey string
}

// DefaultConfig returns sensible defaults
func DefaultConfig() *Config {
	return &Config{
		VisibilityTimeout: 10 * time.Minute,
		CallTimeout:       10 * time.Second,
		MaxAttempts:       5,
		InitialBackoff:    200 * time.Millisecond,
		MaxBackoff:        10 * time.Second,
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.CallTimeout <= 0 {
		c.CallTimeout = d.CallTimeout
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = d.InitialBackoff
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = d.MaxBackoff
	}
}

// Client provides the queue.Client operations on top of SQS
type Client struct {
	sqs        SQSClientAPI
	config     *Config
	newBackOff func() backoff.BackOff
}

var _ queue.Client = (*Client)(nil)

// NewClient creates a new SQS client from the default AWS configuration chain.
// The SDK retryer is limited to a single attempt so the client's own backoff
// policy is the only one in effect.
func NewClient(ctx context.Context, cfg *Config) (*Client, error) {
	opts := []func(*config.LoadOptions) error{
		config.WithRetryMaxAttempts(1),
	}
	if cfg.Region != "" {
		opts = append(opts, config.WithRegion(cfg.Region))
	}
	if cfg.CustomEndpoint != "" && cfg.AccessKeyID != "" {
		opts = append(opts, config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.AccessKeyID, cfg.SecretAccessKey, "",
		)))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	var sqsOpts []func(*sqs.Options)
	if cfg.CustomEndpoint != "" {
		sqsOpts = append(sqsOpts, func(o *sqs.Options) {
			o.BaseEndpoint = aws.String(cfg.CustomEndpoint)
		})
	}

	return NewClientWithAPI(sqs.NewFromConfig(awsCfg, sqsOpts...), cfg), nil
}

// NewClientWithAPI creates a client over an existing SQS API implementation
func NewClientWithAPI(api SQSClientAPI, cfg *Config) *Client {
	cfg.applyDefaults()
	c := &Client{
		sqs:    api,
		config: cfg,
	}
	c.newBackOff = func() backoff.BackOff {
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = c.config.InitialBackoff
		b.MaxInterval = c.config.MaxBackoff
		b.MaxElapsedTime = 0
		return b
	}
	return c
}

// QueueURL returns the configured queue URL
func (c *Client) QueueURL() string {
	return c.config.QueueURL
}

// Receive long-polls the queue for up to maxMessages messages
func (c *Client) Receive(ctx context.Context, maxMessages int, waitTime time.Duration) ([]queue.RawMessage, error) {
	if maxMessages < 1 {
		maxMessages = 1
	}
	if maxMessages > MaxBatchSize {
		maxMessages = MaxBatchSize
	}
	waitSeconds := int32(waitTime / time.Second)
	if waitSeconds < 0 {
		waitSeconds = 0
	}
	if waitSeconds > MaxWaitTimeSeconds {
		waitSeconds = MaxWaitTimeSeconds
	}

	input := &sqs.ReceiveMessageInput{
		QueueUrl:              aws.String(c.config.QueueURL),
		MaxNumberOfMessages:   int32(maxMessages),
		WaitTimeSeconds:       waitSeconds,
		MessageAttributeNames: []string{"All"},
		MessageSystemAttributeNames: []types.MessageSystemAttributeName{
			types.MessageSystemAttributeNameApproximateReceiveCount,
			types.MessageSystemAttributeNameSentTimestamp,
		},
	}
	if c.config.VisibilityTimeout > 0 {
		input.VisibilityTimeout = clampVisibility(c.config.VisibilityTimeout)
	}

	var result *sqs.ReceiveMessageOutput
	timeout := c.config.CallTimeout + time.Duration(waitSeconds)*time.Second
	err := c.retry(ctx, "receive", timeout, func(callCtx context.Context) error {
		var err error
		result, err = c.sqs.ReceiveMessage(callCtx, input)
		return err
	})
	if err != nil {
		return nil, err
	}

	messages := make([]queue.RawMessage, 0, len(result.Messages))
	for _, msg := range result.Messages {
		messages = append(messages, toRawMessage(msg))
	}
	metrics.QueueMessagesReceived.Add(float64(len(messages)))

	return messages, nil
}

// Delete deletes a message from the queue
func (c *Client) Delete(ctx context.Context, receiptHandle string) error {
	input := &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(c.config.QueueURL),
		ReceiptHandle: aws.String(receiptHandle),
	}

	err := c.retry(ctx, "delete", c.config.CallTimeout, func(callCtx context.Context) error {
		_, err := c.sqs.DeleteMessage(callCtx, input)
		return err
	})
	if err != nil {
		if isReceiptHandleExpiredError(err) {
			metrics.QueueDeletes.WithLabelValues("not_found").Inc()
			return fmt.Errorf("delete message: %w", queue.ErrNotFound)
		}
		metrics.QueueDeletes.WithLabelValues("error").Inc()
		return err
	}

	metrics.QueueDeletes.WithLabelValues("ok").Inc()
	log.Debug().Str("receiptHandle", truncateHandle(receiptHandle)).Msg("SQS message deleted successfully")
	return nil
}

// ExtendVisibility changes the message visibility timeout
func (c *Client) ExtendVisibility(ctx context.Context, receiptHandle string, d time.Duration) error {
	input := &sqs.ChangeMessageVisibilityInput{
		QueueUrl:          aws.String(c.config.QueueURL),
		ReceiptHandle:     aws.String(receiptHandle),
		VisibilityTimeout: clampVisibility(d),
	}

	err := c.retry(ctx, "extend_visibility", c.config.CallTimeout, func(callCtx context.Context) error {
		_, err := c.sqs.ChangeMessageVisibility(callCtx, input)
		return err
	})
	if err != nil {
		if isReceiptHandleExpiredError(err) {
			metrics.QueueVisibilityExtensions.WithLabelValues("expired").Inc()
			return fmt.Errorf("change visibility: %w", queue.ErrExpired)
		}
		metrics.QueueVisibilityExtensions.WithLabelValues("error").Inc()
		return err
	}

	metrics.QueueVisibilityExtensions.WithLabelValues("ok").Inc()
	log.Debug().
		Str("receiptHandle", truncateHandle(receiptHandle)).
		Int32("timeout", input.VisibilityTimeout).
		Msg("Changed message visibility")
	return nil
}

// retry runs fn with exponential backoff until it succeeds, fails terminally,
// or exhausts MaxAttempts. Any returned error other than a context error is a
// *queue.TransportError.
func (c *Client) retry(ctx context.Context, op string, timeout time.Duration, fn func(context.Context) error) error {
	attempts := 0
	operation := func() error {
		attempts++
		callCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		err := fn(callCtx)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		if !isRetryableError(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	b := backoff.WithContext(
		backoff.WithMaxRetries(c.newBackOff(), uint64(c.config.MaxAttempts-1)),
		ctx,
	)

	err := backoff.RetryNotify(operation, b, func(err error, next time.Duration) {
		metrics.QueueCallRetries.WithLabelValues(op).Inc()
		log.Warn().
			Err(err).
			Str("op", op).
			Int("attempt", attempts).
			Dur("backoff", next).
			Msg("SQS call failed, retrying")
	})
	if err == nil {
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}

	metrics.QueueTransportErrors.WithLabelValues(op).Inc()
	return &queue.TransportError{Op: op, Attempts: attempts, Err: err}
}

// HealthCheck verifies that the SQS queue is accessible
func (c *Client) HealthCheck(ctx context.Context) error {
	input := &sqs.GetQueueAttributesInput{
		QueueUrl: aws.String(c.config.QueueURL),
		AttributeNames: []types.QueueAttributeName{
			types.QueueAttributeNameApproximateNumberOfMessages,
		},
	}

	_, err := c.sqs.GetQueueAttributes(ctx, input)
	return err
}

// CheckConnectivity implements health.BrokerConnectivityChecker
func (c *Client) CheckConnectivity(ctx context.Context) error {
	return c.HealthCheck(ctx)
}

// CheckQueueAccessible implements health.BrokerConnectivityChecker
func (c *Client) CheckQueueAccessible(ctx context.Context, queueURL string) error {
	_, err := c.sqs.GetQueueAttributes(ctx, &sqs.GetQueueAttributesInput{
		QueueUrl:       aws.String(queueURL),
		AttributeNames: []types.QueueAttributeName{types.QueueAttributeNameQueueArn},
	})
	return err
}

// Stats holds approximate queue depth counters
type Stats struct {
	Available int `json:"available"`
	InFlight  int `json:"inFlight"`
	Delayed   int `json:"delayed"`
}

// QueueStats returns the approximate queue depth
func (c *Client) QueueStats(ctx context.Context) (*Stats, error) {
	result, err := c.sqs.GetQueueAttributes(ctx, &sqs.GetQueueAttributesInput{
		QueueUrl: aws.String(c.config.QueueURL),
		AttributeNames: []types.QueueAttributeName{
			types.QueueAttributeNameApproximateNumberOfMessages,
			types.QueueAttributeNameApproximateNumberOfMessagesNotVisible,
			types.QueueAttributeNameApproximateNumberOfMessagesDelayed,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch queue stats: %w", err)
	}

	count := func(name types.QueueAttributeName) int {
		n, err := strconv.Atoi(result.Attributes[string(name)])
		if err != nil {
			return 0
		}
		return n
	}

	return &Stats{
		Available: count(types.QueueAttributeNameApproximateNumberOfMessages),
		InFlight:  count(types.QueueAttributeNameApproximateNumberOfMessagesNotVisible),
		Delayed:   count(types.QueueAttributeNameApproximateNumberOfMessagesDelayed),
	}, nil
}

func toRawMessage(msg types.Message) queue.RawMessage {
	raw := queue.RawMessage{
		ID:            aws.ToString(msg.MessageId),
		Body:          []byte(aws.ToString(msg.Body)),
		ReceiptHandle: aws.ToString(msg.ReceiptHandle),
		ReceiveCount:  1,
		Attributes:    make(map[string]string, len(msg.MessageAttributes)),
	}

	if v, ok := msg.Attributes[string(types.MessageSystemAttributeNameApproximateReceiveCount)]; ok {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			raw.ReceiveCount = n
		}
	}
	if v, ok := msg.Attributes[string(types.MessageSystemAttributeNameSentTimestamp)]; ok {
		if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
			raw.SentAt = time.UnixMilli(ms)
		}
	}
	for k, v := range msg.MessageAttributes {
		if v.StringValue != nil {
			raw.Attributes[k] = *v.StringValue
		}
	}

	return raw
}

func clampVisibility(d time.Duration) int32 {
	seconds := int64(d / time.Second)
	if seconds < 0 {
		seconds = 0
	}
	if seconds > MaxVisibilitySeconds {
		seconds = MaxVisibilitySeconds
	}
	return int32(seconds)
}

// truncateHandle truncates a receipt handle for logging (first 20 chars)
func truncateHandle(handle string) string {
	if len(handle) <= 20 {
		return handle
	}
	return handle[:20] + "..."
}

// isReceiptHandleExpiredError checks if the error is due to an expired or invalid receipt handle
func isReceiptHandleExpiredError(err error) bool {
	if err == nil {
		return false
	}

	var invalid *types.ReceiptHandleIsInvalid
	if errors.As(err, &invalid) {
		return true
	}
	var notInflight *types.MessageNotInflight
	if errors.As(err, &notInflight) {
		return true
	}

	switch apiErrorCode(err) {
	case "ReceiptHandleIsInvalid", "MessageNotInflight", "AWS.SimpleQueueService.MessageNotInflight":
		return true
	}

	errStr := err.Error()
	return strings.Contains(errStr, "receipt handle has expired") ||
		strings.Contains(errStr, "ReceiptHandleIsInvalid")
}
