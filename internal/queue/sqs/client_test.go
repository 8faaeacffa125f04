package sqs

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/aws/smithy-go"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"go.sqsresolver.dev/internal/queue"
	"go.sqsresolver.dev/internal/sink"
)

func TestMain(m *testing.M) {
	zerolog.SetGlobalLevel(zerolog.Disabled)
	os.Exit(m.Run())
}

type MockSQSClient struct {
	mock.Mock
}

func (m *MockSQSClient) ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error) {
	args := m.Called(ctx, params)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*sqs.ReceiveMessageOutput), args.Error(1)
}

func (m *MockSQSClient) DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error) {
	args := m.Called(ctx, params)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*sqs.DeleteMessageOutput), args.Error(1)
}

func (m *MockSQSClient) ChangeMessageVisibility(ctx context.Context, params *sqs.ChangeMessageVisibilityInput, optFns ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error) {
	args := m.Called(ctx, params)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*sqs.ChangeMessageVisibilityOutput), args.Error(1)
}

func (m *MockSQSClient) SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	args := m.Called(ctx, params)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*sqs.SendMessageOutput), args.Error(1)
}

func (m *MockSQSClient) GetQueueAttributes(ctx context.Context, params *sqs.GetQueueAttributesInput, optFns ...func(*sqs.Options)) (*sqs.GetQueueAttributesOutput, error) {
	args := m.Called(ctx, params)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*sqs.GetQueueAttributesOutput), args.Error(1)
}

const testQueueURL = "https://sqs.us-east-1.amazonaws.com/123456789012/records"

func newTestClient(api *MockSQSClient) *Client {
	return NewClientWithAPI(api, &Config{
		QueueURL:          testQueueURL,
		VisibilityTimeout: 10 * time.Minute,
		CallTimeout:       time.Second,
		MaxAttempts:       3,
		InitialBackoff:    time.Millisecond,
		MaxBackoff:        2 * time.Millisecond,
	})
}

var serverFault = &smithy.GenericAPIError{Code: "InternalError", Message: "boom", Fault: smithy.FaultServer}

func TestReceiveMapsMessages(t *testing.T) {
	api := new(MockSQSClient)
	client := newTestClient(api)

	sent := time.UnixMilli(1700000000000)
	api.On("ReceiveMessage", mock.Anything, mock.MatchedBy(func(in *sqs.ReceiveMessageInput) bool {
		return in.MaxNumberOfMessages == 10 && in.WaitTimeSeconds == 20 && in.VisibilityTimeout == 600
	})).Return(&sqs.ReceiveMessageOutput{
		Messages: []types.Message{
			{
				MessageId:     aws.String("m-1"),
				Body:          aws.String(`{"DATA_SOURCE":"CUSTOMERS","RECORD_ID":"1"}`),
				ReceiptHandle: aws.String("rh-1"),
				Attributes: map[string]string{
					"ApproximateReceiveCount": "3",
					"SentTimestamp":           "1700000000000",
				},
				MessageAttributes: map[string]types.MessageAttributeValue{
					"tenant": {DataType: aws.String("String"), StringValue: aws.String("acme")},
				},
			},
			{
				MessageId:     aws.String("m-2"),
				Body:          aws.String(`{}`),
				ReceiptHandle: aws.String("rh-2"),
			},
		},
	}, nil).Once()

	msgs, err := client.Receive(context.Background(), 50, time.Minute)
	require.NoError(t, err)
	require.Len(t, msgs, 2)

	assert.Equal(t, "m-1", msgs[0].ID)
	assert.Equal(t, "rh-1", msgs[0].ReceiptHandle)
	assert.Equal(t, 3, msgs[0].ReceiveCount)
	assert.True(t, sent.Equal(msgs[0].SentAt))
	assert.Equal(t, "acme", msgs[0].Attributes["tenant"])

	// Missing receive count defaults to a first delivery
	assert.Equal(t, 1, msgs[1].ReceiveCount)
	assert.True(t, msgs[1].SentAt.IsZero())

	api.AssertExpectations(t)
}

func TestReceiveEmptyBatch(t *testing.T) {
	api := new(MockSQSClient)
	client := newTestClient(api)

	api.On("ReceiveMessage", mock.Anything, mock.Anything).Return(&sqs.ReceiveMessageOutput{}, nil).Once()

	msgs, err := client.Receive(context.Background(), 1, 0)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestReceiveRetriesTransientErrors(t *testing.T) {
	api := new(MockSQSClient)
	client := newTestClient(api)

	api.On("ReceiveMessage", mock.Anything, mock.Anything).Return(nil, serverFault).Twice()
	api.On("ReceiveMessage", mock.Anything, mock.Anything).Return(&sqs.ReceiveMessageOutput{
		Messages: []types.Message{{MessageId: aws.String("m-1"), Body: aws.String("{}"), ReceiptHandle: aws.String("rh-1")}},
	}, nil).Once()

	msgs, err := client.Receive(context.Background(), 1, time.Second)
	require.NoError(t, err)
	assert.Len(t, msgs, 1)
	api.AssertNumberOfCalls(t, "ReceiveMessage", 3)
}

func TestReceiveExhaustsRetries(t *testing.T) {
	api := new(MockSQSClient)
	client := newTestClient(api)

	api.On("ReceiveMessage", mock.Anything, mock.Anything).Return(nil, serverFault)

	_, err := client.Receive(context.Background(), 1, time.Second)
	require.Error(t, err)

	var te *queue.TransportError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "receive", te.Op)
	assert.Equal(t, 3, te.Attempts)
	assert.True(t, queue.IsTransportError(err))
	api.AssertNumberOfCalls(t, "ReceiveMessage", 3)
}

func TestReceiveDoesNotRetryTerminalErrors(t *testing.T) {
	api := new(MockSQSClient)
	client := newTestClient(api)

	api.On("ReceiveMessage", mock.Anything, mock.Anything).Return(nil,
		&smithy.GenericAPIError{Code: "AWS.SimpleQueueService.NonExistentQueue", Fault: smithy.FaultClient})

	_, err := client.Receive(context.Background(), 1, time.Second)
	require.Error(t, err)
	assert.True(t, queue.IsTransportError(err))
	api.AssertNumberOfCalls(t, "ReceiveMessage", 1)
}

func TestReceiveRetriesThrottling(t *testing.T) {
	api := new(MockSQSClient)
	client := newTestClient(api)

	api.On("ReceiveMessage", mock.Anything, mock.Anything).Return(nil,
		&smithy.GenericAPIError{Code: "ThrottlingException", Fault: smithy.FaultClient}).Once()
	api.On("ReceiveMessage", mock.Anything, mock.Anything).Return(&sqs.ReceiveMessageOutput{}, nil).Once()

	_, err := client.Receive(context.Background(), 1, time.Second)
	require.NoError(t, err)
	api.AssertNumberOfCalls(t, "ReceiveMessage", 2)
}

func TestReceiveCancelledContext(t *testing.T) {
	api := new(MockSQSClient)
	client := newTestClient(api)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	api.On("ReceiveMessage", mock.Anything, mock.Anything).Return(nil, context.Canceled)

	_, err := client.Receive(ctx, 1, time.Second)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, queue.IsTransportError(err))
}

func TestDelete(t *testing.T) {
	api := new(MockSQSClient)
	client := newTestClient(api)

	api.On("DeleteMessage", mock.Anything, mock.MatchedBy(func(in *sqs.DeleteMessageInput) bool {
		return aws.ToString(in.ReceiptHandle) == "rh-1" && aws.ToString(in.QueueUrl) == testQueueURL
	})).Return(&sqs.DeleteMessageOutput{}, nil).Once()

	require.NoError(t, client.Delete(context.Background(), "rh-1"))
	api.AssertExpectations(t)
}

func TestDeleteExpiredHandleIsNotFound(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{"typed invalid handle", &types.ReceiptHandleIsInvalid{Message: aws.String("invalid")}},
		{"expired handle", &smithy.GenericAPIError{
			Code:    "InvalidParameterValue",
			Message: "Value rh-1 for parameter ReceiptHandle is invalid. Reason: The receipt handle has expired.",
			Fault:   smithy.FaultClient,
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			api := new(MockSQSClient)
			client := newTestClient(api)

			api.On("DeleteMessage", mock.Anything, mock.Anything).Return(nil, tt.err)

			err := client.Delete(context.Background(), "rh-1")
			assert.ErrorIs(t, err, queue.ErrNotFound)
			api.AssertNumberOfCalls(t, "DeleteMessage", 1)
		})
	}
}

func TestExtendVisibility(t *testing.T) {
	api := new(MockSQSClient)
	client := newTestClient(api)

	api.On("ChangeMessageVisibility", mock.Anything, mock.MatchedBy(func(in *sqs.ChangeMessageVisibilityInput) bool {
		return in.VisibilityTimeout == 300
	})).Return(&sqs.ChangeMessageVisibilityOutput{}, nil).Once()

	require.NoError(t, client.ExtendVisibility(context.Background(), "rh-1", 5*time.Minute))
	api.AssertExpectations(t)
}

func TestExtendVisibilityClampsToServiceMaximum(t *testing.T) {
	api := new(MockSQSClient)
	client := newTestClient(api)

	api.On("ChangeMessageVisibility", mock.Anything, mock.MatchedBy(func(in *sqs.ChangeMessageVisibilityInput) bool {
		return in.VisibilityTimeout == MaxVisibilitySeconds
	})).Return(&sqs.ChangeMessageVisibilityOutput{}, nil).Once()

	require.NoError(t, client.ExtendVisibility(context.Background(), "rh-1", 48*time.Hour))
	api.AssertExpectations(t)
}

func TestExtendVisibilityNotInflightIsExpired(t *testing.T) {
	api := new(MockSQSClient)
	client := newTestClient(api)

	api.On("ChangeMessageVisibility", mock.Anything, mock.Anything).
		Return(nil, &types.MessageNotInflight{Message: aws.String("not in flight")})

	err := client.ExtendVisibility(context.Background(), "rh-1", time.Minute)
	assert.ErrorIs(t, err, queue.ErrExpired)
	api.AssertNumberOfCalls(t, "ChangeMessageVisibility", 1)
}

func TestIsRetryableError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"server fault", serverFault, true},
		{"throttled", &smithy.GenericAPIError{Code: "RequestThrottled", Fault: smithy.FaultClient}, true},
		{"access denied", &smithy.GenericAPIError{Code: "AccessDenied", Fault: smithy.FaultClient}, false},
		{"other client fault", &smithy.GenericAPIError{Code: "BadRequest", Fault: smithy.FaultClient}, false},
		{"cancelled", context.Canceled, false},
		{"deadline", context.DeadlineExceeded, true},
		{"network", errors.New("connection reset by peer"), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, isRetryableError(tt.err))
		})
	}
}

func TestQueueURLFromARN(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"arn:aws:sqs:us-east-1:123456789012:records", "https://sqs.us-east-1.amazonaws.com/123456789012/records", false},
		{"arn:aws-cn:sqs:cn-north-1:123456789012:records", "https://sqs.cn-north-1.amazonaws.com.cn/123456789012/records", false},
		{testQueueURL, testQueueURL, false},
		{"arn:aws:sns:us-east-1:123456789012:topic", "", true},
		{"arn:aws:sqs:us-east-1::records", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := QueueURLFromARN(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDeadLetterURL(t *testing.T) {
	api := new(MockSQSClient)
	client := newTestClient(api)

	api.On("GetQueueAttributes", mock.Anything, mock.Anything).Return(&sqs.GetQueueAttributesOutput{
		Attributes: map[string]string{
			"RedrivePolicy": `{"deadLetterTargetArn":"arn:aws:sqs:us-east-1:123456789012:records-dlq","maxReceiveCount":"5"}`,
		},
	}, nil).Once()

	url, err := client.DeadLetterURL(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "https://sqs.us-east-1.amazonaws.com/123456789012/records-dlq", url)
}

func TestDeadLetterURLWithoutPolicy(t *testing.T) {
	api := new(MockSQSClient)
	client := newTestClient(api)

	api.On("GetQueueAttributes", mock.Anything, mock.Anything).Return(&sqs.GetQueueAttributesOutput{
		Attributes: map[string]string{},
	}, nil).Once()

	url, err := client.DeadLetterURL(context.Background())
	require.NoError(t, err)
	assert.Empty(t, url)
}

func TestQueueStats(t *testing.T) {
	api := new(MockSQSClient)
	client := newTestClient(api)

	api.On("GetQueueAttributes", mock.Anything, mock.Anything).Return(&sqs.GetQueueAttributesOutput{
		Attributes: map[string]string{
			"ApproximateNumberOfMessages":           "12",
			"ApproximateNumberOfMessagesNotVisible": "4",
			"ApproximateNumberOfMessagesDelayed":    "0",
		},
	}, nil).Once()

	stats, err := client.QueueStats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 12, stats.Available)
	assert.Equal(t, 4, stats.InFlight)
	assert.Equal(t, 0, stats.Delayed)
}

func TestQueueStatsMissingAttributes(t *testing.T) {
	api := new(MockSQSClient)
	client := newTestClient(api)

	api.On("GetQueueAttributes", mock.Anything, mock.Anything).Return(&sqs.GetQueueAttributesOutput{
		Attributes: map[string]string{"ApproximateNumberOfMessages": "7"},
	}, nil).Once()

	stats, err := client.QueueStats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, &Stats{Available: 7}, stats)
}

func TestPublisherSend(t *testing.T) {
	api := new(MockSQSClient)
	client := newTestClient(api)
	dlq := "https://sqs.us-east-1.amazonaws.com/123456789012/records-dlq"

	api.On("SendMessage", mock.Anything, mock.MatchedBy(func(in *sqs.SendMessageInput) bool {
		return aws.ToString(in.QueueUrl) == dlq &&
			aws.ToString(in.MessageAttributes["Kind"].StringValue) == "deadletter" &&
			aws.ToString(in.MessageAttributes["OriginalMessageId"].StringValue) == "m-1"
	})).Return(&sqs.SendMessageOutput{MessageId: aws.String("d-1")}, nil).Once()

	pub := client.Publisher(dlq)
	err := pub.Send(context.Background(), &sink.Envelope{
		Kind:      sink.KindDeadLetter,
		MessageID: "m-1",
		Body:      `{"RECORD_ID":"1"}`,
	})
	require.NoError(t, err)
	assert.Equal(t, "sqs", pub.Name())
	api.AssertExpectations(t)
}

func TestPublisherSendFailure(t *testing.T) {
	api := new(MockSQSClient)
	client := newTestClient(api)

	api.On("SendMessage", mock.Anything, mock.Anything).Return(nil, serverFault)

	err := client.Publisher("dlq").Send(context.Background(), &sink.Envelope{Kind: sink.KindDeadLetter})
	require.Error(t, err)
	assert.True(t, queue.IsTransportError(err))
}
