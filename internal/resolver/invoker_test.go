package resolver

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"go.sqsresolver.dev/internal/engine"
	"go.sqsresolver.dev/internal/queue"
	"go.sqsresolver.dev/internal/record"
)

func TestMain(m *testing.M) {
	zerolog.SetGlobalLevel(zerolog.Disabled)
	os.Exit(m.Run())
}

type MockEngine struct {
	mock.Mock
}

func (m *MockEngine) Init(ctx context.Context, req engine.InitRequest) error {
	return m.Called(ctx, req).Error(0)
}

func (m *MockEngine) AddRecord(ctx context.Context, req engine.AddRequest) (engine.AddResult, error) {
	args := m.Called(ctx, req)
	return args.Get(0).(engine.AddResult), args.Error(1)
}

func (m *MockEngine) Stats(ctx context.Context) (string, error) {
	args := m.Called(ctx)
	return args.String(0), args.Error(1)
}

func (m *MockEngine) Heartbeat(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func (m *MockEngine) Close() error {
	return m.Called().Error(0)
}

func testItem() *record.WorkItem {
	return &record.WorkItem{
		Raw:           []byte(`{"DATA_SOURCE":"CUSTOMERS","RECORD_ID":"1001"}`),
		DataSource:    "CUSTOMERS",
		RecordID:      "1001",
		CorrelationID: "m-1",
		Source:        queue.RawMessage{ID: "m-1", ReceiptHandle: "rh-1"},
	}
}

func TestInvokeSuccess(t *testing.T) {
	eng := new(MockEngine)
	eng.On("AddRecord", mock.Anything, mock.MatchedBy(func(req engine.AddRequest) bool {
		return req.DataSource == "CUSTOMERS" && req.RecordID == "1001" && req.CorrelationID == "m-1" && req.WithInfo
	})).Return(engine.AddResult{Info: `{"AFFECTED_ENTITIES":[]}`}, nil).Once()

	inv := NewInvoker(eng, Config{WithInfo: true, CallTimeout: time.Second})
	out := inv.Invoke(context.Background(), testItem())

	assert.Equal(t, Success, out.Kind)
	assert.Equal(t, `{"AFFECTED_ENTITIES":[]}`, out.Info)
	assert.NoError(t, out.Err)
	eng.AssertExpectations(t)
}

func TestInvokeAppliesCallTimeout(t *testing.T) {
	eng := new(MockEngine)
	eng.On("AddRecord", mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) {
			ctx := args.Get(0).(context.Context)
			<-ctx.Done()
		}).
		Return(engine.AddResult{}, context.DeadlineExceeded).Once()

	inv := NewInvoker(eng, Config{CallTimeout: 20 * time.Millisecond})
	out := inv.Invoke(context.Background(), testItem())

	assert.Equal(t, Retryable, out.Kind)
	assert.Equal(t, "engine call timed out", out.Reason)
	assert.GreaterOrEqual(t, out.Duration, 20*time.Millisecond)
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want OutcomeKind
	}{
		{"nil", nil, Success},
		{"bad input", &engine.Error{Kind: engine.KindBadInput, Code: 400, Message: "bad"}, Permanent},
		{"wrapped bad input", fmt.Errorf("add: %w", &engine.Error{Kind: engine.KindBadInput}), Permanent},
		{"retryable", &engine.Error{Kind: engine.KindRetryable, Code: 503}, Retryable},
		{"unrecoverable", &engine.Error{Kind: engine.KindUnrecoverable, Code: 500}, Retryable},
		{"breaker open", fmt.Errorf("%w: circuit breaker is open", engine.ErrUnavailable), Retryable},
		{"deadline", context.DeadlineExceeded, Retryable},
		{"cancelled", context.Canceled, Retryable},
		{"decode", &record.DecodeError{MessageID: "m-1", Reason: "invalid JSON"}, Permanent},
		{"unknown", errors.New("connection reset"), Retryable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := Classify(tt.err)
			assert.Equal(t, tt.want, out.Kind)
			if tt.err != nil {
				require.Error(t, out.Err)
				assert.NotEmpty(t, out.Reason)
			}
		})
	}
}

func TestOutcomeKindString(t *testing.T) {
	assert.Equal(t, "success", Success.String())
	assert.Equal(t, "retryable", Retryable.String())
	assert.Equal(t, "permanent", Permanent.String())
}
