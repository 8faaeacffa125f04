package secrets

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	zerolog.SetGlobalLevel(zerolog.Disabled)
	os.Exit(m.Run())
}

type MockSecretsManager struct {
	mock.Mock
}

func (m *MockSecretsManager) GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error) {
	args := m.Called(ctx, params)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*secretsmanager.GetSecretValueOutput), args.Error(1)
}

func TestIsReference(t *testing.T) {
	assert.True(t, IsReference("aws-sm://prod/senzing"))
	assert.True(t, IsReference("vault://secret/data/senzing#config"))
	assert.False(t, IsReference(`{"PIPELINE":{}}`))
}

func TestResolveAWS(t *testing.T) {
	sm := new(MockSecretsManager)
	sm.On("GetSecretValue", mock.Anything, mock.MatchedBy(func(in *secretsmanager.GetSecretValueInput) bool {
		return aws.ToString(in.SecretId) == "prod/senzing"
	})).Return(&secretsmanager.GetSecretValueOutput{SecretString: aws.String(`{"SQL":{}}`)}, nil)

	r := NewResolverWithClients(sm, nil)
	value, err := r.Resolve(context.Background(), "aws-sm://prod/senzing")
	require.NoError(t, err)
	assert.Equal(t, `{"SQL":{}}`, value)
	sm.AssertExpectations(t)
}

func TestResolveAWSErrors(t *testing.T) {
	sm := new(MockSecretsManager)
	sm.On("GetSecretValue", mock.Anything, mock.Anything).Return(nil, errors.New("AccessDeniedException")).Once()
	sm.On("GetSecretValue", mock.Anything, mock.Anything).Return(&secretsmanager.GetSecretValueOutput{SecretBinary: []byte{1}}, nil).Once()

	r := NewResolverWithClients(sm, nil)

	_, err := r.Resolve(context.Background(), "aws-sm://prod/senzing")
	assert.ErrorContains(t, err, "AccessDeniedException")

	_, err = r.Resolve(context.Background(), "aws-sm://prod/senzing")
	assert.ErrorContains(t, err, "no string value")

	_, err = r.Resolve(context.Background(), "aws-sm://")
	assert.ErrorContains(t, err, "no secret id")
}

func newVaultServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Vault-Token") != "test-token" {
			w.WriteHeader(http.StatusForbidden)
			_, _ = w.Write([]byte(`{"errors":["permission denied"]}`))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/v1/secret/data/senzing":
			_, _ = w.Write([]byte(`{"data":{"data":{"config":"{\"SQL\":{}}","settings":{"threads":4}},"metadata":{"version":3}}}`))
		case "/v1/kv/senzing":
			_, _ = w.Write([]byte(`{"data":{"config":"{\"PIPELINE\":{}}"}}`))
		default:
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"errors":[]}`))
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestResolveVault(t *testing.T) {
	srv := newVaultServer(t)
	r := NewResolver(Config{VaultAddr: srv.URL, VaultToken: "test-token"})

	value, err := r.Resolve(context.Background(), "vault://secret/data/senzing#config")
	require.NoError(t, err)
	assert.Equal(t, `{"SQL":{}}`, value)

	value, err = r.Resolve(context.Background(), "vault://secret/data/senzing#settings")
	require.NoError(t, err)
	assert.JSONEq(t, `{"threads":4}`, value)

	value, err = r.Resolve(context.Background(), "vault://kv/senzing#config")
	require.NoError(t, err)
	assert.Equal(t, `{"PIPELINE":{}}`, value)
}

func TestResolveVaultErrors(t *testing.T) {
	srv := newVaultServer(t)
	r := NewResolver(Config{VaultAddr: srv.URL, VaultToken: "test-token"})

	_, err := r.Resolve(context.Background(), "vault://secret/data/missing#config")
	assert.ErrorContains(t, err, "not found")

	_, err = r.Resolve(context.Background(), "vault://secret/data/senzing#nope")
	assert.ErrorContains(t, err, "has no key nope")

	_, err = r.Resolve(context.Background(), "vault://secret/data/senzing")
	assert.ErrorContains(t, err, "vault://<path>#<key>")

	denied := NewResolver(Config{VaultAddr: srv.URL, VaultToken: "wrong"})
	_, err = denied.Resolve(context.Background(), "vault://secret/data/senzing#config")
	assert.Error(t, err)
}

func TestResolveUnsupported(t *testing.T) {
	_, err := NewResolver(Config{}).Resolve(context.Background(), "gcp-sm://projects/x")
	assert.ErrorIs(t, err, ErrUnsupportedReference)
}
