//go:build integration

package sink

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.mongodb.org/mongo-driver/bson"
)

func startContainer(ctx context.Context, t *testing.T, image, port string) string {
	t.Helper()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        image,
			ExposedPorts: []string{port},
			WaitingFor:   wait.ForListeningPort(port),
		},
		Started: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = container.Terminate(context.Background())
	})

	endpoint, err := container.Endpoint(ctx, "")
	require.NoError(t, err)
	return endpoint
}

func TestRedisSinkPushesAndTrims(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	addr := startContainer(ctx, t, "redis:7-alpine", "6379/tcp")

	s, err := NewRedisSink(ctx, RedisConfig{Addr: addr, Key: "records:deadletter", MaxLen: 2})
	require.NoError(t, err)
	defer s.Close()

	for _, id := range []string{"1", "2", "3"} {
		env := testEnvelope()
		env.RecordID = id
		require.NoError(t, s.Send(ctx, env))
	}

	client := redis.NewClient(&redis.Options{Addr: addr})
	defer client.Close()

	items, err := client.LRange(ctx, "records:deadletter", 0, -1).Result()
	require.NoError(t, err)
	require.Len(t, items, 2)

	var newest Envelope
	require.NoError(t, json.Unmarshal([]byte(items[0]), &newest))
	assert.Equal(t, "3", newest.RecordID)
}

func TestMongoSinkInserts(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	addr := startContainer(ctx, t, "mongo:7", "27017/tcp")

	s, err := NewMongoSink(ctx, MongoConfig{
		URI:        "mongodb://" + addr,
		Database:   "resolver",
		Collection: "deadletters",
	})
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Send(ctx, testEnvelope()))

	var stored Envelope
	err = s.collection.FindOne(ctx, bson.M{"messageId": "m-1"}).Decode(&stored)
	require.NoError(t, err)
	assert.Equal(t, "CUSTOMERS", stored.DataSource)
	assert.Equal(t, 5, stored.ReceiveCount)
}
