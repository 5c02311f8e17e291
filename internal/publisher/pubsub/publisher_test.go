package pubsub

import (
	"context"
	"encoding/json"
	"testing"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/pubsub/pstest"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

func newTestClient(t *testing.T) (*pubsub.Client, *pstest.Server) {
	t.Helper()

	srv := pstest.NewServer()
	t.Cleanup(func() { _ = srv.Close() })

	conn, err := grpc.NewClient(srv.Addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)

	client, err := pubsub.NewClient(context.Background(), "test-project", option.WithGRPCConn(conn))
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client, srv
}

func TestPublishDeliversJSON(t *testing.T) {
	t.Parallel()

	client, srv := newTestClient(t)
	ctx := context.Background()
	_, err := client.CreateTopic(ctx, "exports")
	require.NoError(t, err)

	pub, err := New(client, "exports")
	require.NoError(t, err)
	defer func() { require.NoError(t, pub.Close()) }()

	id, err := pub.Publish(ctx, "export.completed", map[string]string{"kind": "table"}, map[string]int{"entries": 4})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	msgs := srv.Messages()
	require.Len(t, msgs, 1)
	require.Equal(t, "table", msgs[0].Attributes["kind"])
	require.Equal(t, "export.completed", msgs[0].Attributes["event"])
	var body map[string]int
	require.NoError(t, json.Unmarshal(msgs[0].Data, &body))
	require.Equal(t, 4, body["entries"])
}

func TestPublishMissingTopic(t *testing.T) {
	t.Parallel()

	client, _ := newTestClient(t)
	pub, err := New(client, "absent")
	require.NoError(t, err)
	defer func() { require.NoError(t, pub.Close()) }()

	_, err = pub.Publish(context.Background(), "export.completed", nil, "x")
	require.Error(t, err)
}

func TestNewValidates(t *testing.T) {
	t.Parallel()

	_, err := New(nil, "exports")
	require.Error(t, err)

	client, _ := newTestClient(t)
	_, err = New(client, "")
	require.Error(t, err)

	var unset *Publisher
	_, err = unset.Publish(context.Background(), "t", nil, 1)
	require.Error(t, err)
	require.NoError(t, unset.Close())
}
