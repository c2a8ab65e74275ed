package pubsub_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/pubsub/pstest"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	mailer "github.com/JakeFAU/pagewatch/internal/mailer/pubsub"
	"github.com/JakeFAU/pagewatch/internal/watch"
)

func newTopic(t *testing.T) (*pubsub.Client, *pubsub.Topic) {
	t.Helper()
	ctx := context.Background()

	srv := pstest.NewServer()
	t.Cleanup(func() { _ = srv.Close() })

	conn, err := grpc.NewClient(srv.Addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	client, err := pubsub.NewClient(ctx, "project-id", option.WithGRPCConn(conn))
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	topic, err := client.CreateTopic(ctx, "alerts")
	require.NoError(t, err)
	return client, topic
}

func TestMailerPublishesMessage(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, topic := newTopic(t)
	sub, err := client.CreateSubscription(ctx, "alerts-sub", pubsub.SubscriptionConfig{Topic: topic})
	require.NoError(t, err)

	m, err := mailer.New(topic, "watch@example.com")
	require.NoError(t, err)
	defer m.Stop()

	want := watch.Message{To: "ana@example.com", ToName: "Ana", Subject: "Trail Shoe is on sale", HTML: "<p>hi</p>"}
	require.NoError(t, m.Send(ctx, want))

	received := make(chan *pubsub.Message, 1)
	recvCtx, stop := context.WithCancel(ctx)
	defer stop()
	go func() {
		_ = sub.Receive(recvCtx, func(_ context.Context, msg *pubsub.Message) {
			msg.Ack()
			select {
			case received <- msg:
			default:
			}
			stop()
		})
	}()

	select {
	case msg := <-received:
		var got watch.Message
		require.NoError(t, json.Unmarshal(msg.Data, &got))
		require.Equal(t, want, got)
		require.Equal(t, "ana@example.com", msg.Attributes["to"])
		require.Equal(t, "watch@example.com", msg.Attributes["from"])
	case <-ctx.Done():
		t.Fatal("timed out waiting for published message")
	}
}

func TestNewRequiresTopic(t *testing.T) {
	t.Parallel()

	_, err := mailer.New(nil, "")
	require.Error(t, err)
}
