package amqpull

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/metric/noop"
	"go.uber.org/goleak"

	"github.com/glimte/amqpull/consume"
	"github.com/glimte/amqpull/internal/rabbitmq"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestClientOptions(t *testing.T) {
	logger := discardLogger()
	provider := noop.NewMeterProvider()

	cfg := clientConfig{}
	for _, opt := range []ClientOption{
		WithLogger(logger),
		WithMaxQueueSize(10),
		WithRejectLogInterval(5 * time.Second),
		WithMeterProvider(provider),
		WithReconnect(time.Second, 3),
		WithDialTimeout(2 * time.Second),
	} {
		opt(&cfg)
	}

	assert.Equal(t, logger, cfg.logger)
	assert.Equal(t, 10, cfg.maxQueueSize)
	assert.Equal(t, 5*time.Second, cfg.rejectLogInterval)
	assert.Equal(t, provider, cfg.meterProvider)
	assert.Len(t, cfg.connectionOptions, 3)

	c := newClient(rabbitmq.NewConnectionManager("amqp://localhost"), cfg)
	assert.Len(t, c.channelOptions(), 4)
}

func TestNewClient(t *testing.T) {
	ctx := context.Background()

	t.Run("rejects a negative queue size", func(t *testing.T) {
		_, err := NewClient(ctx, "amqp://localhost", WithMaxQueueSize(-1))
		assert.ErrorIs(t, err, consume.ErrInvalidConfiguration)
	})

	t.Run("reports dial failures", func(t *testing.T) {
		_, err := NewClient(ctx, "invalid://url", WithLogger(discardLogger()))

		var connErr *rabbitmq.ConnectionError
		require.ErrorAs(t, err, &connErr)
		assert.Equal(t, "connect", connErr.Op)
	})
}

func TestClientClose(t *testing.T) {
	ctx := context.Background()
	c := newClient(rabbitmq.NewConnectionManager("amqp://localhost"), clientConfig{logger: discardLogger()})

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())

	_, err := c.Channel(ctx)
	assert.ErrorIs(t, err, rabbitmq.ErrConnectionClosed)

	_, err = c.Consume(ctx, "orders")
	assert.ErrorIs(t, err, rabbitmq.ErrConnectionClosed)

	err = c.Publish(ctx, "orders", []byte("hello"), "text/plain")
	assert.ErrorIs(t, err, rabbitmq.ErrConnectionClosed)
}

func TestClientWithoutConnection(t *testing.T) {
	c := newClient(rabbitmq.NewConnectionManager("amqp://localhost"), clientConfig{logger: discardLogger()})
	defer c.Close()

	_, err := c.Channel(context.Background())
	assert.ErrorIs(t, err, rabbitmq.ErrConnectionNotReady)
}

// fakeAMQPChannel mocks consume and cancel and closes delivery streams the
// way *amqp.Channel does
type fakeAMQPChannel struct {
	mock.Mock

	mu         sync.Mutex
	notify     []chan *amqp.Error
	deliveries map[string]chan amqp.Delivery
	closed     bool
}

func newFakeAMQPChannel() *fakeAMQPChannel {
	return &fakeAMQPChannel{deliveries: make(map[string]chan amqp.Delivery)}
}

func (f *fakeAMQPChannel) Qos(int, int, bool) error { return nil }

func (f *fakeAMQPChannel) Consume(queue, consumer string, _, _, _, _ bool, _ amqp.Table) (<-chan amqp.Delivery, error) {
	if err := f.Called(queue, consumer).Error(0); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	ch := make(chan amqp.Delivery, 4)
	f.deliveries[consumer] = ch
	return ch, nil
}

func (f *fakeAMQPChannel) Cancel(consumer string, _ bool) error {
	err := f.Called(consumer).Error(0)
	f.mu.Lock()
	defer f.mu.Unlock()
	if ch, ok := f.deliveries[consumer]; ok {
		close(ch)
		delete(f.deliveries, consumer)
	}
	return err
}

func (f *fakeAMQPChannel) Reject(uint64, bool) error { return nil }

func (f *fakeAMQPChannel) NotifyClose(c chan *amqp.Error) chan *amqp.Error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notify = append(f.notify, c)
	return c
}

func (f *fakeAMQPChannel) PublishWithContext(context.Context, string, string, bool, bool, amqp.Publishing) error {
	return nil
}

func (f *fakeAMQPChannel) QueueDeclare(name string, _, _, _, _ bool, _ amqp.Table) (amqp.Queue, error) {
	return amqp.Queue{Name: name}, nil
}

func (f *fakeAMQPChannel) QueueDelete(string, bool, bool, bool) (int, error) { return 0, nil }

func (f *fakeAMQPChannel) IsClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakeAMQPChannel) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil
	}
	f.closed = true
	for _, c := range f.notify {
		close(c)
	}
	for tag, ch := range f.deliveries {
		close(ch)
		delete(f.deliveries, tag)
	}
	return nil
}

// cancelFromBroker ends the delivery stream of tag as a broker-sent
// basic.cancel does
func (f *fakeAMQPChannel) cancelFromBroker(tag string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if ch, ok := f.deliveries[tag]; ok {
		close(ch)
		delete(f.deliveries, tag)
	}
}

func newTestClient(t *testing.T, fakes ...*fakeAMQPChannel) *Client {
	t.Helper()
	c := newClient(rabbitmq.NewConnectionManager("amqp://localhost"), clientConfig{
		logger:            discardLogger(),
		rejectLogInterval: time.Second,
	})

	var mu sync.Mutex
	next := 0
	c.openChannel = func(_ context.Context, options ...rabbitmq.ChannelOption) (*rabbitmq.Channel, error) {
		mu.Lock()
		defer mu.Unlock()
		if next == len(fakes) {
			return nil, errors.New("no channel left")
		}
		fake := fakes[next]
		next++
		return rabbitmq.NewChannel(next, fake, options...)
	}
	t.Cleanup(func() {
		_ = c.Close()
	})
	return c
}

func openChannels(c *Client) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.channels)
}

func TestClientConsume(t *testing.T) {
	ctx := context.Background()

	t.Run("closing the consumer closes its channel", func(t *testing.T) {
		fake := newFakeAMQPChannel()
		fake.On("Consume", "orders", "ctag").Return(nil).Once()
		fake.On("Cancel", "ctag").Return(nil).Once()
		c := newTestClient(t, fake)

		consumer, err := c.Consume(ctx, "orders", WithConsumerTag("ctag"))
		require.NoError(t, err)
		assert.Equal(t, 1, openChannels(c))

		require.NoError(t, consumer.Close())

		assert.True(t, fake.IsClosed())
		assert.Zero(t, openChannels(c))
		fake.AssertExpectations(t)
	})

	t.Run("drained consumer closes its channel", func(t *testing.T) {
		fake := newFakeAMQPChannel()
		fake.On("Consume", "orders", "ctag").Return(nil).Once()
		fake.On("Cancel", "ctag").Return(nil).Once()
		c := newTestClient(t, fake)

		consumer, err := c.Consume(ctx, "orders", WithConsumerTag("ctag"), WithWaitForMessages(false))
		require.NoError(t, err)

		for range consumer.Messages(ctx) {
			t.Fatal("empty mailbox yielded a message")
		}

		assert.True(t, fake.IsClosed())
		assert.Zero(t, openChannels(c))
	})

	t.Run("broker cancel closes the channel", func(t *testing.T) {
		fake := newFakeAMQPChannel()
		fake.On("Consume", "orders", "ctag").Return(nil).Once()
		c := newTestClient(t, fake)

		consumer, err := c.Consume(ctx, "orders", WithConsumerTag("ctag"))
		require.NoError(t, err)

		fake.cancelFromBroker("ctag")

		assert.Eventually(t, fake.IsClosed, 2*time.Second, 5*time.Millisecond)
		assert.Eventually(t, func() bool {
			return openChannels(c) == 0
		}, 2*time.Second, 5*time.Millisecond)
		assert.True(t, consumer.Canceled())
	})

	t.Run("caller cancel hooks still run", func(t *testing.T) {
		fake := newFakeAMQPChannel()
		fake.On("Consume", "orders", "ctag").Return(nil).Once()
		fake.On("Cancel", "ctag").Return(nil).Once()
		c := newTestClient(t, fake)

		called := false
		consumer, err := c.Consume(ctx, "orders",
			WithConsumerTag("ctag"),
			WithOnCancel(func() { called = true }),
		)
		require.NoError(t, err)
		require.NoError(t, consumer.Close())

		assert.True(t, called)
		assert.True(t, fake.IsClosed())
	})

	t.Run("failed consume closes the channel", func(t *testing.T) {
		fake := newFakeAMQPChannel()
		fake.On("Consume", "missing", "ctag").
			Return(&amqp.Error{Code: amqp.NotFound, Reason: "no queue 'missing'"}).Once()
		c := newTestClient(t, fake)

		_, err := c.Consume(ctx, "missing", WithConsumerTag("ctag"))

		var consumerErr *rabbitmq.ConsumerError
		require.ErrorAs(t, err, &consumerErr)
		assert.True(t, fake.IsClosed())
		assert.Zero(t, openChannels(c))
	})

	t.Run("repeated consumers do not accumulate channels", func(t *testing.T) {
		fakes := make([]*fakeAMQPChannel, 5)
		for i := range fakes {
			fakes[i] = newFakeAMQPChannel()
			fakes[i].On("Consume", "orders", "ctag").Return(nil).Once()
			fakes[i].On("Cancel", "ctag").Return(nil).Once()
		}
		c := newTestClient(t, fakes...)

		for range fakes {
			consumer, err := c.Consume(ctx, "orders", WithConsumerTag("ctag"))
			require.NoError(t, err)
			require.NoError(t, consumer.Close())
			assert.Zero(t, openChannels(c))
		}

		for _, fake := range fakes {
			assert.True(t, fake.IsClosed())
		}
	})
}
