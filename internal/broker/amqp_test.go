package broker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeChannel struct {
	mu        sync.Mutex
	closed    bool
	declared  []string
	kind      string
	durable   bool
	confirm   bool
	nack      bool
	noConfirm bool
	// unbound returns every mandatory message, as when no queue is bound.
	unbound   bool
	confirms  chan amqp.Confirmation
	closes    chan *amqp.Error
	returns   chan amqp.Return
	published []amqp.Publishing
	keys      []string
	mandatory []bool
	tag       uint64
}

func (f *fakeChannel) ExchangeDeclare(name, kind string, durable, _, _, _ bool, _ amqp.Table) error {
	f.declared = append(f.declared, name)
	f.kind, f.durable = kind, durable
	return nil
}

func (f *fakeChannel) Confirm(bool) error { f.confirm = true; return nil }

func (f *fakeChannel) NotifyPublish(c chan amqp.Confirmation) chan amqp.Confirmation {
	f.confirms = c
	return c
}

func (f *fakeChannel) NotifyClose(c chan *amqp.Error) chan *amqp.Error {
	f.closes = c
	return c
}

func (f *fakeChannel) NotifyReturn(c chan amqp.Return) chan amqp.Return {
	f.returns = c
	return c
}

func (f *fakeChannel) PublishWithContext(_ context.Context, exchange, key string, mandatory, _ bool, msg amqp.Publishing) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return amqp.ErrClosed
	}
	f.tag++
	f.keys = append(f.keys, key)
	f.mandatory = append(f.mandatory, mandatory)
	f.published = append(f.published, msg)
	if mandatory && f.unbound {
		f.returns <- amqp.Return{ReplyCode: 312, ReplyText: "NO_ROUTE", Exchange: exchange, RoutingKey: key, MessageId: msg.MessageId}
	}
	if !f.noConfirm {
		f.confirms <- amqp.Confirmation{DeliveryTag: f.tag, Ack: !f.nack}
	}
	return nil
}

func (f *fakeChannel) IsClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakeChannel) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

// drop simulates the broker closing the channel.
func (f *fakeChannel) drop() {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	f.closes <- &amqp.Error{Code: 320, Reason: "CONNECTION_FORCED"}
}

type fakeConn struct {
	ch     *fakeChannel
	closed bool
}

func (f *fakeConn) openChannel() (amqpChannel, error) { return f.ch, nil }
func (f *fakeConn) IsClosed() bool                    { return f.closed }
func (f *fakeConn) Close() error                      { f.closed = true; return nil }

type dialer struct {
	calls    int
	err      error
	channels []*fakeChannel
	// prepare configures each new channel before it is handed out.
	prepare func(*fakeChannel)
}

func (d *dialer) dial(string) (amqpConnection, error) {
	d.calls++
	if d.err != nil {
		return nil, d.err
	}
	ch := &fakeChannel{}
	if d.prepare != nil {
		d.prepare(ch)
	}
	d.channels = append(d.channels, ch)
	return &fakeConn{ch: ch}, nil
}

func (d *dialer) last() *fakeChannel { return d.channels[len(d.channels)-1] }

type clock struct{ t time.Time }

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestAMQP(d *dialer) (*AMQPClient, *clock) {
	c := NewAMQPClient(AMQPConfig{URL: "amqp://test", Exchange: "users.events"}, nil)
	clk := &clock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	c.dial = d.dial
	c.now = clk.now
	return c, clk
}

func TestAMQP_ConnectDeclaresDurableExchangeWithConfirms(t *testing.T) {
	d := &dialer{}
	c, _ := newTestAMQP(d)

	require.NoError(t, c.Connect(context.Background()))
	ch := d.last()
	assert.Equal(t, []string{"users.events"}, ch.declared)
	assert.Equal(t, amqp.ExchangeTopic, ch.kind)
	assert.True(t, ch.durable)
	assert.True(t, ch.confirm)

	require.NoError(t, c.Connect(context.Background()))
	assert.Equal(t, 1, d.calls, "healthy session is reused")
}

func TestAMQP_PublishPersistentJSON(t *testing.T) {
	d := &dialer{}
	c, _ := newTestAMQP(d)
	require.NoError(t, c.Connect(context.Background()))

	err := c.Publish(context.Background(), Message{
		RoutingKey:    "user.role_changed",
		Body:          []byte(`{"id":"x"}`),
		MessageID:     "env-1",
		CorrelationID: "corr-1",
	})
	require.NoError(t, err)

	ch := d.last()
	require.Len(t, ch.published, 1)
	pub := ch.published[0]
	assert.Equal(t, "user.role_changed", ch.keys[0])
	assert.Equal(t, amqp.Persistent, pub.DeliveryMode)
	assert.Equal(t, "application/json", pub.ContentType)
	assert.Equal(t, "env-1", pub.MessageId)
	assert.Equal(t, "corr-1", pub.CorrelationId)
	assert.JSONEq(t, `{"id":"x"}`, string(pub.Body))
	assert.False(t, pub.Timestamp.IsZero())
	assert.Equal(t, []bool{true}, ch.mandatory)
}

func TestAMQP_UnroutableMessageIsTransientFailure(t *testing.T) {
	d := &dialer{prepare: func(ch *fakeChannel) { ch.unbound = true }}
	c, _ := newTestAMQP(d)
	require.NoError(t, c.Connect(context.Background()))

	err := c.Publish(context.Background(), Message{RoutingKey: "user.created", Body: []byte(`{}`), MessageID: "env-1"})
	require.ErrorIs(t, err, ErrUnroutable)
	assert.Contains(t, err.Error(), "NO_ROUTE")
	assert.True(t, IsTransient(err))

	d.last().unbound = false
	require.NoError(t, c.Publish(context.Background(), Message{RoutingKey: "user.created", Body: []byte(`{}`)}))
	assert.Equal(t, 1, d.calls, "a returned message keeps the session")
}

func TestAMQP_NackIsAnError(t *testing.T) {
	d := &dialer{prepare: func(ch *fakeChannel) { ch.nack = true }}
	c, _ := newTestAMQP(d)
	require.NoError(t, c.Connect(context.Background()))

	err := c.Publish(context.Background(), Message{RoutingKey: "user.created", Body: []byte(`{}`)})
	assert.ErrorIs(t, err, ErrNacked)
}

func TestAMQP_ConfirmTimeoutResetsSession(t *testing.T) {
	first := true
	d := &dialer{prepare: func(ch *fakeChannel) {
		ch.noConfirm = first
		first = false
	}}
	c, clk := newTestAMQP(d)
	require.NoError(t, c.Connect(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := c.Publish(ctx, Message{RoutingKey: "user.created", Body: []byte(`{}`)})
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.True(t, d.channels[0].IsClosed())

	clk.advance(2 * time.Second)
	require.NoError(t, c.Publish(context.Background(), Message{RoutingKey: "user.created", Body: []byte(`{}`)}))
	assert.Equal(t, 2, d.calls)
}

func TestAMQP_ReconnectsAfterChannelDrop(t *testing.T) {
	d := &dialer{}
	c, clk := newTestAMQP(d)
	require.NoError(t, c.Connect(context.Background()))

	d.last().drop()
	clk.advance(2 * time.Second)

	require.NoError(t, c.Publish(context.Background(), Message{RoutingKey: "user.created", Body: []byte(`{}`)}))
	assert.Equal(t, 2, d.calls)
	assert.Len(t, d.last().published, 1)
}

func TestAMQP_ReconnectIsThrottled(t *testing.T) {
	d := &dialer{err: errors.New("connection refused")}
	c, clk := newTestAMQP(d)

	err := c.Connect(context.Background())
	require.Error(t, err)

	err = c.Publish(context.Background(), Message{RoutingKey: "user.created", Body: []byte(`{}`)})
	require.ErrorIs(t, err, ErrNotConnected)
	assert.Equal(t, 1, d.calls, "no dial inside the reconnect interval")

	clk.advance(2 * time.Second)
	d.err = nil
	require.NoError(t, c.Publish(context.Background(), Message{RoutingKey: "user.created", Body: []byte(`{}`)}))
	assert.Equal(t, 2, d.calls)
}

func TestAMQP_ExplicitReconnect(t *testing.T) {
	d := &dialer{}
	c, _ := newTestAMQP(d)
	require.NoError(t, c.Connect(context.Background()))
	require.NoError(t, c.Reconnect(context.Background()))

	assert.Equal(t, 2, d.calls)
	assert.True(t, d.channels[0].IsClosed())
	assert.False(t, d.channels[1].IsClosed())
}

func TestAMQP_ClosedClientRejectsPublish(t *testing.T) {
	d := &dialer{}
	c, _ := newTestAMQP(d)
	require.NoError(t, c.Connect(context.Background()))
	require.NoError(t, c.Close())
	require.NoError(t, c.Close())

	err := c.Publish(context.Background(), Message{RoutingKey: "user.created"})
	assert.ErrorIs(t, err, ErrClientClosed)
	assert.ErrorIs(t, c.Connect(context.Background()), ErrClientClosed)
}
