// Package brokertest provides an in-memory broker implementing the
// broker.Connection and broker.Channel interfaces. It models queues, prefetch,
// acknowledgement and requeue-on-close closely enough to exercise streaming
// sessions and one-shot operations without RabbitMQ.
package brokertest

import (
	"context"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/drblury/rabbitscope/internal/broker"
)

type message struct {
	pub         amqp.Publishing
	exchange    string
	routingKey  string
	redelivered bool
}

type queue struct {
	name    string
	ready   []message
	unacked int
	changed chan struct{}
}

func (q *queue) signal() {
	close(q.changed)
	q.changed = make(chan struct{})
}

type exchange struct {
	bound     []string
	published []amqp.Publishing
}

// Broker is an in-memory message broker. The zero value is not usable; call
// New.
type Broker struct {
	mu        sync.Mutex
	queues    map[string]*queue
	exchanges map[string]*exchange
	conns     map[*Connection]struct{}

	dialErr   error
	blockDial bool
	dials     int
}

// New returns an empty broker.
func New() *Broker {
	return &Broker{
		queues:    make(map[string]*queue),
		exchanges: make(map[string]*exchange),
		conns:     make(map[*Connection]struct{}),
	}
}

func key(vhost, name string) string {
	if vhost == "" {
		vhost = broker.DefaultVhost
	}
	return vhost + "|" + name
}

// DeclareQueue creates an empty queue.
func (b *Broker) DeclareQueue(vhost, name string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.queues[key(vhost, name)]; !ok {
		b.queues[key(vhost, name)] = &queue{name: name, changed: make(chan struct{})}
	}
}

// DeclareExchange creates an exchange that fans out to the given queues.
func (b *Broker) DeclareExchange(vhost, name string, boundQueues ...string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.exchanges[key(vhost, name)] = &exchange{bound: boundQueues}
}

// Enqueue appends messages to a declared queue.
func (b *Broker) Enqueue(vhost, name string, msgs ...amqp.Publishing) {
	b.mu.Lock()
	defer b.mu.Unlock()
	q := b.queues[key(vhost, name)]
	if q == nil {
		panic(fmt.Sprintf("brokertest: queue %q not declared in vhost %q", name, vhost))
	}
	for _, m := range msgs {
		q.ready = append(q.ready, message{pub: m, routingKey: name})
	}
	q.signal()
}

// Depth is the number of ready messages in a queue.
func (b *Broker) Depth(vhost, name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if q := b.queues[key(vhost, name)]; q != nil {
		return len(q.ready)
	}
	return 0
}

// Unacked is the number of delivered but unacknowledged messages of a queue.
func (b *Broker) Unacked(vhost, name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if q := b.queues[key(vhost, name)]; q != nil {
		return q.unacked
	}
	return 0
}

// Published returns the messages routed through a named exchange.
func (b *Broker) Published(vhost, name string) []amqp.Publishing {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ex := b.exchanges[key(vhost, name)]; ex != nil {
		return append([]amqp.Publishing(nil), ex.published...)
	}
	return nil
}

// OpenConnections is the number of connections not yet closed.
func (b *Broker) OpenConnections() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.conns)
}

// Dials is the number of Dial calls made so far.
func (b *Broker) Dials() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dials
}

// FailDial makes every subsequent Dial return err.
func (b *Broker) FailDial(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dialErr = err
}

// BlockDial makes Dial hang until its context ends.
func (b *Broker) BlockDial() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.blockDial = true
}

// DropConnections closes every open connection from the broker side, the
// way a broker restart would.
func (b *Broker) DropConnections(reason string) {
	b.mu.Lock()
	conns := make([]*Connection, 0, len(b.conns))
	for c := range b.conns {
		conns = append(conns, c)
	}
	b.mu.Unlock()

	for _, c := range conns {
		c.shutdown(&amqp.Error{Code: amqp.ConnectionForced, Reason: reason, Server: true})
	}
}

// Dial satisfies broker.DialFunc.
func (b *Broker) Dial(ctx context.Context, params broker.Params) (broker.Connection, error) {
	b.mu.Lock()
	b.dials++
	dialErr, block := b.dialErr, b.blockDial
	b.mu.Unlock()

	if block {
		<-ctx.Done()
		return nil, broker.Classify(broker.StageConnect, ctx.Err())
	}
	if dialErr != nil {
		return nil, broker.Classify(broker.StageConnect, dialErr)
	}

	c := &Connection{broker: b, vhost: params.VhostOrDefault(), channels: make(map[*Channel]struct{})}
	b.mu.Lock()
	b.conns[c] = struct{}{}
	b.mu.Unlock()
	return c, nil
}

// Connection is an in-memory broker.Connection.
type Connection struct {
	broker   *Broker
	vhost    string
	closed   bool
	channels map[*Channel]struct{}
	notify   []chan *amqp.Error
}

var _ broker.Connection = (*Connection)(nil)

func (c *Connection) Channel() (broker.Channel, error) {
	b := c.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if c.closed {
		return nil, amqp.ErrClosed
	}
	ch := &Channel{conn: c, unacked: make(map[uint64]*pending), consumers: make(map[string]chan struct{})}
	c.channels[ch] = struct{}{}
	return ch, nil
}

func (c *Connection) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	b := c.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if c.closed {
		close(receiver)
		return receiver
	}
	c.notify = append(c.notify, receiver)
	return receiver
}

func (c *Connection) Close() error {
	if !c.shutdown(nil) {
		return amqp.ErrClosed
	}
	return nil
}

func (c *Connection) CloseDeadline(time.Time) error {
	return c.Close()
}

func (c *Connection) IsClosed() bool {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()
	return c.closed
}

func (c *Connection) shutdown(reason *amqp.Error) bool {
	b := c.broker
	b.mu.Lock()
	if c.closed {
		b.mu.Unlock()
		return false
	}
	c.closed = true
	delete(b.conns, c)
	for ch := range c.channels {
		ch.closeLocked(reason)
	}
	notify := c.notify
	c.notify = nil
	b.mu.Unlock()

	notifyClosed(notify, reason)
	return true
}

type pending struct {
	queue *queue
	msg   message
}

// Channel is an in-memory broker.Channel.
type Channel struct {
	conn      *Connection
	closed    bool
	prefetch  int
	nextTag   uint64
	unacked   map[uint64]*pending
	consumers map[string]chan struct{}
	notify    []chan *amqp.Error
}

var _ broker.Channel = (*Channel)(nil)

func (ch *Channel) lookup(name string) (*queue, error) {
	q := ch.conn.broker.queues[key(ch.conn.vhost, name)]
	if q == nil {
		return nil, &amqp.Error{Code: amqp.NotFound, Reason: fmt.Sprintf("NOT_FOUND - no queue '%s' in vhost '%s'", name, ch.conn.vhost), Server: true}
	}
	return q, nil
}

func (ch *Channel) Qos(prefetchCount, _ int, _ bool) error {
	b := ch.conn.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch.closed {
		return amqp.ErrClosed
	}
	ch.prefetch = prefetchCount
	return nil
}

func (ch *Channel) QueueDeclarePassive(name string, _, _, _, _ bool, _ amqp.Table) (amqp.Queue, error) {
	b := ch.conn.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch.closed {
		return amqp.Queue{}, amqp.ErrClosed
	}
	q, err := ch.lookup(name)
	if err != nil {
		return amqp.Queue{}, err
	}
	return amqp.Queue{Name: name, Messages: len(q.ready)}, nil
}

func (ch *Channel) ExchangeDeclarePassive(name, _ string, _, _, _, _ bool, _ amqp.Table) error {
	b := ch.conn.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch.closed {
		return amqp.ErrClosed
	}
	if _, ok := b.exchanges[key(ch.conn.vhost, name)]; !ok {
		return &amqp.Error{Code: amqp.NotFound, Reason: fmt.Sprintf("NOT_FOUND - no exchange '%s' in vhost '%s'", name, ch.conn.vhost), Server: true}
	}
	return nil
}

func (ch *Channel) Consume(queueName, consumer string, autoAck, _, _, _ bool, _ amqp.Table) (<-chan amqp.Delivery, error) {
	b := ch.conn.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch.closed {
		return nil, amqp.ErrClosed
	}
	q, err := ch.lookup(queueName)
	if err != nil {
		return nil, err
	}
	stop := make(chan struct{})
	ch.consumers[consumer] = stop
	out := make(chan amqp.Delivery)
	go ch.dispatch(q, consumer, autoAck, out, stop)
	return out, nil
}

func (ch *Channel) dispatch(q *queue, consumer string, autoAck bool, out chan<- amqp.Delivery, stop <-chan struct{}) {
	defer close(out)
	b := ch.conn.broker
	for {
		b.mu.Lock()
		d, ok := ch.nextLocked(q, autoAck)
		wait := q.changed
		b.mu.Unlock()

		if !ok {
			select {
			case <-wait:
				continue
			case <-stop:
				return
			}
		}
		d.ConsumerTag = consumer
		select {
		case out <- d:
		case <-stop:
			return
		}
	}
}

// nextLocked pops the next deliverable message honouring prefetch.
func (ch *Channel) nextLocked(q *queue, autoAck bool) (amqp.Delivery, bool) {
	if ch.closed || len(q.ready) == 0 {
		return amqp.Delivery{}, false
	}
	if !autoAck && ch.prefetch > 0 && len(ch.unacked) >= ch.prefetch {
		return amqp.Delivery{}, false
	}
	msg := q.ready[0]
	q.ready = q.ready[1:]
	ch.nextTag++
	if !autoAck {
		ch.unacked[ch.nextTag] = &pending{queue: q, msg: msg}
		q.unacked++
	}
	return toDelivery(msg, ch.nextTag, len(q.ready)), true
}

func toDelivery(m message, tag uint64, remaining int) amqp.Delivery {
	p := m.pub
	return amqp.Delivery{
		Headers:         p.Headers,
		ContentType:     p.ContentType,
		ContentEncoding: p.ContentEncoding,
		DeliveryMode:    p.DeliveryMode,
		Priority:        p.Priority,
		CorrelationId:   p.CorrelationId,
		ReplyTo:         p.ReplyTo,
		Expiration:      p.Expiration,
		MessageId:       p.MessageId,
		Timestamp:       p.Timestamp,
		Type:            p.Type,
		UserId:          p.UserId,
		AppId:           p.AppId,
		MessageCount:    uint32(remaining),
		DeliveryTag:     tag,
		Redelivered:     m.redelivered,
		Exchange:        m.exchange,
		RoutingKey:      m.routingKey,
		Body:            p.Body,
	}
}

func (ch *Channel) Cancel(consumer string, _ bool) error {
	b := ch.conn.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch.closed {
		return amqp.ErrClosed
	}
	if stop, ok := ch.consumers[consumer]; ok {
		close(stop)
		delete(ch.consumers, consumer)
	}
	return nil
}

func (ch *Channel) Get(queueName string, autoAck bool) (amqp.Delivery, bool, error) {
	b := ch.conn.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch.closed {
		return amqp.Delivery{}, false, amqp.ErrClosed
	}
	q, err := ch.lookup(queueName)
	if err != nil {
		return amqp.Delivery{}, false, err
	}
	if len(q.ready) == 0 {
		return amqp.Delivery{}, false, nil
	}
	msg := q.ready[0]
	q.ready = q.ready[1:]
	ch.nextTag++
	if !autoAck {
		ch.unacked[ch.nextTag] = &pending{queue: q, msg: msg}
		q.unacked++
	}
	return toDelivery(msg, ch.nextTag, len(q.ready)), true, nil
}

func (ch *Channel) Ack(tag uint64, multiple bool) error {
	b := ch.conn.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	settled, err := ch.settleLocked(tag, multiple)
	if err != nil {
		return err
	}
	for _, p := range settled {
		p.queue.signal()
	}
	return nil
}

func (ch *Channel) Nack(tag uint64, multiple, requeue bool) error {
	b := ch.conn.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	settled, err := ch.settleLocked(tag, multiple)
	if err != nil {
		return err
	}
	requeued := map[*queue][]message{}
	for _, p := range settled {
		if requeue {
			p.msg.redelivered = true
			requeued[p.queue] = append(requeued[p.queue], p.msg)
		}
		p.queue.signal()
	}
	for q, msgs := range requeued {
		q.ready = append(msgs, q.ready...)
	}
	return nil
}

// settleLocked removes tag, or every tag up to and including it when
// multiple is set, from the unacknowledged set in delivery order.
func (ch *Channel) settleLocked(tag uint64, multiple bool) ([]*pending, error) {
	if ch.closed {
		return nil, amqp.ErrClosed
	}
	if _, ok := ch.unacked[tag]; !ok {
		return nil, &amqp.Error{Code: amqp.PreconditionFailed, Reason: fmt.Sprintf("PRECONDITION_FAILED - unknown delivery tag %d", tag)}
	}
	first := tag
	if multiple {
		first = 1
	}
	var settled []*pending
	for t := first; t <= tag; t++ {
		p, ok := ch.unacked[t]
		if !ok {
			continue
		}
		delete(ch.unacked, t)
		p.queue.unacked--
		settled = append(settled, p)
	}
	return settled, nil
}

func (ch *Channel) PublishWithContext(ctx context.Context, exchangeName, routingKey string, _, _ bool, msg amqp.Publishing) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b := ch.conn.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch.closed {
		return amqp.ErrClosed
	}
	vhost := ch.conn.vhost
	targets := []string{routingKey}
	if exchangeName != "" {
		ex := b.exchanges[key(vhost, exchangeName)]
		if ex == nil {
			return &amqp.Error{Code: amqp.NotFound, Reason: fmt.Sprintf("NOT_FOUND - no exchange '%s' in vhost '%s'", exchangeName, vhost)}
		}
		ex.published = append(ex.published, msg)
		targets = ex.bound
	}
	for _, name := range targets {
		if q := b.queues[key(vhost, name)]; q != nil {
			q.ready = append(q.ready, message{pub: msg, exchange: exchangeName, routingKey: routingKey})
			q.signal()
		}
	}
	return nil
}

func (ch *Channel) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	b := ch.conn.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch.closed {
		close(receiver)
		return receiver
	}
	ch.notify = append(ch.notify, receiver)
	return receiver
}

func (ch *Channel) Close() error {
	b := ch.conn.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch.closed {
		return amqp.ErrClosed
	}
	ch.closeLocked(nil)
	delete(ch.conn.channels, ch)
	return nil
}

// closeLocked stops consumers and returns every unacknowledged message to
// the head of its queue in delivery order.
func (ch *Channel) closeLocked(reason *amqp.Error) {
	if ch.closed {
		return
	}
	ch.closed = true

	requeued := map[*queue][]message{}
	for tag := uint64(1); tag <= ch.nextTag; tag++ {
		p, ok := ch.unacked[tag]
		if !ok {
			continue
		}
		p.queue.unacked--
		p.msg.redelivered = true
		requeued[p.queue] = append(requeued[p.queue], p.msg)
	}
	for q, msgs := range requeued {
		q.ready = append(msgs, q.ready...)
		q.signal()
	}
	ch.unacked = map[uint64]*pending{}

	for consumer, stop := range ch.consumers {
		close(stop)
		delete(ch.consumers, consumer)
	}
	notifyClosed(ch.notify, reason)
	ch.notify = nil
}

func notifyClosed(receivers []chan *amqp.Error, reason *amqp.Error) {
	for _, n := range receivers {
		if reason != nil {
			select {
			case n <- reason:
			default:
			}
		}
		close(n)
	}
}
