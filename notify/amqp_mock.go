package notify

import (
	"fmt"

	"github.com/streadway/amqp"
)

// MockAMQPDialer returns a canned connection, or DialErr.
type MockAMQPDialer struct {
	MockConnection AMQPConnection
	DialErr        error

	LastURL string
}

func (m *MockAMQPDialer) Dial(url string) (AMQPConnection, error) {
	m.LastURL = url
	if m.DialErr != nil {
		return nil, m.DialErr
	}
	return m.MockConnection, nil
}

// MockAMQPConnection hands out a canned channel and records Close.
type MockAMQPConnection struct {
	MockChannel AMQPChannel
	ChannelErr  error
	CloseErr    error

	CloseCalled bool
}

func (m *MockAMQPConnection) Channel() (AMQPChannel, error) {
	if m.ChannelErr != nil {
		return nil, m.ChannelErr
	}
	return m.MockChannel, nil
}

func (m *MockAMQPConnection) Close() error {
	m.CloseCalled = true
	return m.CloseErr
}

// MockAMQPChannel records declared queues and published messages, and can be
// told to fail any operation.
type MockAMQPChannel struct {
	QueueDeclareErr error
	PublishErr      error
	CloseErr        error

	// PublishedMessages holds every successfully published message in order.
	PublishedMessages []amqp.Publishing

	QueueDeclareCalled bool
	CloseCalled        bool
	LastQueueName      string
	LastExchange       string
	LastKey            string
}

func (m *MockAMQPChannel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	m.QueueDeclareCalled = true
	m.LastQueueName = name
	if m.QueueDeclareErr != nil {
		return amqp.Queue{}, m.QueueDeclareErr
	}
	return amqp.Queue{Name: name}, nil
}

func (m *MockAMQPChannel) Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	m.LastExchange = exchange
	m.LastKey = key
	if m.PublishErr != nil {
		return m.PublishErr
	}
	m.PublishedMessages = append(m.PublishedMessages, msg)
	return nil
}

func (m *MockAMQPChannel) Close() error {
	m.CloseCalled = true
	return m.CloseErr
}

// SetupMockDialerForTest wires a working dialer, channel and connection.
func SetupMockDialerForTest() (*MockAMQPDialer, *MockAMQPChannel, *MockAMQPConnection) {
	channel := &MockAMQPChannel{}
	conn := &MockAMQPConnection{MockChannel: channel}
	return &MockAMQPDialer{MockConnection: conn}, channel, conn
}

// SetupMockDialerWithChannelError wires a dialer whose connection cannot open
// a channel.
func SetupMockDialerWithChannelError() *MockAMQPDialer {
	return &MockAMQPDialer{
		MockConnection: &MockAMQPConnection{
			ChannelErr: fmt.Errorf("failed to open channel"),
		},
	}
}

// SetupMockDialerWithQueueError wires a dialer whose channel rejects queue
// declarations.
func SetupMockDialerWithQueueError() (*MockAMQPDialer, *MockAMQPChannel) {
	channel := &MockAMQPChannel{
		QueueDeclareErr: fmt.Errorf("failed to declare queue"),
	}
	return &MockAMQPDialer{
		MockConnection: &MockAMQPConnection{MockChannel: channel},
	}, channel
}
