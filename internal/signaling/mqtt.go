package signaling

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
)

const (
	mqttConnectTimeout = 10 * time.Second
	mqttOpTimeout      = 5 * time.Second
	mqttDisconnectMs   = 250
)

// mqttTransport is the production signaling transport: one MQTT client
// connection to the relay broker. Automatic reconnection is disabled; the
// Channel owns the backoff policy and constructs a fresh transport per
// attempt.
type mqttTransport struct {
	brokerURL string
	creds     Credentials

	mu       sync.Mutex
	cli      mqtt.Client
	onStatus func(Status, error)
	once     sync.Once
}

// NewMQTTTransportFactory returns a Transport factory dialing brokerURL.
func NewMQTTTransportFactory(brokerURL string) func(Credentials) (Transport, error) {
	return func(creds Credentials) (Transport, error) {
		if brokerURL == "" {
			return nil, errors.New("mqtt broker URL is empty")
		}
		return &mqttTransport{brokerURL: brokerURL, creds: creds}, nil
	}
}

func (t *mqttTransport) SetStatusHandler(fn func(Status, error)) {
	t.mu.Lock()
	t.onStatus = fn
	t.mu.Unlock()
}

func (t *mqttTransport) status(s Status, err error) {
	t.mu.Lock()
	fn := t.onStatus
	t.mu.Unlock()
	if fn != nil {
		fn(s, err)
	}
}

func (t *mqttTransport) Connect(ctx context.Context) error {
	opts := mqtt.NewClientOptions().
		AddBroker(t.brokerURL).
		SetClientID("guardianlink-" + uuid.NewString()).
		SetAutoReconnect(false).
		SetCleanSession(true).
		SetOrderMatters(false).
		SetKeepAlive(30 * time.Second).
		SetPingTimeout(10 * time.Second).
		SetConnectTimeout(mqttConnectTimeout)
	if t.creds.Username != "" {
		opts.SetUsername(t.creds.Username)
		opts.SetPassword(t.creds.Password)
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		t.status(StatusDisconnected, err)
	}

	cli := mqtt.NewClient(opts)
	t.mu.Lock()
	t.cli = cli
	t.mu.Unlock()

	tok := cli.Connect()
	select {
	case <-tok.Done():
	case <-ctx.Done():
		cli.Disconnect(0)
		return ctx.Err()
	}
	if err := tok.Error(); err != nil {
		return fmt.Errorf("mqtt connect %s: %w", t.brokerURL, err)
	}
	return nil
}

func (t *mqttTransport) Subscribe(filter string, handler func(topic string, payload []byte)) error {
	t.mu.Lock()
	cli := t.cli
	t.mu.Unlock()
	if cli == nil {
		return ErrNotConnected
	}

	tok := cli.Subscribe(filter, 1, func(_ mqtt.Client, msg mqtt.Message) {
		handler(msg.Topic(), msg.Payload())
	})
	if !tok.WaitTimeout(mqttOpTimeout) {
		return fmt.Errorf("mqtt subscribe %s: timeout", filter)
	}
	if err := tok.Error(); err != nil {
		return fmt.Errorf("mqtt subscribe %s: %w", filter, err)
	}
	return nil
}

func (t *mqttTransport) Publish(topic string, payload []byte) error {
	t.mu.Lock()
	cli := t.cli
	t.mu.Unlock()
	if cli == nil {
		return ErrNotConnected
	}

	tok := cli.Publish(topic, 1, false, payload)
	if !tok.WaitTimeout(mqttOpTimeout) {
		return fmt.Errorf("mqtt publish %s: timeout", topic)
	}
	if err := tok.Error(); err != nil {
		return fmt.Errorf("mqtt publish %s: %w", topic, err)
	}
	return nil
}

func (t *mqttTransport) Disconnect() {
	t.once.Do(func() {
		t.mu.Lock()
		cli := t.cli
		t.cli = nil
		t.onStatus = nil
		t.mu.Unlock()
		if cli != nil && cli.IsConnectionOpen() {
			cli.Disconnect(mqttDisconnectMs)
		}
	})
}
