package transport

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

const defaultOpTimeout = 5 * time.Second

// ErrPublishTimeout is returned when the broker does not confirm a publish
// within the operation timeout.
var ErrPublishTimeout = errors.New("transport: publish timed out")

// ConnConfig holds MQTT connection configuration.
type ConnConfig struct {
	BrokerURL string
	ClientID  string
	Username  string
	Password  string
	CACert    string // path to CA certificate; enables TLS when set
	OpTimeout time.Duration
}

// Conn owns a single MQTT connection. It is injected into components that
// publish or subscribe; nothing else holds a transport handle.
type Conn struct {
	client    mqtt.Client
	opTimeout time.Duration
	logger    *log.Logger
}

// NewConn connects to the broker and returns an owned connection.
func NewConn(cfg ConnConfig, logger *log.Logger) (*Conn, error) {
	if cfg.BrokerURL == "" {
		return nil, errors.New("transport: empty broker url")
	}
	if logger == nil {
		logger = log.Default()
	}
	if cfg.OpTimeout <= 0 {
		cfg.OpTimeout = defaultOpTimeout
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.BrokerURL)
	opts.SetClientID(cfg.ClientID)
	opts.SetAutoReconnect(true)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetOrderMatters(false)
	opts.SetOnConnectHandler(func(mqtt.Client) {
		logger.Printf("transport: connected to %s", cfg.BrokerURL)
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		logger.Printf("transport: connection lost: %v", err)
	})

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	if cfg.CACert != "" {
		tlsConfig, err := buildTLSConfig(cfg.CACert)
		if err != nil {
			return nil, err
		}
		opts.SetTLSConfig(tlsConfig)
	}

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(cfg.OpTimeout) {
		return nil, fmt.Errorf("transport: connect to %s timed out", cfg.BrokerURL)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("transport: connect to %s: %w", cfg.BrokerURL, err)
	}

	return &Conn{client: client, opTimeout: cfg.OpTimeout, logger: logger}, nil
}

// Publish sends a payload to a topic. The wait is bounded by the operation
// timeout or the caller's context, whichever ends first.
func (c *Conn) Publish(ctx context.Context, topic string, payload []byte, qos byte) error {
	if c == nil || c.client == nil {
		return errors.New("transport: nil connection")
	}
	timeout := c.opTimeout
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < timeout {
			timeout = remaining
		}
	}
	token := c.client.Publish(topic, qos, false, payload)
	if !token.WaitTimeout(timeout) {
		return ErrPublishTimeout
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("transport: publish to %s: %w", topic, err)
	}
	return nil
}

// Subscribe registers a handler for a topic pattern. Paho invokes handlers
// on its own goroutines, so handlers for different devices never serialize
// on a shared lock here.
func (c *Conn) Subscribe(pattern string, qos byte, handler MessageHandler) error {
	if c == nil || c.client == nil {
		return errors.New("transport: nil connection")
	}
	if handler == nil {
		return errors.New("transport: nil handler")
	}
	token := c.client.Subscribe(pattern, qos, func(_ mqtt.Client, msg mqtt.Message) {
		handler(msg.Topic(), msg.Payload())
	})
	if !token.WaitTimeout(c.opTimeout) {
		return fmt.Errorf("transport: subscribe %s timed out", pattern)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("transport: subscribe %s: %w", pattern, err)
	}
	return nil
}

// Close disconnects from the broker, allowing in-flight work to finish.
func (c *Conn) Close() {
	if c == nil || c.client == nil {
		return
	}
	c.client.Disconnect(250)
	c.logger.Printf("transport: disconnected")
}

func buildTLSConfig(caCertPath string) (*tls.Config, error) {
	pem, err := os.ReadFile(caCertPath)
	if err != nil {
		return nil, fmt.Errorf("transport: read ca cert: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, errors.New("transport: invalid ca cert")
	}
	return &tls.Config{RootCAs: pool, MinVersion: tls.VersionTLS12}, nil
}
