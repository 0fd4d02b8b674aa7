package registration

import (
	"log"
	"os"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// MQTTClient owns the broker connection used by the Publisher.
type MQTTClient struct {
	client      mqtt.Client
	isConnected bool
	mu          sync.RWMutex

	stop     chan struct{}
	stopOnce sync.Once
}

// brokerSettings resolves connection settings; env vars win over the file.
type brokerSettings struct {
	broker, clientID, username, password string
}

func resolveBrokerSettings(cfg MQTTConfig) brokerSettings {
	pick := func(env, fallback string) string {
		if v := os.Getenv(env); v != "" {
			return v
		}
		return fallback
	}
	s := brokerSettings{
		broker:   pick("MQTT_BROKER", cfg.Broker),
		clientID: pick("MQTT_CLIENT_ID", cfg.ClientID),
		username: pick("MQTT_USERNAME", cfg.Username),
		password: pick("MQTT_PASSWORD", cfg.Password),
	}
	if s.clientID == "" {
		s.clientID = "meshreg"
	}
	return s
}

// ConnectMQTT starts connecting to the configured broker in the background.
// If neither MQTT_BROKER nor mqtt.broker is set, MQTT is disabled and this
// returns nil.
func ConnectMQTT(cfg MQTTConfig) *MQTTClient {
	s := resolveBrokerSettings(cfg)
	if s.broker == "" {
		log.Println("MQTT disabled: MQTT_BROKER not set")
		return nil
	}

	c := &MQTTClient{stop: make(chan struct{})}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(s.broker)
	opts.SetClientID(s.clientID)
	if s.username != "" {
		opts.SetUsername(s.username)
		opts.SetPassword(s.password)
	}

	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetMaxReconnectInterval(60 * time.Second)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)

	opts.SetOnConnectHandler(c.onConnect)
	opts.SetConnectionLostHandler(c.onConnectionLost)
	opts.SetReconnectingHandler(c.onReconnecting)

	c.client = mqtt.NewClient(opts)
	go c.connectWithRetry()
	return c
}

// newMQTTClientWithMock wraps an existing client, used with MockClient.
func newMQTTClientWithMock(client mqtt.Client) *MQTTClient {
	return &MQTTClient{client: client, stop: make(chan struct{})}
}

// connectWithRetry dials the broker with exponential backoff capped at a
// minute until it succeeds or Disconnect is called.
func (c *MQTTClient) connectWithRetry() {
	backoff := time.Second
	const maxBackoff = 60 * time.Second

	for attempt := 1; ; attempt++ {
		log.Printf("Connecting to MQTT broker (attempt %d)...", attempt)
		token := c.client.Connect()
		switch {
		case !token.WaitTimeout(10 * time.Second):
			log.Println("MQTT connection timeout")
		case token.Error() != nil:
			log.Printf("MQTT connection failed: %v", token.Error())
		default:
			log.Println("Successfully connected to MQTT broker")
			c.setConnected(true)
			return
		}

		log.Printf("Retrying MQTT connection in %v...", backoff)
		select {
		case <-c.stop:
			return
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, maxBackoff)
	}
}

func (c *MQTTClient) onConnect(client mqtt.Client) {
	log.Println("MQTT connected, publishing registration results")
	c.setConnected(true)
}

func (c *MQTTClient) onConnectionLost(client mqtt.Client, err error) {
	log.Printf("MQTT connection interrupted (%v), auto-reconnect will retry", err)
	c.setConnected(false)
}

func (c *MQTTClient) onReconnecting(client mqtt.Client, opts *mqtt.ClientOptions) {
	log.Println("MQTT reconnecting...")
}

// IsConnected reports the state seen by the connection handlers.
func (c *MQTTClient) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.isConnected
}

func (c *MQTTClient) setConnected(connected bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.isConnected = connected
}

// Disconnect stops any pending connection attempts and closes the
// connection. It is safe to call more than once.
func (c *MQTTClient) Disconnect() {
	c.stopOnce.Do(func() { close(c.stop) })
	if c.client != nil && c.client.IsConnected() {
		log.Println("Disconnecting from MQTT broker...")
		c.client.Disconnect(250)
		c.setConnected(false)
	}
}

// GetClient returns the paho client handed to NewPublisher.
func (c *MQTTClient) GetClient() mqtt.Client {
	return c.client
}
