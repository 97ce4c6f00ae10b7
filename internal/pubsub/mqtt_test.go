package pubsub

import (
	"context"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/gridfold/go-gridsim/internal/config"
	"github.com/stretchr/testify/assert"
)

// fakeToken completes immediately with a configurable error.
type fakeToken struct {
	err error
}

func (t *fakeToken) Wait() bool                     { return true }
func (t *fakeToken) WaitTimeout(time.Duration) bool { return true }
func (t *fakeToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}
func (t *fakeToken) Error() error { return t.err }

// pendingToken never completes, to exercise timeouts.
type pendingToken struct{}

func (t *pendingToken) Wait() bool                     { return false }
func (t *pendingToken) WaitTimeout(time.Duration) bool { return false }
func (t *pendingToken) Done() <-chan struct{}          { return make(chan struct{}) }
func (t *pendingToken) Error() error                   { return nil }

// fakeClient records publishes and returns scripted tokens.
type fakeClient struct {
	mqtt.Client
	connectToken mqtt.Token
	publishToken mqtt.Token

	publishedTopic   string
	publishedRetain  bool
	publishedPayload []byte
	disconnected     bool
}

func (c *fakeClient) Connect() mqtt.Token {
	if c.connectToken != nil {
		return c.connectToken
	}
	return &fakeToken{}
}

func (c *fakeClient) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	c.publishedTopic = topic
	c.publishedRetain = retained
	c.publishedPayload = payload.([]byte)
	if c.publishToken != nil {
		return c.publishToken
	}
	return &fakeToken{}
}

func (c *fakeClient) Disconnect(quiesce uint) {
	c.disconnected = true
}

func mqttConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.MQTT.Enabled = true
	cfg.MQTT.Host = "localhost"
	cfg.MQTT.Port = 1883
	cfg.MQTT.Topic = "test/topic"
	return cfg
}

func TestNoopPublisher(t *testing.T) {
	publisher := NewNoopPublisher()
	ctx := context.Background()

	assert.NoError(t, publisher.Connect(ctx))
	assert.NoError(t, publisher.Publish(ctx, "test/topic", map[string]interface{}{"test": "data"}))
	assert.NoError(t, publisher.Close())
}

func TestNewMQTTPublisher(t *testing.T) {
	cfg := mqttConfig()
	publisher := NewMQTTPublisher(cfg)
	assert.NotNil(t, publisher)
	assert.Equal(t, cfg, publisher.config)
	assert.False(t, publisher.connected)
	assert.Nil(t, publisher.client)
}

func TestMQTTPublisher_Connect_Disabled(t *testing.T) {
	cfg := mqttConfig()
	cfg.MQTT.Enabled = false

	publisher := NewMQTTPublisher(cfg)
	err := publisher.Connect(context.Background())
	assert.NoError(t, err)
	assert.False(t, publisher.connected)
}

func TestMQTTPublisher_Connect_Successful(t *testing.T) {
	publisher := NewMQTTPublisherWithClient(mqttConfig(), &fakeClient{})

	err := publisher.Connect(context.Background())
	assert.NoError(t, err)
	assert.True(t, publisher.connected)
}

func TestMQTTPublisher_Connect_Error(t *testing.T) {
	client := &fakeClient{connectToken: &fakeToken{err: assert.AnError}}
	publisher := NewMQTTPublisherWithClient(mqttConfig(), client)

	err := publisher.Connect(context.Background())
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "failed to connect")
	assert.False(t, publisher.connected)
}

func TestMQTTPublisher_Connect_Timeout(t *testing.T) {
	client := &fakeClient{connectToken: &pendingToken{}}
	publisher := NewMQTTPublisherWithClient(mqttConfig(), client)

	ctx, cancel := context.WithTimeout(context.Background(), time.Millisecond)
	defer cancel()

	err := publisher.Connect(ctx)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "timeout")
	assert.False(t, publisher.connected)
}

func TestMQTTPublisher_Publish_NotConnected(t *testing.T) {
	publisher := NewMQTTPublisher(mqttConfig())

	// Should not error when not connected but MQTT enabled (just returns nil)
	err := publisher.Publish(context.Background(), "test/topic", map[string]string{"test": "data"})
	assert.NoError(t, err)
}

func TestMQTTPublisher_Publish_Disabled(t *testing.T) {
	cfg := mqttConfig()
	cfg.MQTT.Enabled = false
	publisher := NewMQTTPublisher(cfg)

	err := publisher.Publish(context.Background(), "test/topic", map[string]string{"test": "data"})
	assert.NoError(t, err)
}

func TestMQTTPublisher_Publish_Successful(t *testing.T) {
	cfg := mqttConfig()
	cfg.MQTT.Retain = true
	client := &fakeClient{}
	publisher := NewMQTTPublisherWithClient(cfg, client)
	publisher.connected = true

	err := publisher.Publish(context.Background(), "test/topic", map[string]string{"test": "data"})
	assert.NoError(t, err)
	assert.Equal(t, "test/topic", client.publishedTopic)
	assert.True(t, client.publishedRetain)
	assert.JSONEq(t, `{"test":"data"}`, string(client.publishedPayload))
}

func TestMQTTPublisher_Publish_InvalidData(t *testing.T) {
	publisher := NewMQTTPublisherWithClient(mqttConfig(), &fakeClient{})
	publisher.connected = true

	// Test with data that cannot be JSON marshaled
	invalidData := make(chan int)

	err := publisher.Publish(context.Background(), "test/topic", invalidData)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "marshal")
}

func TestMQTTPublisher_Publish_Error(t *testing.T) {
	client := &fakeClient{publishToken: &fakeToken{err: assert.AnError}}
	publisher := NewMQTTPublisherWithClient(mqttConfig(), client)
	publisher.connected = true

	err := publisher.Publish(context.Background(), "test/topic", map[string]string{"test": "data"})
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "failed to publish message")
}

func TestMQTTPublisher_Publish_Timeout(t *testing.T) {
	client := &fakeClient{publishToken: &pendingToken{}}
	publisher := NewMQTTPublisherWithClient(mqttConfig(), client)
	publisher.connected = true

	ctx, cancel := context.WithTimeout(context.Background(), time.Millisecond)
	defer cancel()

	err := publisher.Publish(ctx, "test/topic", map[string]string{"test": "data"})
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "timeout")
}

func TestMQTTPublisher_Close(t *testing.T) {
	t.Run("not connected", func(t *testing.T) {
		publisher := NewMQTTPublisher(mqttConfig())
		assert.NoError(t, publisher.Close())
	})

	t.Run("connected", func(t *testing.T) {
		client := &fakeClient{}
		publisher := NewMQTTPublisherWithClient(mqttConfig(), client)
		publisher.connected = true

		assert.NoError(t, publisher.Close())
		assert.True(t, client.disconnected)
		assert.False(t, publisher.connected)
	})
}
