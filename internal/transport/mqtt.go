package transport

import (
	"crypto/rand"
	"crypto/tls"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/jverney/dustprobe/internal/dps"
)

// Handler receives each raw DPS map delivered by a source.
type Handler func(dps.Observation)

// MQTTConfig configures the broker connection for push delivery.
type MQTTConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	TLS      bool   `json:"tls"`
	Username string `json:"username"`
	Password string `json:"password"`
	Topic    string `json:"topic"`
}

// envelope is the wire shape published by the upstream session client:
// the DPS map plus a device timestamp we do not rely on.
type envelope struct {
	DPS       map[string]any `json:"dps"`
	Timestamp int64          `json:"t"`
}

// MQTTSource subscribes to the device's status topic and hands every DPS
// envelope to the handler. Reconnects resubscribe automatically.
type MQTTSource struct {
	client  mqtt.Client
	topic   string
	handler Handler
}

// NewMQTTSource connects to the broker and subscribes.
func NewMQTTSource(cfg MQTTConfig, handler Handler) (*MQTTSource, error) {
	if cfg.Host == "" || cfg.Port == 0 {
		return nil, fmt.Errorf("mqtt host and port are required")
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("mqtt topic is required")
	}

	src := &MQTTSource{topic: cfg.Topic, handler: handler}

	opts := mqtt.NewClientOptions()
	scheme := "tcp"
	if cfg.TLS {
		scheme = "ssl"
		opts.SetTLSConfig(&tls.Config{})
	}
	opts.AddBroker(fmt.Sprintf("%s://%s:%d", scheme, cfg.Host, cfg.Port))
	opts.SetUsername(cfg.Username)
	opts.SetPassword(cfg.Password)
	opts.SetClientID(randomClientID())
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectTimeout(10 * time.Second)
	opts.OnConnect = func(client mqtt.Client) {
		if token := client.Subscribe(src.topic, 0, src.dispatch); token.Wait() && token.Error() != nil {
			log.Printf("mqtt subscribe %s: %v", src.topic, token.Error())
		}
	}

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, token.Error()
	}
	src.client = client
	return src, nil
}

func (s *MQTTSource) dispatch(_ mqtt.Client, msg mqtt.Message) {
	obs, err := ParseEnvelope(msg.Payload())
	if err != nil {
		log.Printf("mqtt payload on %s: %v", msg.Topic(), err)
		return
	}
	s.handler(obs)
}

// Close disconnects from the broker.
func (s *MQTTSource) Close() {
	if s.client != nil {
		s.client.Disconnect(250)
	}
}

// ParseEnvelope decodes one published payload into a DPS observation.
func ParseEnvelope(payload []byte) (dps.Observation, error) {
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, fmt.Errorf("parse dps envelope: %w", err)
	}
	if len(env.DPS) == 0 {
		return nil, fmt.Errorf("dps envelope is empty")
	}
	return dps.Observation(env.DPS), nil
}

func randomClientID() string {
	nonce := make([]byte, 8)
	_, _ = rand.Read(nonce)
	return "dustprobe-" + base64.RawURLEncoding.EncodeToString(nonce)
}
