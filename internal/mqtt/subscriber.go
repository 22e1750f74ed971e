package mqtt

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	"github.com/raaihank/beacon-dashboard/internal/ingest"
)

// ErrInvalidTopic is returned for topics outside <prefix>/<userId>/upload
var ErrInvalidTopic = errors.New("invalid upload topic")

// Config contains MQTT ingestion configuration
type Config struct {
	Enabled        bool          `yaml:"enabled" mapstructure:"enabled"`
	Broker         string        `yaml:"broker" mapstructure:"broker"`
	ClientID       string        `yaml:"client_id" mapstructure:"client_id"`
	Username       string        `yaml:"username" mapstructure:"username"`
	Password       string        `yaml:"password" mapstructure:"password"`
	TopicPrefix    string        `yaml:"topic_prefix" mapstructure:"topic_prefix"`
	QoS            byte          `yaml:"qos" mapstructure:"qos"`
	IngestTimeout  time.Duration `yaml:"ingest_timeout" mapstructure:"ingest_timeout"`
	ConnectTimeout time.Duration `yaml:"connect_timeout" mapstructure:"connect_timeout"`
}

// Ingester runs one upload through the pipeline
type Ingester interface {
	Ingest(ctx context.Context, content []byte, filename, userID string) (*ingest.Result, error)
}

// IngestedFunc is called after every handled message, successful or not
type IngestedFunc func(ctx context.Context, userID string, result *ingest.Result, err error)

// Subscriber feeds gateway payloads published on MQTT into the ingestion pipeline
type Subscriber struct {
	client   paho.Client
	config   *Config
	ingester Ingester
	logger   *zap.Logger
	onDone   IngestedFunc
	now      func() time.Time
}

// NewSubscriber creates a subscriber; Start connects it
func NewSubscriber(config *Config, ingester Ingester, logger *zap.Logger, onDone IngestedFunc) *Subscriber {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.TopicPrefix == "" {
		config.TopicPrefix = "beacons"
	}
	if config.IngestTimeout <= 0 {
		config.IngestTimeout = 30 * time.Second
	}
	return &Subscriber{
		config:   config,
		ingester: ingester,
		logger:   logger,
		onDone:   onDone,
		now:      time.Now,
	}
}

// Topic is the subscription filter covering every user
func (s *Subscriber) Topic() string {
	return s.config.TopicPrefix + "/+/upload"
}

// Start connects to the broker and subscribes to upload topics
func (s *Subscriber) Start(ctx context.Context) error {
	opts := paho.NewClientOptions()
	opts.AddBroker(s.config.Broker)
	opts.SetClientID(s.config.ClientID)
	if s.config.Username != "" {
		opts.SetUsername(s.config.Username)
	}
	if s.config.Password != "" {
		opts.SetPassword(s.config.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetCleanSession(true)
	opts.SetConnectionLostHandler(func(_ paho.Client, err error) {
		s.logger.Warn("MQTT connection lost", zap.Error(err))
	})
	opts.SetOnConnectHandler(func(c paho.Client) {
		// subscriptions do not survive a clean session reconnect
		if token := c.Subscribe(s.Topic(), s.config.QoS, s.onMessage(ctx)); token.Wait() && token.Error() != nil {
			s.logger.Error("MQTT subscribe failed", zap.String("topic", s.Topic()), zap.Error(token.Error()))
			return
		}
		s.logger.Info("MQTT subscribed", zap.String("topic", s.Topic()))
	})

	s.client = paho.NewClient(opts)

	timeout := s.config.ConnectTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	token := s.client.Connect()
	if !token.WaitTimeout(timeout) {
		return fmt.Errorf("timed out connecting to MQTT broker %s", s.config.Broker)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("failed to connect to MQTT broker: %w", err)
	}

	s.logger.Info("MQTT subscriber started",
		zap.String("broker", s.config.Broker),
		zap.String("client_id", s.config.ClientID))
	return nil
}

// Stop disconnects from the broker
func (s *Subscriber) Stop() {
	if s.client != nil && s.client.IsConnected() {
		s.client.Disconnect(250)
		s.logger.Info("MQTT subscriber stopped")
	}
}

func (s *Subscriber) onMessage(ctx context.Context) paho.MessageHandler {
	return func(_ paho.Client, msg paho.Message) {
		if err := s.handleMessage(ctx, msg.Topic(), msg.Payload()); err != nil {
			s.logger.Warn("MQTT upload rejected",
				zap.String("topic", msg.Topic()),
				zap.Error(err))
		}
	}
}

// handleMessage ingests one payload as a .txt upload named after its arrival time
func (s *Subscriber) handleMessage(ctx context.Context, topic string, payload []byte) error {
	userID, err := s.UserFromTopic(topic)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, s.config.IngestTimeout)
	defer cancel()

	filename := fmt.Sprintf("mqtt-%d.txt", s.now().Unix())
	result, err := s.ingester.Ingest(ctx, payload, filename, userID)
	if s.onDone != nil {
		s.onDone(ctx, userID, result, err)
	}
	if err != nil {
		return fmt.Errorf("ingest %s for %s: %w", filename, userID, err)
	}

	s.logger.Info("MQTT upload ingested",
		zap.String("user_id", userID),
		zap.String("filename", filename),
		zap.String("message", result.Message()))
	return nil
}

// UserFromTopic extracts the user id from <prefix>/<userId>/upload
func (s *Subscriber) UserFromTopic(topic string) (string, error) {
	rest, ok := strings.CutPrefix(topic, s.config.TopicPrefix+"/")
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrInvalidTopic, topic)
	}
	userID, ok := strings.CutSuffix(rest, "/upload")
	if !ok || userID == "" || strings.Contains(userID, "/") {
		return "", fmt.Errorf("%w: %s", ErrInvalidTopic, topic)
	}
	return userID, nil
}
