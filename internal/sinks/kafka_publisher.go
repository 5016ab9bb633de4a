// Package sinks bridges the in-process event bus to external systems.
// The Kafka publisher serializes lifecycle events as JSON and produces
// them to a single topic, keyed by correlation ID so one job's events
// land in one partition.
package sinks

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/semantest/nodejs.server-sub008/internal/metrics"
	"github.com/semantest/nodejs.server-sub008/pkg/events"
	"github.com/semantest/nodejs.server-sub008/pkg/types"

	"github.com/IBM/sarama"
	"github.com/sirupsen/logrus"
)

// KafkaPublisher consumes the event bus and produces to Kafka.
type KafkaPublisher struct {
	config   types.KafkaConfig
	logger   *logrus.Logger
	bus      *events.Bus
	producer sarama.AsyncProducer

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mutex       sync.Mutex
	isRunning   bool
	unsubscribe func()

	sentCount      int64
	deliveredCount int64
	errorCount     int64
}

// NewKafkaPublisher creates the publisher. When disabled it is inert
// and never touches the network.
func NewKafkaPublisher(config types.KafkaConfig, bus *events.Bus, logger *logrus.Logger) (*KafkaPublisher, error) {
	if !config.Enabled {
		return &KafkaPublisher{config: config, logger: logger, bus: bus}, nil
	}

	if len(config.Brokers) == 0 {
		return nil, fmt.Errorf("kafka publisher: no brokers configured")
	}
	if config.Topic == "" {
		return nil, fmt.Errorf("kafka publisher: no topic configured")
	}

	saramaConfig, err := buildSaramaConfig(config)
	if err != nil {
		return nil, fmt.Errorf("kafka publisher: %w", err)
	}

	producer, err := sarama.NewAsyncProducer(config.Brokers, saramaConfig)
	if err != nil {
		return nil, fmt.Errorf("kafka publisher: failed to create producer: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	logger.WithFields(logrus.Fields{
		"brokers": config.Brokers,
		"topic":   config.Topic,
		"sasl":    config.SASLEnabled,
		"tls":     config.TLSEnabled,
	}).Info("Kafka event publisher initialized")

	return &KafkaPublisher{
		config:   config,
		logger:   logger,
		bus:      bus,
		producer: producer,
		ctx:      ctx,
		cancel:   cancel,
	}, nil
}

// buildSaramaConfig translates broker settings into a sarama config.
func buildSaramaConfig(config types.KafkaConfig) (*sarama.Config, error) {
	saramaConfig := sarama.NewConfig()
	saramaConfig.Producer.Return.Successes = true
	saramaConfig.Producer.Return.Errors = true
	saramaConfig.Producer.RequiredAcks = sarama.WaitForLocal
	saramaConfig.Producer.Partitioner = sarama.NewHashPartitioner

	if config.FlushMS > 0 {
		saramaConfig.Producer.Flush.Frequency = time.Duration(config.FlushMS) * time.Millisecond
	}

	if config.SASLEnabled {
		if config.SASLUser == "" || config.SASLPassword == "" {
			return nil, fmt.Errorf("SASL enabled but credentials missing")
		}
		saramaConfig.Net.SASL.Enable = true
		saramaConfig.Net.SASL.User = config.SASLUser
		saramaConfig.Net.SASL.Password = config.SASLPassword

		if config.SASLSHA512 {
			saramaConfig.Net.SASL.Mechanism = sarama.SASLTypeSCRAMSHA512
			saramaConfig.Net.SASL.SCRAMClientGeneratorFunc = func() sarama.SCRAMClient {
				return &XDGSCRAMClient{HashGeneratorFcn: SHA512}
			}
		} else {
			saramaConfig.Net.SASL.Mechanism = sarama.SASLTypeSCRAMSHA256
			saramaConfig.Net.SASL.SCRAMClientGeneratorFunc = func() sarama.SCRAMClient {
				return &XDGSCRAMClient{HashGeneratorFcn: SHA256}
			}
		}
	}

	if config.TLSEnabled {
		saramaConfig.Net.TLS.Enable = true
	}

	return saramaConfig, nil
}

// Start subscribes to every bus topic and begins producing.
func (kp *KafkaPublisher) Start() error {
	if !kp.config.Enabled {
		kp.logger.Info("Kafka event publisher disabled")
		return nil
	}

	kp.mutex.Lock()
	if kp.isRunning {
		kp.mutex.Unlock()
		return fmt.Errorf("kafka publisher already running")
	}
	kp.isRunning = true
	kp.mutex.Unlock()

	ch, unsubscribe := kp.bus.Subscribe()
	kp.unsubscribe = unsubscribe

	kp.wg.Add(2)
	go kp.consumeLoop(ch)
	go kp.handleProducerResponses()

	kp.logger.Info("Kafka event publisher started")
	return nil
}

// Stop unsubscribes, drains, and closes the producer.
func (kp *KafkaPublisher) Stop() error {
	kp.mutex.Lock()
	if !kp.isRunning {
		kp.mutex.Unlock()
		return nil
	}
	kp.isRunning = false
	kp.mutex.Unlock()

	if kp.unsubscribe != nil {
		kp.unsubscribe()
	}
	kp.cancel()
	kp.wg.Wait()

	if err := kp.producer.Close(); err != nil {
		kp.logger.WithError(err).Error("Error closing Kafka producer")
	}

	kp.logger.WithFields(logrus.Fields{
		"sent":      atomic.LoadInt64(&kp.sentCount),
		"delivered": atomic.LoadInt64(&kp.deliveredCount),
		"errors":    atomic.LoadInt64(&kp.errorCount),
	}).Info("Kafka event publisher stopped")

	return nil
}

func (kp *KafkaPublisher) consumeLoop(ch <-chan types.Event) {
	defer kp.wg.Done()

	for {
		select {
		case <-kp.ctx.Done():
			return
		case event, ok := <-ch:
			if !ok {
				return
			}
			kp.produce(event)
		}
	}
}

func (kp *KafkaPublisher) produce(event types.Event) {
	value, err := json.Marshal(event)
	if err != nil {
		atomic.AddInt64(&kp.errorCount, 1)
		metrics.KafkaEventsTotal.WithLabelValues("failed").Inc()
		kp.logger.WithError(err).WithField("topic", event.Topic).Error("Failed to marshal event")
		return
	}

	msg := &sarama.ProducerMessage{
		Topic: kp.config.Topic,
		Key:   sarama.StringEncoder(partitionKey(event)),
		Value: sarama.ByteEncoder(value),
	}

	select {
	case kp.producer.Input() <- msg:
		atomic.AddInt64(&kp.sentCount, 1)
		metrics.KafkaEventsTotal.WithLabelValues("sent").Inc()
	case <-kp.ctx.Done():
	}
}

// partitionKey keeps one logical work unit's events in one partition.
func partitionKey(event types.Event) string {
	if event.CorrelationID != "" {
		return event.CorrelationID
	}
	if event.JobID != "" {
		return event.JobID
	}
	if event.ExtensionID != "" {
		return event.ExtensionID
	}
	return event.Topic
}

func (kp *KafkaPublisher) handleProducerResponses() {
	defer kp.wg.Done()

	for {
		select {
		case <-kp.ctx.Done():
			return

		case success := <-kp.producer.Successes():
			if success != nil {
				atomic.AddInt64(&kp.deliveredCount, 1)
				metrics.KafkaEventsTotal.WithLabelValues("delivered").Inc()
				kp.logger.WithFields(logrus.Fields{
					"topic":     success.Topic,
					"partition": success.Partition,
					"offset":    success.Offset,
				}).Trace("Event delivered to Kafka")
			}

		case err := <-kp.producer.Errors():
			if err != nil {
				atomic.AddInt64(&kp.errorCount, 1)
				metrics.KafkaEventsTotal.WithLabelValues("failed").Inc()
				metrics.RecordError("kafka_publisher", "produce_error")
				kp.logger.WithError(err.Err).WithField("topic", err.Msg.Topic).Error("Failed to produce event to Kafka")
			}
		}
	}
}

// GetStats returns publisher counters.
func (kp *KafkaPublisher) GetStats() map[string]interface{} {
	kp.mutex.Lock()
	defer kp.mutex.Unlock()

	return map[string]interface{}{
		"enabled":   kp.config.Enabled,
		"running":   kp.isRunning,
		"topic":     kp.config.Topic,
		"sent":      atomic.LoadInt64(&kp.sentCount),
		"delivered": atomic.LoadInt64(&kp.deliveredCount),
		"errors":    atomic.LoadInt64(&kp.errorCount),
	}
}

// IsHealthy reports whether the publisher can accept events.
func (kp *KafkaPublisher) IsHealthy() bool {
	if !kp.config.Enabled {
		return true
	}
	select {
	case <-kp.ctx.Done():
		return false
	default:
	}
	return kp.producer != nil
}
