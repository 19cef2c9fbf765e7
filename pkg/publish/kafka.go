// Package publish optionally ships a built correlation artifact to Kafka
// as a single message per run, keyed by parent log id. Publishing is
// additive: callers always get the synchronous unified view back whether
// or not a publisher is configured, and a publish failure falls through to
// a small on-disk dead-letter queue rather than failing the correlation.
package publish

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/IBM/sarama"
	"github.com/sirupsen/logrus"

	"apex-correlator/pkg/apexerrors"
)

// Compression names the wire codec sarama applies to the producer batch.
type Compression string

const (
	CompressionNone   Compression = "none"
	CompressionGzip   Compression = "gzip"
	CompressionSnappy Compression = "snappy"
	CompressionLZ4    Compression = "lz4"
	CompressionZSTD   Compression = "zstd"
)

// SASLMechanism names the SASL auth mechanism against the broker.
type SASLMechanism string

const (
	SASLNone        SASLMechanism = "none"
	SASLPlain       SASLMechanism = "plain"
	SASLScramSHA256 SASLMechanism = "scram-sha-256"
	SASLScramSHA512 SASLMechanism = "scram-sha-512"
)

// Config configures the artifact publisher.
type Config struct {
	Enabled     bool          `yaml:"enabled"`
	Brokers     []string      `yaml:"brokers"`
	Topic       string        `yaml:"topic"`
	Compression Compression   `yaml:"compression"`
	Timeout     time.Duration `yaml:"timeout"` // default 10s

	SASLMechanism SASLMechanism `yaml:"sasl_mechanism"`
	SASLUsername  string        `yaml:"sasl_username"`
	SASLPassword  string        `yaml:"sasl_password"`
	TLSEnabled    bool          `yaml:"tls_enabled"`

	DeadLetterDir string `yaml:"dead_letter_dir"` // empty disables the fallback
}

// Artifact is the message body: the correlation run's unified view plus
// enough identifying metadata for a downstream consumer to route on.
type Artifact struct {
	ParentLogID string      `json:"parent_log_id"`
	OrgID       string      `json:"org_id"`
	PublishedAt time.Time   `json:"published_at"`
	SchemaVer   string      `json:"schema_version"`
	View        interface{} `json:"unified_view"`
}

const schemaVersion = "1.0"

// ArtifactPublisher publishes one artifact message per correlation run.
// Publishing is best-effort: Publish never returns an error that should
// abort the caller's correlation, it only logs and falls back to the DLQ.
type ArtifactPublisher struct {
	config   Config
	producer sarama.SyncProducer
	logger   *logrus.Entry
	dlq      *DeadLetterQueue
}

// NewArtifactPublisher builds a publisher over a synchronous producer,
// wiring SASL/SCRAM auth and compression per Config. Returns (nil, nil)
// if publishing is disabled so callers can treat a nil publisher as a
// no-op.
func NewArtifactPublisher(config Config, logger *logrus.Entry) (*ArtifactPublisher, error) {
	if !config.Enabled {
		return nil, nil
	}
	if len(config.Brokers) == 0 {
		return nil, apexerrors.New(apexerrors.CodeQueryFailed, "publish", "NewArtifactPublisher", "no brokers configured")
	}
	if config.Topic == "" {
		return nil, apexerrors.New(apexerrors.CodeQueryFailed, "publish", "NewArtifactPublisher", "no topic configured")
	}
	if config.Timeout <= 0 {
		config.Timeout = 10 * time.Second
	}
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	logger = logger.WithField("component", "publish")

	saramaConfig := sarama.NewConfig()
	saramaConfig.Producer.Return.Successes = true
	saramaConfig.Producer.Return.Errors = true
	saramaConfig.Producer.RequiredAcks = sarama.WaitForLocal
	saramaConfig.Producer.Partitioner = sarama.NewHashPartitioner
	saramaConfig.Net.DialTimeout = config.Timeout
	saramaConfig.Net.ReadTimeout = config.Timeout
	saramaConfig.Net.WriteTimeout = config.Timeout

	switch strings.ToLower(string(config.Compression)) {
	case string(CompressionGzip):
		saramaConfig.Producer.Compression = sarama.CompressionGZIP
	case string(CompressionSnappy):
		saramaConfig.Producer.Compression = sarama.CompressionSnappy
	case string(CompressionLZ4):
		saramaConfig.Producer.Compression = sarama.CompressionLZ4
	case string(CompressionZSTD):
		saramaConfig.Producer.Compression = sarama.CompressionZSTD
	default:
		saramaConfig.Producer.Compression = sarama.CompressionNone
	}

	if config.TLSEnabled {
		saramaConfig.Net.TLS.Enable = true
	}

	switch config.SASLMechanism {
	case SASLPlain:
		saramaConfig.Net.SASL.Enable = true
		saramaConfig.Net.SASL.User = config.SASLUsername
		saramaConfig.Net.SASL.Password = config.SASLPassword
		saramaConfig.Net.SASL.Mechanism = sarama.SASLTypePlaintext
	case SASLScramSHA256:
		saramaConfig.Net.SASL.Enable = true
		saramaConfig.Net.SASL.User = config.SASLUsername
		saramaConfig.Net.SASL.Password = config.SASLPassword
		saramaConfig.Net.SASL.Mechanism = sarama.SASLTypeSCRAMSHA256
		saramaConfig.Net.SASL.SCRAMClientGeneratorFunc = func() sarama.SCRAMClient {
			return &XDGSCRAMClient{HashGeneratorFcn: SHA256}
		}
	case SASLScramSHA512:
		saramaConfig.Net.SASL.Enable = true
		saramaConfig.Net.SASL.User = config.SASLUsername
		saramaConfig.Net.SASL.Password = config.SASLPassword
		saramaConfig.Net.SASL.Mechanism = sarama.SASLTypeSCRAMSHA512
		saramaConfig.Net.SASL.SCRAMClientGeneratorFunc = func() sarama.SCRAMClient {
			return &XDGSCRAMClient{HashGeneratorFcn: SHA512}
		}
	}

	producer, err := sarama.NewSyncProducer(config.Brokers, saramaConfig)
	if err != nil {
		return nil, apexerrors.Transient("publish", "NewArtifactPublisher", "failed to create kafka producer").Wrap(err)
	}

	var dlq *DeadLetterQueue
	if config.DeadLetterDir != "" {
		dlq, err = NewDeadLetterQueue(config.DeadLetterDir, logger)
		if err != nil {
			logger.WithError(err).Warn("publish: dead-letter queue unavailable, failed publishes will only be logged")
		}
	}

	logger.WithFields(logrus.Fields{
		"brokers":     config.Brokers,
		"topic":       config.Topic,
		"compression": config.Compression,
	}).Info("publish: artifact publisher initialized")

	return &ArtifactPublisher{config: config, producer: producer, logger: logger, dlq: dlq}, nil
}

// Publish ships one artifact for parentLogID. It never returns an error
// the caller needs to act on: on send failure it falls back to the
// dead-letter queue (if configured) and logs, always returning nil so a
// broker outage never blocks the correlation pipeline's own return value.
func (p *ArtifactPublisher) Publish(ctx context.Context, parentLogID, orgID string, view interface{}) error {
	if p == nil {
		return nil
	}

	artifact := Artifact{
		ParentLogID: parentLogID,
		OrgID:       orgID,
		PublishedAt: time.Now().UTC(),
		SchemaVer:   schemaVersion,
		View:        view,
	}
	body, err := json.Marshal(artifact)
	if err != nil {
		return apexerrors.Invariant("publish", "Publish", "artifact failed to marshal").Wrap(err)
	}

	msg := &sarama.ProducerMessage{
		Topic: p.config.Topic,
		Key:   sarama.StringEncoder(parentLogID),
		Value: sarama.ByteEncoder(body),
	}

	_, _, err = p.producer.SendMessage(msg)
	if err != nil {
		p.logger.WithError(err).WithField("parent_log_id", parentLogID).Warn("publish: send failed, falling back to dead-letter queue")
		if p.dlq != nil {
			if dlqErr := p.dlq.Add(parentLogID, body, err); dlqErr != nil {
				p.logger.WithError(dlqErr).Error("publish: dead-letter fallback also failed, artifact dropped")
			}
		}
		return nil
	}
	return nil
}

// Close releases the underlying producer connection.
func (p *ArtifactPublisher) Close() error {
	if p == nil || p.producer == nil {
		return nil
	}
	if err := p.producer.Close(); err != nil {
		return fmt.Errorf("publish: close producer: %w", err)
	}
	return nil
}
