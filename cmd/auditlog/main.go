// auditlog tails the delivery audit topic and prints each event. It is
// an operational aid, not part of the request path.
package main

import (
	"context"
	"encoding/json"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"releasegate/internal/audit"
	"releasegate/internal/logger"
)

func main() {
	log := logger.New(os.Getenv("LOG_DEBUG") != "")
	defer func() { _ = log.Sync() }()

	brokers := strings.Split(envOr("AUDIT_KAFKA_BROKERS", "localhost:9092"), ",")
	topic := envOr("AUDIT_KAFKA_TOPIC", "delivery_audit")
	groupID := envOr("AUDIT_KAFKA_GROUP", "delivery-audit-tail")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        brokers,
		GroupID:        groupID,
		Topic:          topic,
		MinBytes:       10e3,
		MaxBytes:       10e6,
		CommitInterval: time.Second,
		MaxWait:        3 * time.Second,
	})
	defer func() { _ = r.Close() }()

	log.Info("tailing audit topic",
		zap.Strings("brokers", brokers),
		zap.String("topic", topic))

	for {
		m, err := r.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				log.Info("shutdown signal received")
				return
			}
			log.Warn("read message", zap.Error(err))
			time.Sleep(5 * time.Second)
			continue
		}

		var event audit.Event
		if err := json.Unmarshal(m.Value, &event); err != nil {
			log.Warn("undecodable audit event",
				zap.Int64("offset", m.Offset),
				zap.ByteString("raw", m.Value))
			continue
		}

		log.Info("audit event",
			zap.String("type", event.Type),
			zap.String("orderId", event.OrderID),
			zap.Time("at", event.At),
			zap.Int("partition", m.Partition),
			zap.Int64("offset", m.Offset),
			zap.ByteString("event", m.Value))
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
