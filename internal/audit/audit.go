// Package audit emits the delivery trail: credential issuance,
// redemption outcomes, and release submissions. GPS coordinates never
// appear here, only their privacy hashes.
package audit

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"
)

const (
	EventCredentialIssued = "credential.issued"
	EventRedemptionDenied = "redemption.denied"
	EventReleaseSubmitted = "release.submitted"
)

type Event struct {
	Type      string    `json:"type"`
	OrderID   string    `json:"orderId"`
	At        time.Time `json:"at"`
	DeviceID  string    `json:"deviceId,omitempty"`
	CourierID string    `json:"courierId,omitempty"`
	GPSHash   string    `json:"gpsHash,omitempty"`
	Outcome   string    `json:"outcome,omitempty"`
	DistanceM float64   `json:"distanceM,omitempty"`
	AuthNonce string    `json:"authNonce,omitempty"`
	TxHash    string    `json:"txHash,omitempty"`
	PhotoURI  string    `json:"photoUri,omitempty"`
}

// Recorder sinks audit events. Recording failures must not fail the
// request that produced the event; callers log and move on.
type Recorder interface {
	Record(ctx context.Context, event Event) error
	Close() error
}

// LogRecorder writes events to the structured log. Default sink when
// no brokers are configured.
type LogRecorder struct {
	log *zap.Logger
}

func NewLogRecorder(log *zap.Logger) *LogRecorder {
	return &LogRecorder{log: log}
}

func (r *LogRecorder) Record(_ context.Context, event Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	r.log.Info("audit event",
		zap.String("type", event.Type),
		zap.String("orderId", event.OrderID),
		zap.ByteString("event", payload),
	)
	return nil
}

func (r *LogRecorder) Close() error { return nil }
