// Package delivery transmits aggregated records to the collector server and
// owns the per-key retry/audit state machine.
package delivery

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/gpuwatch/agent/internal/models"
)

// Payload is the JSON body POSTed to the collector server for one
// aggregated record. PayloadID and Checksum exist so the server's
// acknowledgment can be checked against what was actually sent.
type Payload struct {
	ContractNumber       string                  `json:"contract_number"`
	PayloadID            string                  `json:"payload_id"`
	AggregationTimestamp time.Time               `json:"aggregation_timestamp"`
	DeviceUID            string                  `json:"device_uid"`
	Checksum             string                  `json:"checksum"`
	Record               models.AggregatedRecord `json:"record"`
}

// Ack is the server's acknowledgment. A delivery only counts as successful
// when UID is non-empty and PayloadID and Checksum echo the request.
type Ack struct {
	UID       string `json:"uid"`
	PayloadID string `json:"payload_id"`
	Checksum  string `json:"checksum"`
}

// Transport sends one aggregated record and returns the server-assigned
// receipt UID on verified success.
type Transport interface {
	Send(ctx context.Context, rec models.AggregatedRecord) (ackUID string, err error)
}

// Client is the HTTP Transport implementation.
type Client struct {
	url      string
	contract string
	client   *http.Client
	logger   *zap.Logger
}

// NewClient creates a Client posting to url with the given per-request
// timeout. A hung server is a failure after the timeout, never a block.
func NewClient(url, contractNumber string, timeout time.Duration, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		url:      url,
		contract: contractNumber,
		client: &http.Client{
			Timeout: timeout,
		},
		logger: logger,
	}
}

// checksum returns the hex SHA-256 of the record's canonical JSON encoding.
func checksum(rec models.AggregatedRecord) (string, error) {
	data, err := json.Marshal(rec)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// Send POSTs one record and validates the acknowledgment. A transport-level
// success whose ack does not confirm the payload is returned as an error,
// not a success.
func (c *Client) Send(ctx context.Context, rec models.AggregatedRecord) (string, error) {
	sum, err := checksum(rec)
	if err != nil {
		return "", fmt.Errorf("computing checksum: %w", err)
	}

	payload := Payload{
		ContractNumber:       c.contract,
		PayloadID:            uuid.NewString(),
		AggregationTimestamp: rec.AggregationTimestamp,
		DeviceUID:            rec.DeviceUID,
		Checksum:             sum,
		Record:               rec,
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshaling payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Contract-Number", c.contract)

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		io.Copy(io.Discard, resp.Body)
		return "", fmt.Errorf("server returned %d", resp.StatusCode)
	}

	var ack Ack
	if err := json.NewDecoder(resp.Body).Decode(&ack); err != nil {
		return "", fmt.Errorf("decoding acknowledgment: %w", err)
	}

	if ack.UID == "" {
		return "", fmt.Errorf("acknowledgment missing uid")
	}
	if ack.PayloadID != payload.PayloadID {
		return "", fmt.Errorf("acknowledgment payload_id mismatch: sent %s, got %s",
			payload.PayloadID, ack.PayloadID)
	}
	if ack.Checksum != payload.Checksum {
		return "", fmt.Errorf("acknowledgment checksum mismatch")
	}

	c.logger.Debug("Record delivered",
		zap.Time("bucket", rec.AggregationTimestamp),
		zap.String("device", rec.DeviceUID),
		zap.String("ack_uid", ack.UID))
	return ack.UID, nil
}
