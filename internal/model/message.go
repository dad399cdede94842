package model

import (
	"encoding/json"
	"time"

	"github.com/admp-protocol/admp-hub/pkg/envelope"
)

// MessageStatus is the inbox state-machine state of a message record.
type MessageStatus string

const (
	MessageQueued  MessageStatus = "queued"
	MessageLeased  MessageStatus = "leased"
	MessageAcked   MessageStatus = "acked"
	MessageNacked  MessageStatus = "nacked"
	MessageFailed  MessageStatus = "failed"
	MessageExpired MessageStatus = "expired"
)

// Terminal reports whether no further transitions are allowed.
func (s MessageStatus) Terminal() bool {
	return s == MessageAcked || s == MessageExpired || s == MessageFailed
}

// MessageRecord is one message in a recipient's inbox. The record id equals
// the envelope id; per-recipient group deliveries carry distinct record ids
// but share a GroupMessageID.
type MessageRecord struct {
	ID             string             `json:"id"`
	Recipient      string             `json:"recipient"`
	Envelope       *envelope.Envelope `json:"envelope"`
	Status         MessageStatus      `json:"status"`
	Attempts       int                `json:"attempts"`
	TTLSec         int64              `json:"ttl_sec"`
	LeaseUntil     *time.Time         `json:"lease_until,omitempty"`
	CorrelationID  string             `json:"correlation_id,omitempty"`
	GroupMessageID string             `json:"group_message_id,omitempty"`
	Result         json.RawMessage    `json:"result,omitempty"` // stored on ack
	CreatedAt      time.Time          `json:"created_at"`
	UpdatedAt      time.Time          `json:"updated_at"`
	AckedAt        *time.Time         `json:"acked_at,omitempty"`
}

// Leasable reports whether the record can be handed to a puller.
func (m *MessageRecord) Leasable() bool {
	return m.Status == MessageQueued
}

// LeaseExpired reports whether a leased record's deadline has passed.
func (m *MessageRecord) LeaseExpired(now time.Time) bool {
	return m.Status == MessageLeased && m.LeaseUntil != nil && now.After(*m.LeaseUntil)
}

// TTLExpired reports whether a queued record has outlived its TTL.
func (m *MessageRecord) TTLExpired(now time.Time) bool {
	if m.Status != MessageQueued || m.TTLSec <= 0 {
		return false
	}
	return now.After(m.CreatedAt.Add(time.Duration(m.TTLSec) * time.Second))
}

// MessageStatusView is the response shape of the status endpoint.
type MessageStatusView struct {
	ID         string        `json:"id"`
	Status     MessageStatus `json:"status"`
	Attempts   int           `json:"attempts"`
	CreatedAt  time.Time     `json:"created_at"`
	UpdatedAt  time.Time     `json:"updated_at"`
	LeaseUntil *time.Time    `json:"lease_until,omitempty"`
	AckedAt    *time.Time    `json:"acked_at,omitempty"`
}

// StatusView projects the record into its public status shape.
func (m *MessageRecord) StatusView() *MessageStatusView {
	return &MessageStatusView{
		ID:         m.ID,
		Status:     m.Status,
		Attempts:   m.Attempts,
		CreatedAt:  m.CreatedAt,
		UpdatedAt:  m.UpdatedAt,
		LeaseUntil: m.LeaseUntil,
		AckedAt:    m.AckedAt,
	}
}
