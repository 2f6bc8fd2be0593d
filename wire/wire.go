// SPDX-License-Identifier: Apache-2.0

// Package wire carries protocol messages between peers over a pub/sub bus.
package wire

import (
	"encoding/json"
	"fmt"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/counterfactual/go-node/wallet"
)

// DefaultServiceKey prefixes every subject an engine publishes on.
const DefaultServiceKey = "indra"

type (
	// CustomData carries protocol-specific extras, chiefly the sender's
	// signature over the current commitment digest.
	CustomData struct {
		Signature hexutil.Bytes `json:"signature,omitempty"`
		// Signature2 carries the second commitment's signature for the
		// protocols that exchange two digests in one round trip.
		Signature2 hexutil.Bytes `json:"signature2,omitempty"`
	}

	// Envelope is the peer message envelope. Params is the protocol-specific
	// payload; Seq orders the messages of one exchange under ProcessID.
	Envelope struct {
		ProcessID      string            `json:"processID"`
		Protocol       string            `json:"protocol"`
		Seq            int               `json:"seq"`
		ToIdentifier   wallet.Identifier `json:"toIdentifier"`
		FromIdentifier wallet.Identifier `json:"fromIdentifier"`
		Params         json.RawMessage   `json:"params"`
		CustomData     CustomData        `json:"customData"`
		// PrevMessageReceived is the local receive time, in unix
		// milliseconds, of the message this one answers. Telemetry only.
		PrevMessageReceived int64 `json:"prevMessageReceived,omitempty"`
	}

	// Subscription is a live stream of raw payloads for one subject.
	Subscription interface {
		Messages() <-chan []byte
		Unsubscribe()
	}

	// Bus is the pub/sub transport an engine speaks over. Subjects follow
	// <serviceKey>.<toIdentifier>.<fromIdentifier>; a trailing ">" matches
	// any remainder.
	Bus interface {
		Publish(subject string, data []byte) error
		Subscribe(subject string) (Subscription, error)
	}
)

// NewProcessID mints the identifier correlating one protocol execution's
// messages.
func NewProcessID() string {
	return uuid.NewString()
}

// Subject names the point-to-point subject for a message to recipient from
// sender.
func Subject(serviceKey string, to, from wallet.Identifier) string {
	return fmt.Sprintf("%s.%s.%s", serviceKey, to, from)
}

// InboxSubject names the wildcard subject an engine subscribes to for all
// of its inbound traffic.
func InboxSubject(serviceKey string, me wallet.Identifier) string {
	return fmt.Sprintf("%s.%s.>", serviceKey, me)
}

// Encode marshals the envelope for the bus.
func (e *Envelope) Encode() ([]byte, error) {
	data, err := json.Marshal(e)
	return data, errors.Wrap(err, "encoding envelope")
}

// DecodeEnvelope parses a bus payload.
func DecodeEnvelope(data []byte) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, errors.Wrap(err, "decoding envelope")
	}
	return &e, nil
}

// SetParams marshals v into the envelope's params.
func (e *Envelope) SetParams(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return errors.Wrap(err, "encoding params")
	}
	e.Params = data
	return nil
}

// UnmarshalParams parses the envelope's params into v.
func (e *Envelope) UnmarshalParams(v interface{}) error {
	return errors.Wrap(json.Unmarshal(e.Params, v), "decoding params")
}
