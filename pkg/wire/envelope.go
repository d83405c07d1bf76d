// Package wire defines the framed JSON tagged-union protocol exchanged over
// a signalmesh transport. Every frame is an Envelope; Tag selects how its
// Payload is decoded.
package wire

import (
	"encoding/json"
	"fmt"

	"github.com/mattsp1290/signalmesh/pkg/patch"
)

// Tag identifies the shape of an Envelope's payload.
type Tag string

const (
	TagServerSignalEstablish         Tag = "ServerSignal.Establish"
	TagServerSignalEstablishResponse Tag = "ServerSignal.EstablishResponse"
	TagServerSignalUpdate            Tag = "ServerSignal.Update"

	TagBidirectionalEstablish         Tag = "Bidirectional.Establish"
	TagBidirectionalEstablishResponse Tag = "Bidirectional.EstablishResponse"
	TagBidirectionalUpdate            Tag = "Bidirectional.Update"

	TagChannelEstablish         Tag = "Channel.Establish"
	TagChannelEstablishResponse Tag = "Channel.EstablishResponse"
	TagChannelMessage           Tag = "Channel.Message"
)

// Envelope is the single wire frame type. Payload is deferred decoding so
// the protocol driver can dispatch on Tag before committing to a shape.
type Envelope struct {
	Tag     Tag             `json:"tag"`
	Payload json.RawMessage `json:"payload"`
}

// Establish carries just a signal name (ServerSignal/Bidirectional/Channel
// Establish, and Channel.EstablishResponse).
type Establish struct {
	Name string `json:"name"`
}

// EstablishResponse seeds a client's shadow with the server's current full
// JSON value (ServerSignal/Bidirectional EstablishResponse).
type EstablishResponse struct {
	Name string          `json:"name"`
	JSON json.RawMessage `json:"json"`
}

// Update carries a signal name and the JSON patch to apply to it
// (ServerSignal/Bidirectional Update).
type Update struct {
	Name  string      `json:"name"`
	Patch patch.Patch `json:"patch"`
}

// ChannelMessage carries a discrete, typed message for a channel signal.
type ChannelMessage struct {
	Name string          `json:"name"`
	JSON json.RawMessage `json:"json"`
}

func encode(tag Tag, payload any) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("wire: encode %s payload: %w", tag, err)
	}
	return Envelope{Tag: tag, Payload: raw}, nil
}

// NewServerSignalEstablish builds a ServerSignal.Establish envelope.
func NewServerSignalEstablish(name string) (Envelope, error) {
	return encode(TagServerSignalEstablish, Establish{Name: name})
}

// NewServerSignalEstablishResponse builds a ServerSignal.EstablishResponse envelope.
func NewServerSignalEstablishResponse(name string, full json.RawMessage) (Envelope, error) {
	return encode(TagServerSignalEstablishResponse, EstablishResponse{Name: name, JSON: full})
}

// NewServerSignalUpdate builds a ServerSignal.Update envelope.
func NewServerSignalUpdate(name string, p patch.Patch) (Envelope, error) {
	return encode(TagServerSignalUpdate, Update{Name: name, Patch: p})
}

// NewBidirectionalEstablish builds a Bidirectional.Establish envelope.
func NewBidirectionalEstablish(name string) (Envelope, error) {
	return encode(TagBidirectionalEstablish, Establish{Name: name})
}

// NewBidirectionalEstablishResponse builds a Bidirectional.EstablishResponse envelope.
func NewBidirectionalEstablishResponse(name string, full json.RawMessage) (Envelope, error) {
	return encode(TagBidirectionalEstablishResponse, EstablishResponse{Name: name, JSON: full})
}

// NewBidirectionalUpdate builds a Bidirectional.Update envelope.
func NewBidirectionalUpdate(name string, p patch.Patch) (Envelope, error) {
	return encode(TagBidirectionalUpdate, Update{Name: name, Patch: p})
}

// NewChannelEstablish builds a Channel.Establish envelope.
func NewChannelEstablish(name string) (Envelope, error) {
	return encode(TagChannelEstablish, Establish{Name: name})
}

// NewChannelEstablishResponse builds a Channel.EstablishResponse envelope (no payload beyond the name).
func NewChannelEstablishResponse(name string) (Envelope, error) {
	return encode(TagChannelEstablishResponse, Establish{Name: name})
}

// NewChannelMessage builds a Channel.Message envelope.
func NewChannelMessage(name string, payload json.RawMessage) (Envelope, error) {
	return encode(TagChannelMessage, ChannelMessage{Name: name, JSON: payload})
}

// DecodeEstablish decodes an Envelope's payload as Establish.
func (e Envelope) DecodeEstablish() (Establish, error) {
	var v Establish
	err := json.Unmarshal(e.Payload, &v)
	return v, err
}

// DecodeEstablishResponse decodes an Envelope's payload as EstablishResponse.
func (e Envelope) DecodeEstablishResponse() (EstablishResponse, error) {
	var v EstablishResponse
	err := json.Unmarshal(e.Payload, &v)
	return v, err
}

// DecodeUpdate decodes an Envelope's payload as Update.
func (e Envelope) DecodeUpdate() (Update, error) {
	var v Update
	err := json.Unmarshal(e.Payload, &v)
	return v, err
}

// DecodeChannelMessage decodes an Envelope's payload as ChannelMessage.
func (e Envelope) DecodeChannelMessage() (ChannelMessage, error) {
	var v ChannelMessage
	err := json.Unmarshal(e.Payload, &v)
	return v, err
}

// Marshal serializes the envelope to bytes for the transport.
func Marshal(e Envelope) ([]byte, error) {
	return json.Marshal(e)
}

// Unmarshal decodes a transport frame into an Envelope.
func Unmarshal(b []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(b, &e); err != nil {
		return Envelope{}, fmt.Errorf("wire: decode envelope: %w", err)
	}
	return e, nil
}
