package msg

import (
	"encoding/json"
	"fmt"
)

// Codec serializes and deserializes Envelopes on the wire. Two concrete
// codecs are provided: JSON (the default, human-inspectable) and MessagePack
// (compact, used once a stream has negotiated it via OpenReq.Encoding).
type Codec interface {
	ID() CodecID
	Marshal(e *Envelope) ([]byte, error)
	Unmarshal(data []byte, e *Envelope) error
}

// ForID returns the Codec registered for id. CodecAuto resolves to JSON,
// matching the teacher's "default to the safe, inspectable format" stance
// (share/server_handler.go defaults unset transports to websocket+JSON).
func ForID(id CodecID) (Codec, error) {
	switch id {
	case CodecAuto, CodecJSON:
		return jsonCodec{}, nil
	case CodecMsgpack:
		return msgpackCodec{}, nil
	default:
		return nil, fmt.Errorf("msg: unknown codec id %d", id)
	}
}

// wireEnvelope is the JSON projection of Envelope. encoding/json already
// base64-encodes []byte fields nested inside Payload, which is exactly the
// "binary payloads are base64 on the JSON codec" behavior the wire format
// calls for, so payload structs need no special handling here.
type wireEnvelope struct {
	Version       uint32          `json:"version"`
	Type          string          `json:"type"`
	SourceRef     string          `json:"source_ref,omitempty"`
	TargetRef     string          `json:"target_ref,omitempty"`
	ProxyRef      string          `json:"proxy_ref,omitempty"`
	CorrelationID uint64          `json:"correlation_id"`
	ErrorCode     ErrorCode       `json:"error_code"`
	Payload       json.RawMessage `json:"payload,omitempty"`
}

type jsonCodec struct{}

func (jsonCodec) ID() CodecID { return CodecJSON }

func (jsonCodec) Marshal(e *Envelope) ([]byte, error) {
	var payloadRaw json.RawMessage
	if e.Payload != nil {
		raw, err := json.Marshal(e.Payload)
		if err != nil {
			return nil, fmt.Errorf("msg: marshal payload: %w", err)
		}
		payloadRaw = raw
	}
	w := wireEnvelope{
		Version:       e.Version,
		Type:          e.Type.String(),
		SourceRef:     refString(e.SourceRef),
		TargetRef:     refString(e.TargetRef),
		ProxyRef:      refString(e.ProxyRef),
		CorrelationID: e.CorrelationID,
		ErrorCode:     e.ErrorCode,
		Payload:       payloadRaw,
	}
	return json.Marshal(w)
}

func (jsonCodec) Unmarshal(data []byte, e *Envelope) error {
	var w wireEnvelope
	if err := json.Unmarshal(data, &w); err != nil {
		return fmt.Errorf("msg: unmarshal envelope: %w", err)
	}
	t, err := typeFromString(w.Type)
	if err != nil {
		return err
	}
	e.Version = w.Version
	e.Type = t
	e.CorrelationID = w.CorrelationID
	e.ErrorCode = w.ErrorCode
	if e.SourceRef, err = refFromString(w.SourceRef); err != nil {
		return err
	}
	if e.TargetRef, err = refFromString(w.TargetRef); err != nil {
		return err
	}
	if e.ProxyRef, err = refFromString(w.ProxyRef); err != nil {
		return err
	}
	payload, err := newPayload(t)
	if err != nil {
		return err
	}
	if len(w.Payload) > 0 && payload != nil {
		if err := json.Unmarshal(w.Payload, payload); err != nil {
			return fmt.Errorf("msg: unmarshal %s payload: %w", t, err)
		}
	}
	e.Payload = payload
	return nil
}

func typeFromString(s string) (Type, error) {
	for t := TypePingReq; t <= TypeData; t++ {
		if t.String() == s {
			return t, nil
		}
	}
	return 0, fmt.Errorf("msg: unknown message type %q", s)
}

// newPayload returns a zero-valued, addressable payload struct for t so it
// can be unmarshaled into, matching the table in spec §6.1.
func newPayload(t Type) (interface{}, error) {
	switch t {
	case TypePingReq:
		return &PingReq{}, nil
	case TypePingResp:
		return &PingResp{}, nil
	case TypeLinkReq:
		return &LinkReq{}, nil
	case TypeLinkResp:
		return &LinkResp{}, nil
	case TypeOpenReq:
		return &OpenReq{}, nil
	case TypeOpenResp:
		return &OpenResp{}, nil
	case TypeCloseReq:
		return &CloseReq{}, nil
	case TypeCloseResp:
		return &CloseResp{}, nil
	case TypeSetoptReq:
		return &SetoptReq{}, nil
	case TypeSetoptResp:
		return &SetoptResp{}, nil
	case TypeGetoptReq:
		return &GetoptReq{}, nil
	case TypeGetoptResp:
		return &GetoptResp{}, nil
	case TypePollReq:
		return &PollReq{}, nil
	case TypePollResp:
		return &PollResp{}, nil
	case TypeData:
		return &DataPayload{}, nil
	default:
		return nil, fmt.Errorf("msg: unknown message type %d", t)
	}
}
