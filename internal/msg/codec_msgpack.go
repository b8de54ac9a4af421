package msg

import (
	"fmt"

	"github.com/hashicorp/go-msgpack/codec"
)

// msgpackHandle is shared across all msgpackCodec calls; codec.Handle is
// safe for concurrent use once configured, same as the teacher's singleton
// *json.Decoder construction pattern in share/server_handler.go.
// RawToString makes strings decoded into interface{} come back as string,
// which Unmarshal's positional type assertions depend on.
var msgpackHandle = &codec.MsgpackHandle{RawToString: true}

// msgpackCodec implements the compact wire form selected by negotiating
// OpenReq.Encoding == CodecMsgpack. Per spec §4.2, the envelope is written
// as a fixed-size array rather than a map: a leading nil placeholder
// (reserved for the type_begin(N)/type_end bracketing the original C codec
// uses to allow trailing members to be added without breaking older
// readers) followed by the N envelope fields.
type msgpackCodec struct{}

func (msgpackCodec) ID() CodecID { return CodecMsgpack }

// wireFields is the number of positional members following the leading nil
// placeholder in the encoded array.
const wireFields = 7

func (msgpackCodec) Marshal(e *Envelope) ([]byte, error) {
	var payloadBytes []byte
	if e.Payload != nil {
		var buf []byte
		if err := codec.NewEncoderBytes(&buf, msgpackHandle).Encode(e.Payload); err != nil {
			return nil, fmt.Errorf("msg: mpack marshal payload: %w", err)
		}
		payloadBytes = buf
	}

	arr := make([]interface{}, wireFields+1)
	arr[0] = nil // type_begin(N) placeholder
	arr[1] = e.Version
	arr[2] = e.Type.String()
	arr[3] = refString(e.SourceRef)
	arr[4] = refString(e.TargetRef)
	arr[5] = refString(e.ProxyRef)
	arr[6] = e.CorrelationID
	arr[7] = int32(e.ErrorCode)

	var out []byte
	if err := codec.NewEncoderBytes(&out, msgpackHandle).Encode(arr); err != nil {
		return nil, fmt.Errorf("msg: mpack marshal envelope: %w", err)
	}
	if payloadBytes != nil {
		out = append(out, payloadBytes...)
	}
	return out, nil
}

func (msgpackCodec) Unmarshal(data []byte, e *Envelope) error {
	dec := codec.NewDecoderBytes(data, msgpackHandle)

	var arr []interface{}
	if err := dec.Decode(&arr); err != nil {
		return fmt.Errorf("msg: mpack unmarshal envelope: %w", err)
	}
	if len(arr) < wireFields+1 {
		return fmt.Errorf("msg: mpack envelope has %d fields, want at least %d", len(arr), wireFields+1)
	}

	version, _ := toUint32(arr[1])
	typeStr, _ := arr[2].(string)
	t, err := typeFromString(typeStr)
	if err != nil {
		return err
	}
	sourceRef, _ := arr[3].(string)
	targetRef, _ := arr[4].(string)
	proxyRef, _ := arr[5].(string)
	correlationID, _ := toUint64(arr[6])
	errCode, _ := toInt32(arr[7])

	e.Version = version
	e.Type = t
	e.CorrelationID = correlationID
	e.ErrorCode = ErrorCode(errCode)
	if e.SourceRef, err = refFromString(sourceRef); err != nil {
		return err
	}
	if e.TargetRef, err = refFromString(targetRef); err != nil {
		return err
	}
	if e.ProxyRef, err = refFromString(proxyRef); err != nil {
		return err
	}

	payload, err := newPayload(t)
	if err != nil {
		return err
	}
	if payload != nil {
		remaining := dec.NumBytesRead()
		if remaining < len(data) {
			if err := codec.NewDecoderBytes(data[remaining:], msgpackHandle).Decode(payload); err != nil {
				return fmt.Errorf("msg: mpack unmarshal %s payload: %w", t, err)
			}
		}
	}
	e.Payload = payload
	return nil
}

func toUint32(v interface{}) (uint32, bool) {
	switch n := v.(type) {
	case uint32:
		return n, true
	case uint64:
		return uint32(n), true
	case int64:
		return uint32(n), true
	default:
		return 0, false
	}
}

func toUint64(v interface{}) (uint64, bool) {
	switch n := v.(type) {
	case uint64:
		return n, true
	case int64:
		return uint64(n), true
	case uint32:
		return uint64(n), true
	default:
		return 0, false
	}
}

func toInt32(v interface{}) (int32, bool) {
	switch n := v.(type) {
	case int64:
		return int32(n), true
	case int32:
		return n, true
	case uint64:
		return int32(n), true
	default:
		return 0, false
	}
}
