package commsutil

import (
	"bytes"
	"encoding/json"
	"fmt"

	comms "github.com/nats-io/nats.go"
)

// EncodePayload serializes a value to JSON bytes.
func EncodePayload(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}

// DecodePayload deserializes JSON bytes into the given target.
func DecodePayload(data []byte, v interface{}) error {
	return json.Unmarshal(data, v)
}

// DecodeStrict is DecodePayload rejecting unknown fields. Control parameters use it so that a
// misspelled field is reported instead of silently defaulted.
func DecodeStrict(data []byte, v interface{}) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("commsutil:codec - %w", err)
	}
	return nil
}

// Publish encodes v and publishes it on subject.
func Publish(nc *comms.Conn, subject string, v interface{}) error {
	data, err := EncodePayload(v)
	if err != nil {
		return fmt.Errorf("commsutil:codec - failed to encode for %s: %w", subject, err)
	}
	return nc.Publish(subject, data)
}
