// Package envelope encodes job messages for transport over a broker.
package envelope

import (
	"errors"
	"fmt"

	"github.com/target/mmk-jobs/internal/core"
	"github.com/vmihailenco/msgpack/v5"
)

// ErrMalformed is returned when a broker payload cannot be decoded into a job message.
var ErrMalformed = errors.New("malformed job message")

// Encode serializes msg as MessagePack.
func Encode(msg core.Message) ([]byte, error) {
	if msg.JobRunID == "" {
		return nil, errors.New("job run id is required")
	}
	b, err := msgpack.Marshal(&msg)
	if err != nil {
		return nil, fmt.Errorf("encode job message: %w", err)
	}
	return b, nil
}

// Decode parses a MessagePack payload produced by Encode.
func Decode(data []byte) (core.Message, error) {
	var msg core.Message
	if err := msgpack.Unmarshal(data, &msg); err != nil {
		return core.Message{}, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	if msg.JobRunID == "" {
		return core.Message{}, fmt.Errorf("%w: missing job run id", ErrMalformed)
	}
	return msg, nil
}
