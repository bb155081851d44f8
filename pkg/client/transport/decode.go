package transport

import (
	"encoding/json"

	"github.com/zhouzirui/z-chat/backend/internal/model/event"
)

// Decode unmarshals the envelope payload into dst.
func Decode[T any](env event.Envelope) (T, error) {
	var out T
	err := decode(env, &out)
	return out, err
}

func decode(env event.Envelope, dst any) error {
	if len(env.Data) == 0 {
		return nil
	}
	return json.Unmarshal(env.Data, dst)
}
