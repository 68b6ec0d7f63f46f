package redis

import (
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/stanley2058/lilac/pkg/bus"
)

// Wire field names within one stream entry.
const (
	fieldType    = "type"
	fieldTs      = "ts"
	fieldData    = "data"
	fieldKey     = "key"
	fieldHeaders = "headers"
)

// decodeMessage maps a stream entry to an envelope. Missing or malformed
// fields are tolerated: each anomaly logs a warning and the message is
// delivered with best-effort defaults. Handlers must validate Type before
// trusting Data.
func decodeMessage(topic string, m redis.XMessage, log *slog.Logger) bus.Envelope {
	env := bus.Envelope{
		Topic: topic,
		ID:    m.ID,
		Ts:    time.Now(),
	}

	if v, ok := stringField(m.Values, fieldType); ok {
		env.Type = v
	} else {
		log.Warn("message missing type field", "topic", topic, "id", m.ID)
	}

	if v, ok := stringField(m.Values, fieldTs); ok {
		ms, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			log.Warn("message has malformed ts field", "topic", topic, "id", m.ID, "ts", v)
		} else {
			env.Ts = time.UnixMilli(ms)
		}
	} else {
		log.Warn("message missing ts field", "topic", topic, "id", m.ID)
	}

	if v, ok := stringField(m.Values, fieldKey); ok {
		env.Key = v
	}

	if v, ok := stringField(m.Values, fieldHeaders); ok {
		headers, err := bus.DecodeHeaders([]byte(v))
		if err != nil {
			log.Warn("message has undecodable headers", "topic", topic, "id", m.ID, "error", err)
		} else {
			env.Headers = headers
		}
	}

	if v, ok := stringField(m.Values, fieldData); ok {
		env.Raw = []byte(v)
		data, err := bus.DecodePayload(env.Raw)
		if err != nil {
			log.Warn("message has undecodable data", "topic", topic, "id", m.ID, "error", err)
		} else {
			env.Data = data
		}
	} else {
		log.Warn("message missing data field", "topic", topic, "id", m.ID)
	}

	return env
}

func stringField(values map[string]any, name string) (string, bool) {
	v, ok := values[name]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}
