package metrics

import (
	"encoding/json"

	"github.com/redis/go-redis/v9"
)

// redisZMember encodes a Sample as a sorted-set member scored by its
// Unix timestamp, mirroring the Python collector's zadd-per-metric layout.
func redisZMember(sample Sample) redis.Z {
	payload, _ := json.Marshal(struct {
		Name  string            `json:"name"`
		Value float64           `json:"value"`
		Kind  string            `json:"type"`
		Tags  map[string]string `json:"tags"`
	}{sample.Name, sample.Value, string(sample.Kind), sample.Tags})
	return redis.Z{Score: float64(sample.RecordedAt.Unix()), Member: payload}
}
