package metrics

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// LineProtocol renders one sample in "name{k=\"v\"} value timestamp_ms"
// form, the text format the sink exposes alongside the Prometheus endpoint
// for tooling that expects millisecond timestamps on each line.
func LineProtocol(sample Sample) string {
	var tagStr string
	if len(sample.Tags) > 0 {
		keys := make([]string, 0, len(sample.Tags))
		for k := range sample.Tags {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		pairs := make([]string, len(keys))
		for i, k := range keys {
			pairs[i] = fmt.Sprintf("%s=%q", k, sample.Tags[k])
		}
		tagStr = "{" + strings.Join(pairs, ",") + "}"
	}
	return fmt.Sprintf("%s%s %v %d", sample.Name, tagStr, sample.Value, sample.RecordedAt.UnixMilli())
}

// ExportLines renders every current counter and gauge value as line
// protocol text, the sink's scrape-able export independent of Prometheus.
func (s *Sink) ExportLines() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var b strings.Builder
	for key, value := range s.counters {
		name, tags := parseMetricKey(key)
		b.WriteString(LineProtocol(Sample{Name: name, Value: value, Tags: tags, RecordedAt: time.Now()}))
		b.WriteByte('\n')
	}
	for key, value := range s.gauges {
		name, tags := parseMetricKey(key)
		b.WriteString(LineProtocol(Sample{Name: name, Value: value, Tags: tags, RecordedAt: time.Now()}))
		b.WriteByte('\n')
	}
	return b.String()
}

func parseMetricKey(key string) (string, map[string]string) {
	i := strings.IndexByte(key, '[')
	if i < 0 {
		return key, nil
	}
	name := key[:i]
	tagPart := strings.TrimSuffix(key[i+1:], "]")
	if tagPart == "" {
		return name, nil
	}
	tags := make(map[string]string)
	for _, pair := range strings.Split(tagPart, ",") {
		kv := strings.SplitN(pair, "=", 2)
		if len(kv) == 2 {
			tags[kv[0]] = kv[1]
		}
	}
	return name, tags
}
