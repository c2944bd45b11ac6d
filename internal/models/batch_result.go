// -----------------------------------------------------------------------
// Batch Result - Reply shape of the job store's synchronous batch endpoints
// -----------------------------------------------------------------------

package models

import (
	"encoding/json"
	"fmt"
)

// BatchResult is the reply every batch curation endpoint returns. On the
// wire the counters are flattened into the top level next to success/error
// ({"success":true,"triaged":10,"extract_recommended":4}), and the set of
// counter names varies by endpoint, so they are kept as a generic map. The
// engine only interprets extract_recommended and extracted specially; the
// rest pass through to run summaries.
type BatchResult struct {
	Success  bool
	Error    string
	Counters map[string]int
}

// Counter returns the named counter, or 0 when the endpoint did not report it.
func (r *BatchResult) Counter(name string) int {
	if r == nil || r.Counters == nil {
		return 0
	}
	return r.Counters[name]
}

// HasWork returns true if any counter is non-zero.
func (r *BatchResult) HasWork() bool {
	for _, v := range r.Counters {
		if v != 0 {
			return true
		}
	}
	return false
}

// MarshalJSON flattens the counters back into the top-level object.
func (r *BatchResult) MarshalJSON() ([]byte, error) {
	flat := make(map[string]interface{}, len(r.Counters)+2)
	flat["success"] = r.Success
	if r.Error != "" {
		flat["error"] = r.Error
	}
	for name, value := range r.Counters {
		flat[name] = value
	}
	return json.Marshal(flat)
}

// UnmarshalJSON pulls success and error out of the object and treats every
// remaining numeric field as a counter. Non-numeric extras are ignored.
func (r *BatchResult) UnmarshalJSON(data []byte) error {
	var flat map[string]interface{}
	if err := json.Unmarshal(data, &flat); err != nil {
		return fmt.Errorf("invalid batch result: %w", err)
	}

	r.Counters = make(map[string]int)
	for name, value := range flat {
		switch name {
		case "success":
			if b, ok := value.(bool); ok {
				r.Success = b
			}
		case "error":
			if s, ok := value.(string); ok {
				r.Error = s
			}
		default:
			// JSON numbers decode as float64
			if f, ok := value.(float64); ok {
				r.Counters[name] = int(f)
			}
		}
	}
	return nil
}
