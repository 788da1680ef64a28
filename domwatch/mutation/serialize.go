package mutation

import (
	"encoding/json"
	"fmt"
)

// MarshalBatch serialises a Batch to JSON.
func MarshalBatch(b *Batch) ([]byte, error) {
	return json.Marshal(b)
}

// UnmarshalBatch deserialises a Batch from JSON.
func UnmarshalBatch(data []byte) (*Batch, error) {
	var b Batch
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("mutation: decode batch: %w", err)
	}
	return &b, nil
}

// DecodeRecords parses the record array posted by the in-page observer.
func DecodeRecords(payload string) ([]Record, error) {
	var recs []Record
	if err := json.Unmarshal([]byte(payload), &recs); err != nil {
		return nil, fmt.Errorf("mutation: decode records: %w", err)
	}
	return recs, nil
}
