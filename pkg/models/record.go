package models

import "time"

// Record is one canonical biomarker measurement.
//
// (SubjectID, RecordID) is the natural key; writes with the same key
// overwrite each other.
type Record struct {
	SubjectID string `json:"subject_id"` // Owning subject, partition key
	RecordID  string `json:"record_id"`  // Metric key + "_" + source document id

	Metric        string `json:"metric"`                   // Canonical metric name
	Value         string `json:"value"`                    // Cleaned numeric value, e.g. "42" or "5.4"
	OriginalValue string `json:"original_value,omitempty"` // Raw cell text the value came from, e.g. "<5"
	Unit          string `json:"unit"`                     // Unit text or "extracted"
	RangeLow      string `json:"range_low,omitempty"`      // Reference range lower bound, when known
	RangeHigh     string `json:"range_high,omitempty"`     // Reference range upper bound, when known

	SourceDocumentID   string `json:"source_document_id"`  // Object key of the originating document
	EffectiveTimestamp int64  `json:"effective_timestamp"` // Collection time in Unix seconds, else processing time
}

// EffectiveTime returns EffectiveTimestamp as a UTC time.
func (r *Record) EffectiveTime() time.Time {
	return time.Unix(r.EffectiveTimestamp, 0).UTC()
}

// DocumentEvent names one stored object that should be processed.
type DocumentEvent struct {
	Bucket string `json:"bucket"`
	Key    string `json:"key"`
}
