package models

// UploadSegment is one ordered chunk of an upload's content. Index is a
// client-chosen positive ordering key; it need not be contiguous or start
// at 1. Segments are consumed destructively during materialization.
type UploadSegment struct {
	ID           int64
	UploadID     int64
	Index        int64
	FileKey      string // object ref; empty until a payload is accepted
	AttemptCount int
}
