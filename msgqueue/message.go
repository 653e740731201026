package msgqueue

// JobMessage is the wire-format projection of a job status: exactly two
// fields, the job id and its registry key. A message must only be
// published for a status that already exists in the store, otherwise the
// consumer-side lookup cannot succeed.
type JobMessage struct {
	ID  string `json:"id"`
	Key string `json:"key"`
}
