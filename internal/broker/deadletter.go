package broker

import (
	"encoding/base64"
	"time"
)

// DeadLetter is published to the dead-letter topic for messages that could not be handled
type DeadLetter struct {
	OriginalTopic string    `json:"original_topic"`
	Partition     int32     `json:"partition"`
	Offset        int64     `json:"offset"`
	Key           string    `json:"key,omitempty"`
	Error         string    `json:"error"`
	Reason        string    `json:"reason,omitempty"`
	Attempts      int       `json:"attempts,omitempty"`
	Payload       string    `json:"payload_base64"`
	Timestamp     time.Time `json:"timestamp"`
}

func NewDeadLetter(msg Message, err error, reason string, attempts int) DeadLetter {
	var errMsg string
	if err != nil {
		errMsg = err.Error()
	}

	return DeadLetter{
		OriginalTopic: msg.Topic,
		Partition:     msg.Partition,
		Offset:        msg.Offset,
		Key:           string(msg.Key),
		Error:         errMsg,
		Reason:        reason,
		Attempts:      attempts,
		Payload:       base64.StdEncoding.EncodeToString(msg.Value),
		Timestamp:     time.Now().UTC(),
	}
}

// Original returns the raw payload of the dead message
func (d DeadLetter) Original() ([]byte, error) {
	return base64.StdEncoding.DecodeString(d.Payload)
}
