package changelog

import "time"

type Record struct {
	Action     string `json:"action"`
	ExternalID string `json:"external_id"`
	Key        string `json:"key,omitempty"`

	Off int64 `json:"off"`

	RetError string `json:"ret_error,omitempty"`
	RetSize  int64  `json:"ret_size"`

	TS time.Time `json:"ts"`
}

func ErrString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
