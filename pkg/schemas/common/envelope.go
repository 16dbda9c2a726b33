package common

import "encoding/json"

// Envelope is the frame carried by every transport link.
type Envelope struct {
	Meta Meta            `json:"meta"`
	Data json.RawMessage `json:"data"`
}

// Wrap marshals data into an Envelope stamped with meta.
func Wrap(meta Meta, data any) (Envelope, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Meta: meta, Data: raw}, nil
}
