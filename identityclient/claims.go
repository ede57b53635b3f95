package identityclient

import (
	"encoding/json"
)

// stringOrList accepts a claim encoded either as a single string or as an
// array of strings.
type stringOrList []string

func (s *stringOrList) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*s = nil
		return nil
	}
	var one string
	if err := json.Unmarshal(data, &one); err == nil {
		*s = stringOrList{one}
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return err
	}
	*s = many
	return nil
}

func (s stringOrList) list() []string {
	if s == nil {
		return []string{}
	}
	return []string(s)
}
