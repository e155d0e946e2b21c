package chunked

import (
	"encoding/json"
	"strconv"
)

// flexBool decodes a boolean that appears on the wire as true/false, a
// quoted string, or a 0/1 number depending on the endpoint generation.
type flexBool bool

func (b *flexBool) UnmarshalJSON(data []byte) error {
	var direct bool
	if err := json.Unmarshal(data, &direct); err == nil {
		*b = flexBool(direct)
		return nil
	}

	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		parsed, err := strconv.ParseBool(s)
		if err != nil {
			return err
		}
		*b = flexBool(parsed)
		return nil
	}

	var n float64
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*b = flexBool(n != 0)
	return nil
}

func (b flexBool) MarshalJSON() ([]byte, error) {
	return json.Marshal(bool(b))
}
