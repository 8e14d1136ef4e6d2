package pg

import "time"

// jsonOrEmpty substitutes an empty JSON object for a column that scanned
// as NULL, so callers can always json.Unmarshal the result.
func jsonOrEmpty(data []byte) []byte {
	if data == nil {
		return []byte("{}")
	}
	return data
}

func nowUTC() time.Time {
	return time.Now().UTC()
}
