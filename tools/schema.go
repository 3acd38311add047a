package tools

import (
	"bytes"
	"encoding/json"
	"io"
)

func mustJSONReader(v map[string]any) io.Reader {
	b, err := json.Marshal(v)
	if err != nil {
		return bytes.NewReader([]byte("{}"))
	}
	return bytes.NewReader(b)
}
