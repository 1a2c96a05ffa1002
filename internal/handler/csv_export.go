package handler

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// CSVExport writes payload.data as <dir>/<job id>.csv. The header is the key
// set of the first row in document order; later rows are projected onto it.
type CSVExport struct {
	dir string
}

func NewCSVExport(dir string) *CSVExport {
	return &CSVExport{dir: dir}
}

type csvResult struct {
	FilePath string `json:"filePath"`
}

func (h *CSVExport) Handle(ctx context.Context, task Task) Result {
	var p struct {
		Data json.RawMessage `json:"data"`
	}
	if len(task.Payload) > 0 {
		if err := json.Unmarshal(task.Payload, &p); err != nil {
			return Failf("decode payload: %v", err)
		}
	}
	data := bytes.TrimSpace(p.Data)
	if len(data) == 0 || data[0] != '[' {
		return Failf("payload.data must be an array")
	}

	var rows []json.RawMessage
	if err := json.Unmarshal(data, &rows); err != nil {
		return Failf("decode payload.data: %v", err)
	}

	content, err := BuildCSV(rows)
	if err != nil {
		return Fail(err)
	}

	if err := ctx.Err(); err != nil {
		return Fail(err)
	}
	if err := os.MkdirAll(h.dir, 0o755); err != nil {
		return Failf("create output dir: %v", err)
	}
	path := filepath.Join(h.dir, task.JobID.String()+".csv")
	if err := os.WriteFile(path, content, 0o644); err != nil {
		return Failf("write csv: %v", err)
	}

	return OK(csvResult{FilePath: path})
}

// BuildCSV renders rows (JSON objects) as CSV. No rows yields no output.
func BuildCSV(rows []json.RawMessage) ([]byte, error) {
	if len(rows) == 0 {
		return nil, nil
	}

	header, _, err := decodeObject(rows[0])
	if err != nil {
		return nil, fmt.Errorf("payload.data[0]: %w", err)
	}

	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(header); err != nil {
		return nil, err
	}

	record := make([]string, len(header))
	for i, raw := range rows {
		_, values, err := decodeObject(raw)
		if err != nil {
			return nil, fmt.Errorf("payload.data[%d]: %w", i, err)
		}
		for c, col := range header {
			record[c] = cellValue(values[col])
		}
		if err := w.Write(record); err != nil {
			return nil, err
		}
	}

	w.Flush()
	if err := w.Error(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// decodeObject returns the keys of a JSON object in document order along with
// the raw value of each key.
func decodeObject(raw json.RawMessage) ([]string, map[string]json.RawMessage, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	tok, err := dec.Token()
	if err != nil {
		return nil, nil, err
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return nil, nil, errors.New("row must be an object")
	}

	var keys []string
	values := make(map[string]json.RawMessage)
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, nil, err
		}
		key, ok := tok.(string)
		if !ok {
			return nil, nil, fmt.Errorf("unexpected token %v", tok)
		}
		var v json.RawMessage
		if err := dec.Decode(&v); err != nil {
			return nil, nil, err
		}
		if _, seen := values[key]; !seen {
			keys = append(keys, key)
		}
		values[key] = v
	}
	if _, err := dec.Token(); err != nil && !errors.Is(err, io.EOF) {
		return nil, nil, err
	}
	return keys, values, nil
}

func cellValue(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return ""
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			return s
		}
	}
	var compact bytes.Buffer
	if err := json.Compact(&compact, raw); err != nil {
		return string(raw)
	}
	return compact.String()
}
