package fileutils

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
)

// ReadJSONFile reads path and unmarshals it into v.
func ReadJSONFile(path string, v any) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("ReadJSONFile: read: %w", err)
	}
	if err := json.Unmarshal(b, v); err != nil {
		return fmt.Errorf("ReadJSONFile: unmarshal %s: %w", path, err)
	}
	return nil
}

// ReadJSONLines streams a JSONL file, invoking fn with each line's raw bytes.
// Blank lines are skipped. fn returning an error stops the scan.
func ReadJSONLines(path string, fn func(line []byte) error) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("ReadJSONLines: open: %w", err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	// Rows carry raw window titles and environment excerpts; lines can be long.
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		if err := fn(line); err != nil {
			return fmt.Errorf("ReadJSONLines: line %d: %w", lineNo, err)
		}
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("ReadJSONLines: scan: %w", err)
	}
	return nil
}
