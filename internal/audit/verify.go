package audit

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
)

// Report summarizes a signature check over one audit file.
type Report struct {
	Entries  int
	Signed   int
	Invalid  []int
	Unsigned []int
}

// OK reports whether every entry carried a valid signature.
func (r Report) OK() bool {
	return len(r.Invalid) == 0 && len(r.Unsigned) == 0
}

// Verify checks the HMAC of every line in path. Line numbers are 1-based.
func Verify(path string, key []byte) (Report, error) {
	f, err := os.Open(path)
	if err != nil {
		return Report{}, fmt.Errorf("open audit log: %w", err)
	}
	defer f.Close()

	var report Report
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		if len(scanner.Bytes()) == 0 {
			continue
		}
		report.Entries++

		var entry Entry
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			report.Invalid = append(report.Invalid, line)
			continue
		}
		if entry.Signature == "" {
			report.Unsigned = append(report.Unsigned, line)
			continue
		}
		report.Signed++
		if !entry.VerifySignature(key) {
			report.Invalid = append(report.Invalid, line)
		}
	}
	if err := scanner.Err(); err != nil {
		return report, fmt.Errorf("scan audit log: %w", err)
	}
	return report, nil
}
