package trace

import (
	"bufio"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
)

// VerifyResult is the outcome of verifying a trace.
type VerifyResult struct {
	EventCount     int
	RunID          string
	Status         string // status recorded by run_complete, if any
	Valid          bool
	BrokenAt       int // -1 if no break
	Signed         bool
	SignatureOK    bool
	SignatureNoKey bool // signature present but no key to verify
	SigningKeyID   string
	ChainHash      string
	Error          string
}

func broken(count int, format string, args ...any) *VerifyResult {
	return &VerifyResult{
		EventCount: count,
		BrokenAt:   count,
		Error:      fmt.Sprintf("event %d: ", count) + fmt.Sprintf(format, args...),
	}
}

// VerifyFile verifies the hash chain and optional signature of a trace file.
// The signing key is read from SCANBOOK_TRACE_SIGNING_KEY.
func VerifyFile(path string) (*VerifyResult, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open trace file: %w", err)
	}
	defer f.Close()
	return Verify(f, []byte(os.Getenv(SigningKeyEnv)))
}

// Verify checks that every event links to the hash of the line before it,
// that all events belong to one run, and, when key is non-empty, that the
// run_complete signature matches the chain hash.
func Verify(r io.Reader, key []byte) (*VerifyResult, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 1024*1024), 1024*1024)

	expected := genesis
	count := 0
	var last Event
	runID := ""

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		count++

		var evt Event
		if err := json.Unmarshal(line, &evt); err != nil {
			return broken(count, "invalid JSON: %v", err), nil
		}
		if evt.PrevHash != expected {
			return broken(count, "prev_hash mismatch (expected %.16s..., got %.16s...)", expected, evt.PrevHash), nil
		}
		if count == 1 {
			runID = evt.RunID
		} else if evt.RunID != runID {
			return broken(count, "run_id %q differs from %q", evt.RunID, runID), nil
		}

		h := sha256.Sum256(line)
		expected = hex.EncodeToString(h[:])
		last = evt
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read trace: %w", err)
	}

	res := &VerifyResult{EventCount: count, RunID: runID, Valid: true, BrokenAt: -1}
	if last.Type != EventRunComplete || last.Data == nil {
		return res, nil
	}
	res.Status, _ = last.Data["status"].(string)
	res.ChainHash, _ = last.Data["chain_hash"].(string)
	sig, signed := last.Data["signature"].(string)
	if !signed {
		return res, nil
	}
	res.Signed = true
	res.SigningKeyID, _ = last.Data["signing_key_id"].(string)
	if len(key) == 0 {
		res.SignatureNoKey = true
		return res, nil
	}
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(res.ChainHash))
	res.SignatureOK = hmac.Equal([]byte(sig), []byte(hex.EncodeToString(mac.Sum(nil))))
	return res, nil
}
