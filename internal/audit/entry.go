package audit

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

// Entry is one audit record written as a single JSON line.
type Entry struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Actor     string    `json:"actor"`
	Action    string    `json:"action"`
	Tool      string    `json:"tool,omitempty"`
	Decision  string    `json:"decision"`
	Rule      string    `json:"rule,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	Session   string    `json:"session,omitempty"`
	Signature string    `json:"signature,omitempty"`
}

// canonical is the signed form: the entry serialized with no signature.
func (e Entry) canonical() ([]byte, error) {
	e.Signature = ""
	e.Timestamp = e.Timestamp.UTC()
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("marshal audit entry: %w", err)
	}
	return data, nil
}

func (e Entry) sign(key []byte) (string, error) {
	data, err := e.canonical()
	if err != nil {
		return "", err
	}
	mac := hmac.New(sha256.New, key)
	mac.Write(data)
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// VerifySignature reports whether the entry's signature matches key.
func (e Entry) VerifySignature(key []byte) bool {
	if e.Signature == "" {
		return false
	}
	want, err := e.sign(key)
	if err != nil {
		return false
	}
	return hmac.Equal([]byte(want), []byte(e.Signature))
}
