// Package auth covers the two credentials of the pipeline: API keys guarding
// the agent's local ingest endpoints, and HMAC request signatures the agent
// attaches when it asks the backend for an upload credential.
package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const (
	HeaderAPIKey    = "X-API-Key"
	HeaderClientID  = "X-Client-ID"
	HeaderTimestamp = "X-Timestamp"
	HeaderSignature = "X-Signature"
)

var (
	ErrMissingSignature = errors.New("missing request signature")
	ErrStaleSignature   = errors.New("request timestamp outside allowed skew")
	ErrBadSignature     = errors.New("invalid request signature")
)

// IssueAPIKey generates an API key for the given clientID signed with the secret.
// Format: clientID.signature
func IssueAPIKey(clientID string, secret []byte) string {
	return fmt.Sprintf("%s.%s", clientID, base64.RawURLEncoding.EncodeToString(sum(secret, clientID)))
}

// VerifyAPIKey verifies the API key against the secret.
// Returns valid bool and the extracted clientID if valid.
func VerifyAPIKey(apiKey string, secret []byte) (bool, string, error) {
	clientID, providedSig, ok := strings.Cut(apiKey, ".")
	if !ok || clientID == "" || strings.Contains(providedSig, ".") {
		return false, "", errors.New("invalid api key format")
	}

	expected := base64.RawURLEncoding.EncodeToString(sum(secret, clientID))
	if hmac.Equal([]byte(providedSig), []byte(expected)) {
		return true, clientID, nil
	}
	return false, "", errors.New("invalid signature")
}

// Signer signs outgoing requests on behalf of one client.
type Signer struct {
	ClientID string
	Secret   []byte
	Now      func() time.Time
}

// SignRequest sets the client, timestamp and signature headers. body must be
// the exact bytes that will be sent.
func (s Signer) SignRequest(req *http.Request, body []byte) error {
	if s.ClientID == "" || len(s.Secret) == 0 {
		return errors.New("signer needs a client id and a secret")
	}
	now := time.Now
	if s.Now != nil {
		now = s.Now
	}
	ts := strconv.FormatInt(now().Unix(), 10)

	req.Header.Set(HeaderClientID, s.ClientID)
	req.Header.Set(HeaderTimestamp, ts)
	req.Header.Set(HeaderSignature, hex.EncodeToString(sum(s.Secret, payload(s.ClientID, ts, body))))
	return nil
}

// VerifyRequest checks the headers set by SignRequest and returns the client id.
func VerifyRequest(req *http.Request, body []byte, secret []byte, maxSkew time.Duration, now time.Time) (string, error) {
	clientID := req.Header.Get(HeaderClientID)
	ts := req.Header.Get(HeaderTimestamp)
	sig := req.Header.Get(HeaderSignature)
	if clientID == "" || ts == "" || sig == "" {
		return "", ErrMissingSignature
	}

	unix, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return "", fmt.Errorf("%w: bad timestamp", ErrBadSignature)
	}
	if skew := now.Sub(time.Unix(unix, 0)); skew > maxSkew || skew < -maxSkew {
		return "", ErrStaleSignature
	}

	provided, err := hex.DecodeString(sig)
	if err != nil {
		return "", fmt.Errorf("%w: bad encoding", ErrBadSignature)
	}
	if !hmac.Equal(provided, sum(secret, payload(clientID, ts, body))) {
		return "", ErrBadSignature
	}
	return clientID, nil
}

func payload(clientID, ts string, body []byte) string {
	digest := sha256.Sum256(body)
	return clientID + "\n" + ts + "\n" + hex.EncodeToString(digest[:])
}

func sum(secret []byte, msg string) []byte {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(msg))
	return mac.Sum(nil)
}
