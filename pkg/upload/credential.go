package upload

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/predatorx7/intakelog/pkg/auth"
	"github.com/predatorx7/intakelog/pkg/format"
)

// CredentialPath is the backend route issuing presigned upload URLs.
const CredentialPath = "/v1/logs/upload-url"

var (
	ErrMissingEndpoint   = errors.New("upload credential endpoint not configured")
	ErrInvalidCredential = errors.New("upload credential missing url or key")
	ErrCredentialStatus  = errors.New("upload credential request rejected")
	ErrTransferStatus    = errors.New("upload transfer rejected")
)

// CredentialRequest asks the backend for a presigned URL for one file.
type CredentialRequest struct {
	PatientID   string `json:"patientId,omitempty"`
	Filename    string `json:"filename"`
	AudioType   string `json:"audioType"`
	DeviceName  string `json:"deviceName"`
	ContentType string `json:"contentType"`
	LogCount    int    `json:"logCount"`
	SessionID   string `json:"sessionId"`
}

// Credential is a short-lived permission to write one object.
type Credential struct {
	UploadURL string            `json:"uploadUrl"`
	Key       string            `json:"key"`
	Filename  string            `json:"filename,omitempty"`
	Method    string            `json:"method,omitempty"`
	Headers   map[string]string `json:"headers,omitempty"`
}

type CredentialIssuer interface {
	Issue(ctx context.Context, req CredentialRequest) (Credential, error)
}

type Transport interface {
	Transfer(ctx context.Context, cred Credential, body []byte) error
}

// HTTPCredentialIssuer requests credentials from the backend over HTTP,
// signing each request.
type HTTPCredentialIssuer struct {
	url    string
	client *http.Client
	signer auth.Signer
}

func NewHTTPCredentialIssuer(endpoint string, client *http.Client, signer auth.Signer) (*HTTPCredentialIssuer, error) {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return nil, ErrMissingEndpoint
	}
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &HTTPCredentialIssuer{
		url:    strings.TrimRight(endpoint, "/") + CredentialPath,
		client: client,
		signer: signer,
	}, nil
}

func (i *HTTPCredentialIssuer) Issue(ctx context.Context, cr CredentialRequest) (Credential, error) {
	var cred Credential

	body, err := json.Marshal(cr)
	if err != nil {
		return cred, fmt.Errorf("failed to encode credential request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, i.url, bytes.NewReader(body))
	if err != nil {
		return cred, err
	}
	req.Header.Set("Content-Type", "application/json")
	if err := i.signer.SignRequest(req, body); err != nil {
		return cred, fmt.Errorf("failed to sign credential request: %w", err)
	}

	resp, err := i.client.Do(req)
	if err != nil {
		return cred, fmt.Errorf("credential request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return cred, fmt.Errorf("%w: status %d: %s", ErrCredentialStatus, resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	if err := json.NewDecoder(resp.Body).Decode(&cred); err != nil {
		return cred, fmt.Errorf("failed to decode credential: %w", err)
	}
	return cred, nil
}

// HTTPTransport writes batches to the presigned URL.
type HTTPTransport struct {
	Client *http.Client
}

func (t HTTPTransport) Transfer(ctx context.Context, cred Credential, body []byte) error {
	method := cred.Method
	if method == "" {
		method = http.MethodPut
	}
	req, err := http.NewRequestWithContext(ctx, method, cred.UploadURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", format.ContentType)
	for k, v := range cred.Headers {
		req.Header.Set(k, v)
	}

	client := t.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("transfer failed: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%w: status %d", ErrTransferStatus, resp.StatusCode)
	}
	return nil
}
