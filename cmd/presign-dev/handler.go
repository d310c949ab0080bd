package main

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"path"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"github.com/predatorx7/intakelog/pkg/auth"
	"github.com/predatorx7/intakelog/pkg/format"
	"github.com/predatorx7/intakelog/pkg/model"
	"github.com/predatorx7/intakelog/pkg/upload"
)

const maxRequestBytes = 16 << 10

// URLSigner returns a URL allowing a single PUT of object.
type URLSigner interface {
	SignPut(object, contentType string, expires time.Time) (string, error)
}

// GCSSigner signs V4 URLs for a bucket with a service account key.
type GCSSigner struct {
	Bucket     string
	AccessID   string
	PrivateKey []byte
}

func (s GCSSigner) SignPut(object, contentType string, expires time.Time) (string, error) {
	return storage.SignedURL(s.Bucket, object, &storage.SignedURLOptions{
		GoogleAccessID: s.AccessID,
		PrivateKey:     s.PrivateKey,
		Method:         http.MethodPut,
		Expires:        expires,
		ContentType:    contentType,
		Scheme:         storage.SigningSchemeV4,
	})
}

type Handler struct {
	Signer  URLSigner
	Secret  []byte
	MaxSkew time.Duration
	TTL     time.Duration
	Prefix  string
	Now     func() time.Time
}

func validFilename(name string) bool {
	return name != "" && path.Base(name) == name && !strings.HasPrefix(name, ".") && strings.HasSuffix(name, ".txt")
}

func (h *Handler) HandleUploadURL(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBytes))
	if err != nil {
		http.Error(w, "Invalid Payload", http.StatusBadRequest)
		return
	}

	now := h.Now()
	if _, err := auth.VerifyRequest(r, body, h.Secret, h.MaxSkew, now); err != nil {
		status := http.StatusUnauthorized
		if errors.Is(err, auth.ErrStaleSignature) {
			status = http.StatusForbidden
		}
		http.Error(w, err.Error(), status)
		return
	}

	var req upload.CredentialRequest
	if err := json.Unmarshal(body, &req); err != nil {
		http.Error(w, "Invalid Payload", http.StatusBadRequest)
		return
	}
	if !validFilename(req.Filename) {
		http.Error(w, "Invalid filename", http.StatusBadRequest)
		return
	}
	if req.AudioType != upload.AudioType {
		http.Error(w, "Unsupported audioType", http.StatusBadRequest)
		return
	}
	contentType := req.ContentType
	if contentType == "" {
		contentType = "text/plain"
	}

	folder := model.GenericFolder
	if !model.IsSentinel(req.PatientID) {
		folder = format.SafeName(strings.TrimSpace(req.PatientID))
	}
	key := path.Join(h.Prefix, folder, req.Filename)

	url, err := h.Signer.SignPut(key, contentType, now.Add(h.TTL))
	if err != nil {
		http.Error(w, "Failed to sign upload url", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(upload.Credential{
		UploadURL: url,
		Key:       key,
		Filename:  req.Filename,
		Method:    http.MethodPut,
		Headers:   map[string]string{"Content-Type": contentType},
	})
}
