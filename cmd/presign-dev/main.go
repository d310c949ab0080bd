// Command presign-dev is a development stand-in for the backend that hands
// out presigned upload URLs for log files.
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/predatorx7/intakelog/pkg/upload"
)

func main() {
	bucket := os.Getenv("PRESIGN_BUCKET")
	accessID := os.Getenv("PRESIGN_ACCESS_ID")
	keyFile := os.Getenv("PRESIGN_PRIVATE_KEY_FILE")
	if bucket == "" || accessID == "" || keyFile == "" {
		log.Fatal("PRESIGN_BUCKET, PRESIGN_ACCESS_ID and PRESIGN_PRIVATE_KEY_FILE are required")
	}
	key, err := os.ReadFile(keyFile)
	if err != nil {
		log.Fatalf("failed to read private key: %v", err)
	}

	secret := os.Getenv("PRESIGN_SIGNING_SECRET")
	if secret == "" {
		log.Println("WARNING: PRESIGN_SIGNING_SECRET not set, using default 'dev-secret'")
		secret = "dev-secret"
	}

	prefix := os.Getenv("PRESIGN_PREFIX")
	if prefix == "" {
		prefix = "logs"
	}

	handler := &Handler{
		Signer:  GCSSigner{Bucket: bucket, AccessID: accessID, PrivateKey: key},
		Secret:  []byte(secret),
		MaxSkew: 5 * time.Minute,
		TTL:     15 * time.Minute,
		Prefix:  prefix,
		Now:     time.Now,
	}

	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Post(upload.CredentialPath, handler.HandleUploadURL)

	port := os.Getenv("PORT")
	if port == "" {
		port = "8081"
	}
	addr := ":" + port
	srv := &http.Server{Addr: addr, Handler: r}

	go func() {
		log.Printf("Starting presign service on %s (bucket %s)", addr, bucket)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %s\n", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Fatal("Server Shutdown:", err)
	}
	log.Println("Server exiting")
}
