// Command apikey-gen issues the X-API-Key the intake application presents to
// the local agent.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/predatorx7/intakelog/pkg/auth"
)

func main() {
	clientID := flag.String("client", "", "Client ID to issue key for, e.g. the kiosk name")
	secret := flag.String("secret", "", "Agent API secret (or use INTAKELOG_API_SECRET env var)")
	flag.Parse()

	if *clientID == "" {
		fmt.Println("Usage: apikey-gen -client <clientID> [-secret <secret>]")
		flag.PrintDefaults()
		os.Exit(1)
	}

	secretKey := *secret
	if secretKey == "" {
		secretKey = os.Getenv("INTAKELOG_API_SECRET")
	}
	if secretKey == "" {
		log.Fatal("Error: Secret is required via -secret flag or INTAKELOG_API_SECRET env var")
	}

	key := auth.IssueAPIKey(*clientID, []byte(secretKey))
	if ok, _, err := auth.VerifyAPIKey(key, []byte(secretKey)); !ok || err != nil {
		log.Fatalf("Error: issued key does not verify: %v", err)
	}
	fmt.Printf("Issued API Key for '%s':\n%s\n", *clientID, key)
	fmt.Printf("\nSend it with every agent request:\n  %s: %s\n", auth.HeaderAPIKey, key)
}
