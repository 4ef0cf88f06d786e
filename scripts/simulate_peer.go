// Simulates a remote federation peer against a running forge-server:
// discover, handshake, then pull one page of capsules.
//
//	go run ./scripts
//
// The signing key persists in sim-peer.key so repeat runs keep the same
// identity and the target's pinned key stays valid.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/forgegraph/forge-core/internal/core"
	"github.com/forgegraph/forge-core/internal/federation"
	"github.com/forgegraph/forge-core/pkg/sdk"
)

const simPeerID = "sim-peer-01"

func main() {
	target := os.Getenv("FORGE_TARGET")
	if target == "" {
		target = "http://localhost:8080"
	}
	keyPath := os.Getenv("FORGE_SIM_KEY_PATH")
	if keyPath == "" {
		keyPath = "sim-peer.key"
	}

	provider, err := federation.LoadOrCreateProvider(federation.AlgorithmEd25519, keyPath)
	if err != nil {
		log.Fatalf("❌ Signing key setup failed: %v", err)
	}

	client := sdk.NewClient(sdk.Config{
		Info: federation.InstanceInfo{
			InstanceID:   simPeerID,
			Name:         "Simulated Peer",
			APIVersion:   "1.0",
			Capabilities: federation.Capabilities{SupportsPull: true},
		},
		Provider: provider,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	fmt.Printf("🤖 Simulated peer starting: %s\n", simPeerID)
	fmt.Printf("📡 Discovering %s...\n", target)

	doc, err := client.Discover(ctx, target)
	if err != nil {
		log.Fatalf("❌ Discovery failed (is forge-server running?): %v", err)
	}
	fmt.Printf("✅ Found %q (%s), api %s, pull=%v push=%v\n",
		doc.Name, doc.InstanceID, doc.APIVersion,
		doc.Capabilities.SupportsPull, doc.Capabilities.SupportsPush)

	peer := &core.Peer{ID: doc.InstanceID, Name: doc.Name, BaseURL: target}

	fmt.Println("\n⏳ Handshaking...")
	resp, err := client.Handshake(ctx, peer)
	if err != nil {
		log.Fatalf("❌ Handshake refused: %v", err)
	}
	if ok, verr := resp.VerifySelfSigned(); verr != nil || !ok {
		log.Fatalf("❌ Handshake response signature invalid: %v", verr)
	}
	peer.PeerPublicKeyPEM = resp.PublicKeyPEM
	fmt.Printf("✅ Key pinned for %s (max %d entities per page)\n", resp.InstanceID, resp.MaxEntitiesPerSync)

	fmt.Println("\n⏳ Requesting a sync page...")
	page, err := client.RequestSync(ctx, peer, &federation.SyncRequest{
		PeerID: simPeerID,
		Limit:  10,
	})
	if err != nil {
		var apiErr *sdk.APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound {
			fmt.Println("❌ This peer is not registered on the target instance. Register it first:")
			fmt.Printf("   forge-cli peers register --id %s --name \"Simulated Peer\" --url https://sim-peer.example.org\n", simPeerID)
			fmt.Println("   then run the simulation again.")
			os.Exit(1)
		}
		log.Fatalf("❌ Sync request failed: %v", err)
	}

	fmt.Printf("✅ Received %d capsule(s), %d edge(s), has_more=%v\n",
		len(page.Entities), len(page.Edges), page.HasMore)
	for _, c := range page.Entities {
		fmt.Printf("   · %s  %q (%s)\n", c.ID, c.Title, c.Type)
	}
}
