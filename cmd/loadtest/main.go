// Command loadtest drives a running matchcore gateway with synthetic users.
//
//   - saturate: open N idle authenticated connections and hold them
//   - chat:     seed matched pairs and measure end-to-end message latency
//
// Usage:
//
//	loadtest <command> [options]
package main

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/emberapp/matchcore/internal/auth"
	"github.com/emberapp/matchcore/internal/loadtest/client"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "saturate":
		runSaturate(os.Args[2:])
	case "chat":
		runChat(os.Args[2:])
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Usage: loadtest <command> [options]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  saturate    Connection saturation test, opens N idle connections")
	fmt.Println("  chat        Matched pairs exchange messages, measures delivery latency")
	fmt.Println()
	fmt.Println("Run 'loadtest <command> -h' for command-specific options.")
}

// tokenIssuer mints access tokens for synthetic users. The gateway must be
// configured with the same secret and issuer.
type tokenIssuer struct {
	v *auth.JWTVerifier
}

func newTokenIssuer(secret, issuer string) tokenIssuer {
	return tokenIssuer{v: auth.NewJWTVerifier(secret, issuer)}
}

func (t tokenIssuer) token(userID string) (string, error) {
	return t.v.Issue(userID, "loadtest-"+userID[:8], 2*time.Hour)
}

func closeAll(clients []*client.Client, mu *sync.Mutex) {
	mu.Lock()
	defer mu.Unlock()
	fmt.Printf("Closing %d connections...\n", len(clients))
	for _, c := range clients {
		c.Close()
	}
}
