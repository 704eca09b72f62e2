package main

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

// Generates a random admin token for the ADMIN_TOKEN environment variable,
// which guards the /collect and /harvest trigger endpoints.
func main() {
	randomBytes := make([]byte, 32)
	if _, err := rand.Read(randomBytes); err != nil {
		panic(err)
	}
	token := "tog_" + hex.EncodeToString(randomBytes)

	fmt.Println("Admin token generated:")
	fmt.Println()
	fmt.Println("  " + token)
	fmt.Println()
	fmt.Println("Export it before starting the server:")
	fmt.Printf("  export ADMIN_TOKEN=%s\n", token)
}
