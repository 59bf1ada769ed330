// Command genkey prints a fresh base64-encoded 32-byte master key for the
// credential vault. Rotating to a new key makes existing credentials
// undecryptable; they must be re-added.
package main

import (
	"fmt"
	"log"

	"costguardian/internal/vault"
)

func main() {
	key, err := vault.GenerateKey()
	if err != nil {
		log.Fatalf("Failed to generate key: %v", err)
	}
	fmt.Println(key)
}
