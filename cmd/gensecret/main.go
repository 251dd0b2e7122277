// Command gensecret prints a random hex key suitable for SECRET_KEY
package main

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"

	"github.com/spf13/pflag"
)

const defaultKeyBytes = 32

func main() {
	size := pflag.IntP("bytes", "n", defaultKeyBytes, "Key length in bytes")
	asEnv := pflag.Bool("env", false, "Print as SECRET_KEY=... line ready for .env file")
	pflag.Parse()

	key, err := generate(*size)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error while generating secret key: %v\n", err)
		os.Exit(1)
	}

	if *asEnv {
		fmt.Printf("SECRET_KEY=%s\n", key)
		return
	}
	fmt.Println(key)
}

func generate(size int) (string, error) {
	if size < 16 {
		return "", fmt.Errorf("key is too short: %d bytes, need at least 16", size)
	}

	b := make([]byte, size)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
