package main

import (
	"fmt"
	"os"

	"veranda/internal/push"
)

func main() {
	if len(os.Args) != 1 {
		fmt.Println("Usage: vapidkeys")
		os.Exit(1)
	}

	privateKey, publicKey, err := push.GenerateKeys()
	if err != nil {
		fmt.Printf("Error generating VAPID keys: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("VAPID_PUBLIC_KEY=%s\n", publicKey)
	fmt.Printf("VAPID_PRIVATE_KEY=%s\n", privateKey)
}
