// Command vapidkeys prints a fresh VAPID key pair for web push.
package main

import (
	"fmt"

	"github.com/SherClockHolmes/webpush-go"

	"heartline/logger"
)

func main() {
	logger.Init("vapidkeys", true)

	privateKey, publicKey, err := webpush.GenerateVAPIDKeys()
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to generate VAPID keys")
	}

	fmt.Println("Add these to your .env file:")
	fmt.Printf("VAPID_PUBLIC_KEY=%s\n", publicKey)
	fmt.Printf("VAPID_PRIVATE_KEY=%s\n", privateKey)
	fmt.Println("VAPID_SUBJECT=mailto:ops@example.com")
}
