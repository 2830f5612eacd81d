// Command sealsecret encrypts a webhook signing secret with the configured KMS
// key and prints the value to put in WEBHOOK_SECRET_ENCRYPTED.
package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"edge-guard/internal/client"
	"edge-guard/internal/config"
	"edge-guard/internal/secrets"
	"edge-guard/internal/util"
)

func main() {
	cfg := config.LoadConfig()
	util.Init(cfg.Environment, cfg.Logging.Level, "console")
	defer util.Sync()

	if cfg.KMS.KeyID == "" {
		util.Fatal("KMS_KEY_ID must be set")
	}

	plaintext, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && plaintext == "" {
		util.Fatal("Failed to read secret from stdin", util.ErrorField(err))
	}
	plaintext = strings.TrimRight(plaintext, "\r\n")
	if plaintext == "" {
		util.Fatal("Empty secret")
	}

	kmsClient, err := client.NewKMSClient(cfg)
	if err != nil {
		util.Fatal("Failed to initialize KMS client", util.ErrorField(err))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	sealed, err := secrets.NewManager(kmsClient, cfg.KMS.KeyID).Seal(ctx, plaintext)
	if err != nil {
		util.Fatal("Failed to seal secret", util.ErrorField(err))
	}
	fmt.Println(sealed)
}
