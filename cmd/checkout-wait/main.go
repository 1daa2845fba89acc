// Command checkout-wait waits for a just-paid checkout to show up as an
// active entitlement, the way the web client does after the provider's
// redirect.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/PropDocs/internal/pkg/checkout"
	"github.com/ManuelReschke/PropDocs/internal/pkg/env"
)

func main() {
	env.SetupEnvFile()

	baseURL := flag.String("url", env.GetEnv("PROPDOCS_URL", "http://localhost:4000"), "API base URL")
	apiKey := flag.String("key", env.GetEnv("PROPDOCS_API_KEY", ""), "API key of the paying user")
	session := flag.String("session", "", "checkout session reference, for logging")
	interval := flag.Duration("interval", checkout.DefaultInterval, "poll interval")
	attempts := flag.Int("attempts", checkout.DefaultMaxAttempts, "maximum number of reads")
	flag.Parse()

	if *apiKey == "" {
		fmt.Fprintln(os.Stderr, "an API key is required (-key or PROPDOCS_API_KEY)")
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	source := &checkout.HTTPSource{BaseURL: *baseURL, APIKey: *apiKey, Timeout: 10 * time.Second}
	poller := checkout.NewPoller(source, *interval, *attempts)
	poller.OnState = func(s checkout.State) {
		log.Infof("[Checkout] %s", s)
	}

	res := poller.Run(ctx, *session)
	out, _ := json.MarshalIndent(res, "", "  ")
	fmt.Println(string(out))

	switch res.State {
	case checkout.StateActivated:
		return
	case checkout.StateTimedOut:
		fmt.Fprintln(os.Stderr, res.Message)
		os.Exit(3)
	default:
		os.Exit(1)
	}
}
