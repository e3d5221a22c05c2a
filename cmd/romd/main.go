package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kolskypavel/Radio-O-Manager-sub000/internal/server"
	"github.com/kolskypavel/Radio-O-Manager-sub000/internal/si"
	"github.com/kolskypavel/Radio-O-Manager-sub000/internal/store"
	"github.com/kolskypavel/Radio-O-Manager-sub000/web"
)

func main() {
	configPath := flag.String("config", "config.yaml", "Path to config file")
	demo := flag.Bool("demo", false, "Run with a simulated card reader")
	listenAddr := flag.String("listen", "", "Override listen address (e.g. :8080)")
	flag.Parse()

	log.SetFlags(log.Ldate | log.Ltime | log.Lshortfile)
	log.Println("[main] romd starting")

	// Load config
	cfg := server.LoadConfig(*configPath)

	if *demo {
		cfg.Reader.Type = "demo"
	}
	if *listenAddr != "" {
		cfg.Server.ListenAddr = *listenAddr
	}

	// Create context with signal handling
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Printf("[main] received %v, shutting down", sig)
		cancel()
	}()

	// Open the race database
	st, err := store.Open(cfg.Store.Path)
	if err != nil {
		log.Fatalf("[main] open store: %v", err)
	}
	defer st.Close()

	// Initialize the card reader
	var reader si.Reader
	switch cfg.Reader.Type {
	case "station":
		reader = si.NewStation(si.StationConfig{
			PortPath: cfg.Reader.PortPath,
			BaudRate: cfg.Reader.BaudRate,
		})
	default:
		reader = si.NewDemoStation(nil)
	}

	// Connect with exponential backoff (non-blocking — the result desk UI
	// comes up even while the station is still being plugged in)
	go connectWithRetry(ctx, reader.Name(), reader, 10)
	defer reader.Close()

	srv := server.New(cfg, reader, st, web.FS)
	if err := srv.Run(ctx); err != nil {
		log.Printf("[main] server exited: %v", err)
	}
}

// connectable is the subset of si.Reader the retry loop needs.
type connectable interface {
	Connect() error
	Close() error
}

// connectWithRetry attempts to connect with exponential backoff.
// Starts at 1s, doubles each attempt up to 60s, retries up to maxAttempts
// then continues at max interval indefinitely.
func connectWithRetry(ctx context.Context, name string, c connectable, maxAttempts int) {
	delay := 1 * time.Second
	maxDelay := 60 * time.Second
	attempt := 0

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if err := c.Connect(); err != nil {
			attempt++
			if attempt <= maxAttempts {
				log.Printf("[%s] connect attempt %d/%d failed: %v (retry in %v)",
					name, attempt, maxAttempts, err, delay)
			} else {
				log.Printf("[%s] connect attempt %d failed: %v (retry in %v)",
					name, attempt, err, delay)
			}

			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}

			delay *= 2
			if delay > maxDelay {
				delay = maxDelay
			}
		} else {
			log.Printf("[%s] connected successfully (attempt %d)", name, attempt+1)
			return
		}
	}
}
