// Command raftctl is the interactive client named in SPEC_FULL.md §6.1,
// grounded on virajbhartiya-raft/cmd/raftctl/main.go's separation of
// launcher (raftd) vs. interactive client: a small flag-driven tool that
// dials one node and submits a command or checks health, adapted from
// net/rpc calls to this module's JSON-over-HTTP /command and /health
// routes (package httprpc).
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/Konstantsiy/raftcore/appfsm"
)

func main() {
	address := flag.String("address", "localhost:8001", "node address, e.g. localhost:8001")
	command := flag.String("command", "", "command: set, get, health")
	key := flag.String("key", "", "key for set/get")
	value := flag.String("value", "", "value for set")
	flag.Parse()

	if *command == "" {
		fmt.Fprintln(os.Stderr, "Error: -command is required")
		os.Exit(1)
	}

	client := &http.Client{Timeout: 2 * time.Second}

	switch *command {
	case "health":
		if err := health(client, *address); err != nil {
			fail(err)
		}
		fmt.Println("ok")
	case "set":
		if *key == "" || *value == "" {
			fmt.Fprintln(os.Stderr, "Error: -key and -value are required for set")
			os.Exit(1)
		}
		if err := submit(client, *address, *key, *value); err != nil {
			fail(err)
		}
		fmt.Println("submitted")
	case "get":
		fmt.Fprintln(os.Stderr, "Error: get is served by the application layer directly, not over this RPC surface yet")
		os.Exit(1)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", *command)
		os.Exit(1)
	}
}

func health(client *http.Client, address string) error {
	resp, err := client.Get(fmt.Sprintf("http://%s/health", address))
	if err != nil {
		return fmt.Errorf("dial %s: %w", address, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("unhealthy: status %d: %s", resp.StatusCode, string(body))
	}
	return nil
}

func submit(client *http.Client, address, key, value string) error {
	payload, err := appfsm.EncodeSet(key, value)
	if err != nil {
		return fmt.Errorf("encode command: %w", err)
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	resp, err := client.Post(fmt.Sprintf("http://%s/command", address), "application/json", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("dial %s: %w", address, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(respBody))
	}
	return nil
}

func fail(err error) {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}
