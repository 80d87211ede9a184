package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"time"
)

var addr string

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	command := os.Args[1]
	args := os.Args[2:]

	switch command {
	case "health":
		healthCmd(args)
	case "collect-now":
		pushCmd(args, "collectNow", "")
	case "change-layout":
		changeLayoutCmd(args)
	case "revert-to-schedule":
		pushCmd(args, "revertToSchedule", "")
	case "purge-all":
		pushCmd(args, "purgeAll", "")
	case "watch":
		watchCmd(args)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", command)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("playerctl - signage player debug console")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  playerctl health                         - Fetch /healthz and print status")
	fmt.Println("  playerctl collect-now                    - Force an immediate collection cycle")
	fmt.Println("  playerctl change-layout -id <layoutId>   - Pin a layout, bypassing the schedule")
	fmt.Println("  playerctl revert-to-schedule             - Clear a pinned layout override")
	fmt.Println("  playerctl purge-all                      - Clear the download queue and re-collect (cached files are kept)")
	fmt.Println("  playerctl watch                          - Stream live commands as they fire")
	fmt.Println()
	fmt.Println("Run 'playerctl <command> -addr <host:port>' to target a non-default daemon")
}

func newFlagSet(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	fs.StringVar(&addr, "addr", "127.0.0.1:8080", "Daemon HTTP address")
	return fs
}

func healthCmd(args []string) {
	fs := newFlagSet("health")
	fs.Parse(args)

	resp, err := http.Get(fmt.Sprintf("http://%s/healthz", addr))
	if err != nil {
		fmt.Fprintf(os.Stderr, "error contacting daemon: %v\n", err)
		os.Exit(1)
	}
	defer resp.Body.Close()

	var payload map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		fmt.Fprintf(os.Stderr, "error decoding response: %v\n", err)
		os.Exit(1)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	enc.Encode(payload)

	if resp.StatusCode != http.StatusOK {
		os.Exit(1)
	}
}

func changeLayoutCmd(args []string) {
	fs := newFlagSet("change-layout")
	layoutID := fs.String("id", "", "Layout id to pin")
	fs.Parse(args)
	if *layoutID == "" {
		fmt.Fprintln(os.Stderr, "change-layout requires -id")
		os.Exit(1)
	}
	pushCmd(nil, "changeLayout", *layoutID)
}

func pushCmd(_ []string, kind, layoutID string) {
	body, _ := json.Marshal(struct {
		Kind     string `json:"kind"`
		LayoutID string `json:"layout_id,omitempty"`
	}{Kind: kind, LayoutID: layoutID})

	resp, err := http.Post(fmt.Sprintf("http://%s/commands/push", addr), "application/json", bytes.NewReader(body))
	if err != nil {
		fmt.Fprintf(os.Stderr, "error contacting daemon: %v\n", err)
		os.Exit(1)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted {
		fmt.Fprintf(os.Stderr, "daemon rejected command: status %d\n", resp.StatusCode)
		os.Exit(1)
	}
	fmt.Printf("%s accepted\n", kind)
}

// watchCmd tails the command SSE stream, for watching what the CMS
// pushes (or what another playerctl invocation pushes) in real time.
func watchCmd(args []string) {
	fs := newFlagSet("watch")
	fs.Parse(args)

	client := &http.Client{Timeout: 0}
	resp, err := client.Get(fmt.Sprintf("http://%s/commands/stream", addr))
	if err != nil {
		fmt.Fprintf(os.Stderr, "error contacting daemon: %v\n", err)
		os.Exit(1)
	}
	defer resp.Body.Close()

	fmt.Println("watching live commands, Ctrl+C to stop")
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if len(line) > 6 && line[:6] == "data: " {
			fmt.Printf("[%s] %s\n", time.Now().Format(time.RFC3339), line[6:])
		}
	}
}
