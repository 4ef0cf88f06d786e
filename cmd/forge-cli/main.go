// forge-cli drives a Forge instance's admin API from the terminal.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"
)

const version = "1.0.0"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	base := os.Getenv("FORGE_API_URL")
	if base == "" {
		base = "http://localhost:8080"
	}
	c := &cli{
		base: strings.TrimRight(base, "/"),
		key:  os.Getenv("FORGE_ADMIN_KEY"),
		http: &http.Client{Timeout: 30 * time.Second},
	}

	switch os.Args[1] {
	case "peers":
		c.cmdPeers(os.Args[2:])
	case "sync":
		c.cmdSync(os.Args[2:])
	case "breakers":
		c.cmdBreakers(os.Args[2:])
	case "tasks":
		c.cmdTasks(os.Args[2:])
	case "webhooks":
		c.cmdWebhooks(os.Args[2:])
	case "version":
		fmt.Printf("forge-cli v%s\n", version)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`Forge Federation CLI v` + version + `

Usage: forge-cli <command> [args]

Commands:
  peers list                         List registered peers
  peers get <id>                     Show one peer
  peers register --id <id> --name <name> --url <base-url>
  peers revoke <id> [--reason <text>]
  sync <peer-id> [--direction PULL|PUSH|BIDIRECTIONAL] [--force]
  breakers                           Show circuit breaker states
  breakers reset <name>              Reset one breaker
  tasks                              Show scheduler tasks
  tasks run <name>                   Run a task immediately
  webhooks list                      List webhook subscriptions
  webhooks add --url <url> --events <a,b,c>
  webhooks remove <id>
  version                            Print version

Environment:
  FORGE_API_URL     Instance URL (default: http://localhost:8080)
  FORGE_ADMIN_KEY   Admin API key

Examples:
  forge-cli peers register --id atlas --name "Atlas KB" --url https://atlas.example.org
  forge-cli sync atlas --direction PULL --force
  forge-cli webhooks add --url https://hooks.example.org/forge --events sync.completed,peer.revoked`)
}

// ----------------------------------------------------------------
// peers
// ----------------------------------------------------------------

type peerView struct {
	ID         string     `json:"id"`
	Name       string     `json:"name"`
	BaseURL    string     `json:"base_url"`
	Status     string     `json:"status"`
	TrustScore float64    `json:"trust_score"`
	LastSyncAt *time.Time `json:"last_sync_at"`
}

func (c *cli) cmdPeers(args []string) {
	if len(args) == 0 {
		fatal("Usage: forge-cli peers <list|get|register|revoke>")
	}

	switch args[0] {
	case "list":
		var resp struct {
			Peers []peerView `json:"peers"`
			Count int        `json:"count"`
		}
		c.get("/admin/peers", &resp)
		if resp.Count == 0 {
			fmt.Println("No peers registered.")
			return
		}
		fmt.Printf("%-20s %-20s %-12s %-7s %s\n", "ID", "NAME", "STATUS", "TRUST", "LAST SYNC")
		fmt.Println(strings.Repeat("-", 78))
		for _, p := range resp.Peers {
			fmt.Printf("%-20s %-20s %-12s %-7.2f %s\n",
				p.ID, p.Name, p.Status, p.TrustScore, formatTime(p.LastSyncAt))
		}

	case "get":
		if len(args) < 2 {
			fatal("Usage: forge-cli peers get <id>")
		}
		var peer json.RawMessage
		c.get("/admin/peers/"+args[1], &peer)
		printJSON(peer)

	case "register":
		var id, name, url string
		for i := 1; i < len(args); i++ {
			switch args[i] {
			case "--id":
				id = next(args, &i)
			case "--name":
				name = next(args, &i)
			case "--url":
				url = next(args, &i)
			}
		}
		if id == "" || name == "" || url == "" {
			fatal("Usage: forge-cli peers register --id <id> --name <name> --url <base-url>")
		}
		var peer peerView
		c.post("/admin/peers", map[string]any{"id": id, "name": name, "base_url": url}, &peer)
		fmt.Printf("Registered peer %s (%s) at %s\n", peer.ID, peer.Status, peer.BaseURL)

	case "revoke":
		if len(args) < 2 {
			fatal("Usage: forge-cli peers revoke <id> [--reason <text>]")
		}
		reason := "revoked via cli"
		for i := 2; i < len(args); i++ {
			if args[i] == "--reason" {
				reason = next(args, &i)
			}
		}
		var peer peerView
		c.post("/admin/peers/"+args[1]+"/revoke", map[string]any{"reason": reason}, &peer)
		fmt.Printf("Revoked peer %s\n", peer.ID)

	default:
		fatal("Unknown peers subcommand: " + args[0])
	}
}

// ----------------------------------------------------------------
// sync
// ----------------------------------------------------------------

type syncView struct {
	ID           string       `json:"id"`
	Status       string       `json:"status"`
	Direction    string       `json:"direction"`
	Counters     syncCounters `json:"counters"`
	ErrorMessage string       `json:"error_message"`
}

type syncCounters struct {
	CapsulesFetched    int `json:"capsules_fetched"`
	CapsulesCreated    int `json:"capsules_created"`
	CapsulesUpdated    int `json:"capsules_updated"`
	CapsulesSkipped    int `json:"capsules_skipped"`
	CapsulesConflicted int `json:"capsules_conflicted"`
	CapsulesPushed     int `json:"capsules_pushed"`
}

func (c *cli) cmdSync(args []string) {
	if len(args) == 0 {
		fatal("Usage: forge-cli sync <peer-id> [--direction PULL|PUSH|BIDIRECTIONAL] [--force]")
	}
	peerID := args[0]
	direction := ""
	force := false
	for i := 1; i < len(args); i++ {
		switch args[i] {
		case "--direction", "-d":
			direction = next(args, &i)
		case "--force", "-f":
			force = true
		}
	}

	var state syncView
	c.post("/admin/peers/"+peerID+"/sync", map[string]any{"direction": direction, "force": force}, &state)

	fmt.Printf("Sync %s: %s (%s)\n", state.ID, state.Status, state.Direction)
	fmt.Printf("  fetched=%d created=%d updated=%d skipped=%d conflicted=%d pushed=%d\n",
		state.Counters.CapsulesFetched, state.Counters.CapsulesCreated, state.Counters.CapsulesUpdated,
		state.Counters.CapsulesSkipped, state.Counters.CapsulesConflicted, state.Counters.CapsulesPushed)
	if state.ErrorMessage != "" {
		fmt.Printf("  error: %s\n", state.ErrorMessage)
	}
}

// ----------------------------------------------------------------
// breakers
// ----------------------------------------------------------------

func (c *cli) cmdBreakers(args []string) {
	if len(args) >= 2 && args[0] == "reset" {
		var status struct {
			Name  string `json:"name"`
			State string `json:"state"`
		}
		c.post("/admin/breakers/"+args[1]+"/reset", nil, &status)
		fmt.Printf("Breaker %s is now %s\n", status.Name, status.State)
		return
	}

	var resp struct {
		Health struct {
			Healthy bool `json:"healthy"`
			Total   int  `json:"total"`
			Open    int  `json:"open"`
		} `json:"health"`
		Breakers map[string]struct {
			State           string `json:"state"`
			WindowSuccesses int    `json:"window_successes"`
			WindowFailures  int    `json:"window_failures"`
		} `json:"breakers"`
	}
	c.get("/admin/breakers", &resp)

	fmt.Printf("Health: healthy=%v total=%d open=%d\n\n", resp.Health.Healthy, resp.Health.Total, resp.Health.Open)
	fmt.Printf("%-28s %-10s %-10s %s\n", "BREAKER", "STATE", "SUCCESSES", "FAILURES")
	fmt.Println(strings.Repeat("-", 62))
	for name, b := range resp.Breakers {
		fmt.Printf("%-28s %-10s %-10d %d\n", name, b.State, b.WindowSuccesses, b.WindowFailures)
	}
}

// ----------------------------------------------------------------
// tasks
// ----------------------------------------------------------------

type taskView struct {
	Name                string `json:"name"`
	Enabled             bool   `json:"enabled"`
	RunCount            uint64 `json:"run_count"`
	ErrorCount          uint64 `json:"error_count"`
	ConsecutiveFailures int    `json:"consecutive_failures"`
	LastError           string `json:"last_error"`
}

func (c *cli) cmdTasks(args []string) {
	if len(args) >= 2 && args[0] == "run" {
		var resp struct {
			Task  taskView `json:"task"`
			Error string   `json:"error"`
		}
		c.post("/admin/tasks/"+args[1]+"/run", nil, &resp)
		if resp.Error != "" {
			fmt.Printf("Task %s failed: %s\n", resp.Task.Name, resp.Error)
			os.Exit(1)
		}
		fmt.Printf("Task %s ran (runs=%d errors=%d)\n", resp.Task.Name, resp.Task.RunCount, resp.Task.ErrorCount)
		return
	}

	var resp struct {
		Tasks []taskView `json:"tasks"`
		Count int        `json:"count"`
	}
	c.get("/admin/tasks", &resp)
	if resp.Count == 0 {
		fmt.Println("No tasks registered.")
		return
	}

	fmt.Printf("%-24s %-8s %-8s %-8s %s\n", "TASK", "ENABLED", "RUNS", "ERRORS", "LAST ERROR")
	fmt.Println(strings.Repeat("-", 72))
	for _, t := range resp.Tasks {
		lastErr := t.LastError
		if lastErr == "" {
			lastErr = "-"
		}
		fmt.Printf("%-24s %-8v %-8d %-8d %s\n", t.Name, t.Enabled, t.RunCount, t.ErrorCount, lastErr)
	}
}

// ----------------------------------------------------------------
// webhooks
// ----------------------------------------------------------------

type webhookView struct {
	ID     string   `json:"id"`
	URL    string   `json:"url"`
	Events []string `json:"events"`
	Active bool     `json:"active"`
}

func (c *cli) cmdWebhooks(args []string) {
	if len(args) == 0 {
		fatal("Usage: forge-cli webhooks <list|add|remove>")
	}

	switch args[0] {
	case "list":
		var resp struct {
			Webhooks []webhookView `json:"webhooks"`
			Count    int           `json:"count"`
		}
		c.get("/admin/webhooks", &resp)
		if resp.Count == 0 {
			fmt.Println("No webhooks registered.")
			return
		}
		fmt.Printf("%-14s %-7s %-40s %s\n", "ID", "ACTIVE", "URL", "EVENTS")
		fmt.Println(strings.Repeat("-", 90))
		for _, h := range resp.Webhooks {
			fmt.Printf("%-14s %-7v %-40s %s\n", h.ID, h.Active, h.URL, strings.Join(h.Events, ","))
		}

	case "add":
		var url, events string
		for i := 1; i < len(args); i++ {
			switch args[i] {
			case "--url":
				url = next(args, &i)
			case "--events":
				events = next(args, &i)
			}
		}
		if url == "" || events == "" {
			fatal("Usage: forge-cli webhooks add --url <url> --events <a,b,c>")
		}
		var hook webhookView
		c.post("/admin/webhooks", map[string]any{
			"url":    url,
			"events": strings.Split(events, ","),
		}, &hook)
		fmt.Printf("Registered webhook %s for %s\n", hook.ID, strings.Join(hook.Events, ","))

	case "remove":
		if len(args) < 2 {
			fatal("Usage: forge-cli webhooks remove <id>")
		}
		c.delete("/admin/webhooks/" + args[1])
		fmt.Printf("Removed webhook %s\n", args[1])

	default:
		fatal("Unknown webhooks subcommand: " + args[0])
	}
}

// ----------------------------------------------------------------
// plumbing
// ----------------------------------------------------------------

type cli struct {
	base string
	key  string
	http *http.Client
}

func (c *cli) get(path string, out any)        { c.do(http.MethodGet, path, nil, out) }
func (c *cli) post(path string, body, out any) { c.do(http.MethodPost, path, body, out) }
func (c *cli) delete(path string)              { c.do(http.MethodDelete, path, nil, nil) }

func (c *cli) do(method, path string, body, out any) {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			fatal(fmt.Sprintf("encode request: %v", err))
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequest(method, c.base+path, reader)
	if err != nil {
		fatal(fmt.Sprintf("build request: %v", err))
	}
	req.Header.Set("Content-Type", "application/json")
	if c.key != "" {
		req.Header.Set("Authorization", "Bearer "+c.key)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		fatal(fmt.Sprintf("request failed: %v", err))
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		fatal(fmt.Sprintf("read response: %v", err))
	}

	// Task runs answer 500 with a decodable body; everything else that is
	// not 2xx is an error the server explained.
	if resp.StatusCode >= 400 && !(resp.StatusCode == http.StatusInternalServerError && strings.HasPrefix(path, "/admin/tasks/")) {
		var wire struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(raw, &wire) == nil && wire.Error != "" {
			fatal(fmt.Sprintf("%s (%d)", wire.Error, resp.StatusCode))
		}
		fatal(fmt.Sprintf("server answered %d: %s", resp.StatusCode, strings.TrimSpace(string(raw))))
	}

	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			fatal(fmt.Sprintf("decode response: %v", err))
		}
	}
}

func next(args []string, i *int) string {
	*i++
	if *i < len(args) {
		return args[*i]
	}
	return ""
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04")
}

func printJSON(raw json.RawMessage) {
	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "  "); err != nil {
		fmt.Println(string(raw))
		return
	}
	fmt.Println(buf.String())
}

func fatal(msg string) {
	fmt.Fprintln(os.Stderr, "Error: "+msg)
	os.Exit(1)
}
