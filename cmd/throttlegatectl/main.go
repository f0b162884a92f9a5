// cmd/throttlegatectl/main.go
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/flowctl/throttlegate/internal/config"
	"github.com/flowctl/throttlegate/internal/priority"
	"github.com/flowctl/throttlegate/internal/report"
	"github.com/flowctl/throttlegate/internal/stats"
	throttle "github.com/flowctl/throttlegate/pkg/throttle"
)

// Build-time variables (set by ldflags)
var (
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

var verbose bool

func main() {
	args := os.Args[1:]
	if len(args) == 0 {
		printUsage()
		return
	}

	args = parseGlobalFlags(args)
	command := args[0]
	commandArgs := args[1:]

	switch command {
	case "serve":
		if len(commandArgs) < 1 {
			fmt.Println("Error: configuration file required")
			fmt.Println("Usage: throttlegatectl serve <config.yaml>")
			os.Exit(1)
		}
		serve(commandArgs[0])
	case "validate":
		if len(commandArgs) < 1 {
			fmt.Println("Error: configuration file required")
			fmt.Println("Usage: throttlegatectl validate <config.yaml>")
			os.Exit(1)
		}
		validateConfig(commandArgs[0])
	case "status":
		if len(commandArgs) < 1 {
			fmt.Println("Error: admin API address required")
			fmt.Println("Usage: throttlegatectl status <http://host:port>")
			os.Exit(1)
		}
		status(commandArgs[0])
	case "report":
		if len(commandArgs) < 2 {
			fmt.Println("Error: admin API address and output path required")
			fmt.Println("Usage: throttlegatectl report <http://host:port> <out.xlsx>")
			os.Exit(1)
		}
		runReport(commandArgs[0], commandArgs[1])
	case "version":
		printVersion()
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Printf("Error: unknown command '%s'\n", command)
		printUsage()
		os.Exit(1)
	}
}

func parseGlobalFlags(args []string) []string {
	var remaining []string
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "-v", "--verbose":
			verbose = true
		default:
			remaining = append(remaining, args[i])
		}
	}
	return remaining
}

func printUsage() {
	fmt.Printf("throttlegatectl %s - priority I/O throughput rate limiter\n\n", version)
	fmt.Println("Usage:")
	fmt.Println("  throttlegatectl [global-options] <command> [arguments]")
	fmt.Println()
	fmt.Println("Global Options:")
	fmt.Println("  -v, --verbose     Enable verbose logging")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve <config.yaml>              Run a throttlegate process from a config file")
	fmt.Println("  validate <config.yaml>            Validate a configuration file")
	fmt.Println("  status <http://host:port>         Query the admin API's /v1/stats and print its HTTP status")
	fmt.Println("  report <http://host:port> <file>  Export current statistics to an .xlsx report")
	fmt.Println("  version                            Show version information")
	fmt.Println("  help                                Show this help message")
}

func printVersion() {
	fmt.Printf("throttlegatectl %s\n", version)
	fmt.Printf("Build time: %s\n", buildTime)
	fmt.Printf("Git commit: %s\n", gitCommit)
}

func serve(configFile string) {
	if verbose {
		fmt.Printf("Starting throttlegate with config: %s\n", configFile)
	}

	cfg, err := config.Load(configFile)
	if err != nil {
		fmt.Printf("Error loading configuration: %v\n", err)
		os.Exit(1)
	}

	client, err := throttle.New(cfg)
	if err != nil {
		fmt.Printf("Error starting throttlegate: %v\n", err)
		os.Exit(1)
	}
	defer client.Close()

	if cfg.Admin.ListenAddress != "" {
		fmt.Printf("Admin API listening on %s\n", cfg.Admin.ListenAddress)
	}

	watcher, err := config.NewWatcher(configFile)
	if err != nil {
		fmt.Printf("Warning: config hot-reload disabled: %v\n", err)
	} else {
		defer watcher.Close()
		watcher.OnChange(func(c *config.Config) {
			client.Limiter.SetBytesPerSecond(c.BytesPerSecond)
			for ioTypeStr, priorityStr := range c.PriorityMap {
				t, tErr := priority.ParseIOType(ioTypeStr)
				p, pErr := priority.ParsePriority(priorityStr)
				if tErr == nil && pErr == nil {
					client.Limiter.SetIOPriority(t, p)
				}
			}
			if verbose {
				fmt.Printf("Reloaded config: bytes_per_second=%d\n", c.BytesPerSecond)
			}
		})
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	fmt.Println("Shutting down throttlegate")
}

func validateConfig(configFile string) {
	if verbose {
		fmt.Printf("Validating configuration: %s\n", configFile)
	}
	if _, err := config.Load(configFile); err != nil {
		fmt.Printf("Configuration validation failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("Configuration is valid")
}

func status(addr string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, addr+"/v1/stats", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		fmt.Printf("Error contacting admin API: %v\n", err)
		os.Exit(1)
	}
	defer resp.Body.Close()

	fmt.Printf("Status: %s\n", resp.Status)
}

func runReport(addr, outPath string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, addr+"/v1/stats", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		fmt.Printf("Error contacting admin API: %v\n", err)
		os.Exit(1)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		fmt.Printf("Admin API returned %s\n", resp.Status)
		os.Exit(1)
	}

	var body struct {
		Admitted []stats.Snapshot `json:"admitted"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		fmt.Printf("Error decoding admin API response: %v\n", err)
		os.Exit(1)
	}

	if err := report.Write(outPath, body.Admitted); err != nil {
		fmt.Printf("Error writing report: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Report written to %s\n", outPath)
}
