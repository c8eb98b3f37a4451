// Smoke runner that drives trust case scenarios through a running API.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"trustcase-svc/internal/auth"
	"trustcase-svc/internal/client"
	"trustcase-svc/internal/harness"
)

func main() {
	os.Exit(run())
}

func run() int {
	baseURL := flag.String("url", "http://localhost:8080", "Trust API base URL")
	secret := flag.String("secret", os.Getenv("TRUST_AUTH_TOKEN_SECRET"), "Credential signing secret shared with the server")
	systemKey := flag.String("system-key", os.Getenv("TRUST_AUTH_SYSTEM_KEY"), "System key for lifecycle steps and cleanup")
	file := flag.String("f", "", "Run a single scenario file")
	dir := flag.String("dir", "", "Run every scenario in a directory")
	cleanup := flag.Bool("cleanup", true, "Close the cases opened by the run")
	verbose := flag.Bool("v", false, "Verbose output")
	flag.Parse()

	if *secret == "" {
		fmt.Fprintln(os.Stderr, "a signing secret is required (-secret or TRUST_AUTH_TOKEN_SECRET)")
		return 2
	}

	scenarios, err := loadScenarios(*file, *dir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Loading scenarios: %v\n", err)
		return 1
	}

	ctx := context.Background()
	if _, err := client.New(*baseURL).Health(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "API not reachable: %v\n", err)
		return 1
	}

	signer := auth.NewSigner([]byte(*secret), time.Hour)
	runner := harness.NewRunner(*baseURL, signer.Issue, *systemKey).WithVerbose(*verbose, os.Stdout)

	failed := 0
	for _, sc := range scenarios {
		result, err := runner.Run(ctx, sc)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Scenario error: %v\n", err)
			return 1
		}

		fmt.Printf("Scenario: %s (case %s)\n", result.Name, result.CaseID)
		fmt.Printf("Duration: %v\n", result.Duration.Round(time.Millisecond))
		fmt.Printf("Passed: %d, Failed: %d, Skipped: %d\n", result.Passed, result.Failed, result.Skipped)
		for _, r := range result.Results {
			if r.Passed {
				continue
			}
			status := "FAIL"
			detail := r.Error
			if r.Skipped {
				status, detail = "SKIP", r.SkipReason
			}
			fmt.Printf("  [%s] %s: %s\n", status, r.Step, detail)
		}
		fmt.Println()
		failed += result.Failed
	}

	if *cleanup {
		if err := runner.Cleanup(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "Cleanup: %v\n", err)
		}
	}

	if failed > 0 {
		return 1
	}
	return 0
}

func loadScenarios(file, dir string) ([]*harness.Scenario, error) {
	switch {
	case file != "":
		sc, err := harness.LoadScenario(file)
		if err != nil {
			return nil, err
		}
		return []*harness.Scenario{sc}, nil
	case dir != "":
		return harness.LoadAllScenarios(dir)
	default:
		return harness.Builtin()
	}
}
