package main

import (
	"fmt"
	"os"

	"github.com/markbates/grift/grift"

	// Import relaykit to register its grift tasks.
	_ "github.com/gamebridge/relaykit"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: grift [namespace:]task [args...]")
		fmt.Println("\nAvailable tasks:")
		fmt.Println("  relay:migrate         - Apply all pending database migrations")
		fmt.Println("  relay:migrate:status  - Show migration status")
		fmt.Println("  relay:migrate:down    - Rollback the last N migrations (default: 1)")
		fmt.Println("  relay:keys:create     - Issue a new API key")
		fmt.Println("  relay:keys:revoke     - Revoke an API key")
		fmt.Println("  relay:worlds:register - Register a world's connection token")
		fmt.Println("  relay:usage:reset     - Enqueue an immediate usage reset")
		fmt.Println("")
		fmt.Println("Use 'grift list' to see all available tasks")
		os.Exit(1)
	}

	if os.Args[1] == "list" {
		fmt.Println("Available Grift Tasks:")
		fmt.Println("======================")

		tasks := grift.List()
		if len(tasks) == 0 {
			fmt.Println("No tasks registered")
		} else {
			for _, task := range tasks {
				fmt.Printf("  %s\n", task)
			}
		}
		os.Exit(0)
	}

	taskName := os.Args[1]
	args := []string{}
	if len(os.Args) > 2 {
		args = os.Args[2:]
	}

	ctx := grift.NewContext(taskName)
	ctx.Args = args

	if err := grift.Run(taskName, ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error running task %s: %v\n", taskName, err)
		os.Exit(1)
	}
}
