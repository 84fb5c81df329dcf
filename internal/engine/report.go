package engine

import (
	"fmt"
	"sort"
	"strings"
)

// PrintReport writes the end-of-run summary: outcomes, validator
// corrections by category, merge failures, and stash recovery warnings.
func PrintReport(o *Orchestrator) {
	store := o.Store()
	coordinator := o.Coordinator()

	completed := store.CompletedOrder()
	failed := store.FailedIDs()

	fmt.Println()
	fmt.Println("=== Run report ===")
	fmt.Printf("Completed: %d  Failed: %d\n", len(completed), len(failed))

	if len(completed) > 0 {
		fmt.Println("\nCompleted (in merge order):")
		for _, id := range completed {
			fmt.Printf("  ✓ %s\n", id)
		}
	}
	if len(failed) > 0 {
		fmt.Println("\nFailed:")
		for _, id := range failed {
			fmt.Printf("  ✗ %s\n", id)
		}
	}

	if failures := coordinator.FailedMerges(); len(failures) > 0 {
		fmt.Println("\nMerge failures:")
		for _, f := range failures {
			fmt.Printf("  %s (%s): %s\n", f.IssueID, f.Branch, f.Reason)
		}
	}

	if corrections := store.Corrections(); len(corrections) > 0 {
		fmt.Println("\nValidator corrections:")
		ids := make([]string, 0, len(corrections))
		for id := range corrections {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		for _, id := range ids {
			for _, note := range corrections[id] {
				fmt.Printf("  %s: %s\n", id, note)
			}
		}
	}

	if popFailures := coordinator.StashPopFailures(); len(popFailures) > 0 {
		fmt.Println("\nStash recovery warnings:")
		for _, f := range popFailures {
			fmt.Printf("  %s: %s\n", f.IssueID, f.Hint)
		}
	}
	fmt.Println(strings.Repeat("=", 18))
}
