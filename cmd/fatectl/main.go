// Command fatectl inspects and administers a file-backed FATE store,
// generalizing the teacher's persistent_cli example (flag.NewFlagSet per
// subcommand, switch on os.Args[1]) from a fixed deploy/destroy/list
// resource demo into generic transaction inspection commands.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/wcstore/fate"
	filestore "github.com/wcstore/fate/store/file"
)

func main() {
	listCmd := flag.NewFlagSet("list", flag.ExitOnError)
	listStateDir := listCmd.String("state-dir", "./fate-state", "Directory containing FATE transaction state")
	listStatus := listCmd.String("status", "", "Comma-separated statuses to filter by (default: all)")
	listOp := listCmd.String("op", "", "Operation tag to filter by (default: all)")

	showCmd := flag.NewFlagSet("show", flag.ExitOnError)
	showStateDir := showCmd.String("state-dir", "./fate-state", "Directory containing FATE transaction state")

	cancelCmd := flag.NewFlagSet("cancel", flag.ExitOnError)
	cancelStateDir := cancelCmd.String("state-dir", "./fate-state", "Directory containing FATE transaction state")

	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "list":
		listCmd.Parse(os.Args[2:])
		if err := runList(*listStateDir, *listStatus, *listOp); err != nil {
			log.Fatalf("list failed: %v", err)
		}
	case "show":
		showCmd.Parse(os.Args[2:])
		if showCmd.NArg() < 1 {
			log.Fatal("show requires a fate-id argument")
		}
		if err := runShow(*showStateDir, showCmd.Arg(0)); err != nil {
			log.Fatalf("show failed: %v", err)
		}
	case "cancel":
		cancelCmd.Parse(os.Args[2:])
		if cancelCmd.NArg() < 1 {
			log.Fatal("cancel requires a fate-id argument")
		}
		if err := runCancel(*cancelStateDir, cancelCmd.Arg(0)); err != nil {
			log.Fatalf("cancel failed: %v", err)
		}
	default:
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("fatectl - inspect and administer a FATE transaction store")
	fmt.Println("\nUsage:")
	fmt.Println("  fatectl list [flags]          - list transactions")
	fmt.Println("  fatectl show <fate-id>        - show one transaction")
	fmt.Println("  fatectl cancel <fate-id>      - cancel a not-yet-running transaction")
	fmt.Println("\nlist flags:")
	fmt.Println("  --state-dir   Directory containing FATE transaction state (default: ./fate-state)")
	fmt.Println("  --status      Comma-separated statuses to filter by")
	fmt.Println("  --op          Operation tag to filter by")
}

func openStore(stateDir string) (*filestore.Store[string], error) {
	registry := fate.NewStepRegistry[string]()
	return filestore.New[string](stateDir, "fatectl", 10, registry)
}

func runList(stateDir, statusCSV, op string) error {
	store, err := openStore(stateDir)
	if err != nil {
		return err
	}

	filter := fate.ListFilter{OpTag: fate.OpTag(op)}
	if statusCSV != "" {
		filter.Statuses = make(map[fate.TStatus]bool)
		for _, name := range strings.Split(statusCSV, ",") {
			filter.Statuses[parseStatus(strings.TrimSpace(name))] = true
		}
	}

	ctx := context.Background()
	count := 0
	for view := range store.List(ctx, filter) {
		fmt.Printf("%s  %-20s  %-12s  %s\n", view.ID, view.Status, view.OpTag, view.TxName)
		count++
	}
	fmt.Printf("\n%d transaction(s)\n", count)
	return nil
}

func runShow(stateDir, idStr string) error {
	store, err := openStore(stateDir)
	if err != nil {
		return err
	}
	id, err := fate.ParseFateId(idStr)
	if err != nil {
		return err
	}
	view, err := store.GetView(context.Background(), id)
	if err != nil {
		return err
	}
	fmt.Printf("id:          %s\n", view.ID)
	fmt.Printf("status:      %s\n", view.Status)
	fmt.Printf("op:          %s\n", view.OpTag)
	fmt.Printf("name:        %s\n", view.TxName)
	fmt.Printf("auto-clean:  %t\n", view.AutoClean)
	fmt.Printf("stack:       %s\n", strings.Join(view.StepNames, " -> "))
	if view.Exception != nil {
		fmt.Printf("exception:   %s (at %s, step %s)\n", view.Exception.Message, view.Exception.At.Format(time.RFC3339), view.Exception.StepName)
	}
	if view.ReturnValue != nil {
		fmt.Printf("return:      %v\n", view.ReturnValue)
	}
	return nil
}

func runCancel(stateDir, idStr string) error {
	store, err := openStore(stateDir)
	if err != nil {
		return err
	}
	id, err := fate.ParseFateId(idStr)
	if err != nil {
		return err
	}

	f := fate.New[string](fate.DefaultConfig(), store, "fatectl", fate.StaticLockID("fatectl"), fate.NewStepRegistry[string](), fate.NewStdLogger())
	ok, err := f.Cancel(context.Background(), id)
	if err != nil {
		return err
	}
	if ok {
		fmt.Printf("%s: cancelled\n", id)
	} else {
		fmt.Printf("%s: already running, cancel had no effect\n", id)
	}
	return nil
}

func parseStatus(name string) fate.TStatus {
	switch strings.ToUpper(name) {
	case "NEW":
		return fate.NEW
	case "SUBMITTED":
		return fate.SUBMITTED
	case "IN_PROGRESS":
		return fate.IN_PROGRESS
	case "SUCCESSFUL":
		return fate.SUCCESSFUL
	case "FAILED_IN_PROGRESS":
		return fate.FAILED_IN_PROGRESS
	case "FAILED":
		return fate.FAILED
	default:
		return fate.UNKNOWN
	}
}
