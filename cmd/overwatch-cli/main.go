// Command overwatch-cli works with workflow documents outside the running
// service: validate a YAML file before deploying it, canonicalize it, diff
// two versions, and inspect what a database holds.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"text/tabwriter"

	"overwatch/internal/logging"
	"overwatch/internal/store"
	"overwatch/internal/workflow"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "validate":
		err = cmdValidate(os.Args[2:])
	case "export":
		err = cmdExport(os.Args[2:])
	case "diff":
		err = cmdDiff(os.Args[2:])
	case "list":
		err = cmdList(os.Args[2:])
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "overwatch-cli:", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage:
  overwatch-cli validate <workflow.yaml>
  overwatch-cli export -db <path> -id <workflow-id> [-version N]
  overwatch-cli diff <old.yaml> <new.yaml>
  overwatch-cli list -db <path>`)
}

func loadDocument(path string) (*workflow.Workflow, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return workflow.ImportYAML(data)
}

func cmdValidate(args []string) error {
	fs := flag.NewFlagSet("validate", flag.ExitOnError)
	fs.Parse(args)
	if fs.NArg() != 1 {
		return fmt.Errorf("validate takes exactly one file")
	}

	w, err := loadDocument(fs.Arg(0))
	if err != nil {
		return err
	}
	res := workflow.Validate(w, nil)
	for _, iss := range res.Warnings {
		fmt.Printf("warning %s: %s\n", iss.Code, iss.Message)
	}
	for _, iss := range res.Errors {
		fmt.Printf("error %s: %s\n", iss.Code, iss.Message)
	}
	if !res.OK() {
		return fmt.Errorf("%d error(s)", len(res.Errors))
	}
	fmt.Printf("%s: ok (%d nodes, %d edges)\n", w.ID, len(w.Nodes), len(w.Edges))
	return nil
}

func cmdExport(args []string) error {
	fs := flag.NewFlagSet("export", flag.ExitOnError)
	dbPath := fs.String("db", "overwatch.db", "Database path")
	id := fs.String("id", "", "Workflow ID")
	version := fs.Int("version", 0, "Workflow version (0 means latest)")
	fs.Parse(args)
	if *id == "" {
		return fmt.Errorf("export requires -id")
	}

	st, err := store.Open(*dbPath, logging.NewNop())
	if err != nil {
		return err
	}
	defer st.Close()

	ctx := context.Background()
	var w *workflow.Workflow
	if *version > 0 {
		w, err = st.GetWorkflow(ctx, *id, *version)
	} else {
		w, err = st.GetLatestWorkflow(ctx, *id)
	}
	if err != nil {
		return err
	}

	out, err := workflow.ExportYAML(w)
	if err != nil {
		return err
	}
	_, err = os.Stdout.Write(out)
	return err
}

func cmdDiff(args []string) error {
	fs := flag.NewFlagSet("diff", flag.ExitOnError)
	fs.Parse(args)
	if fs.NArg() != 2 {
		return fmt.Errorf("diff takes exactly two files")
	}

	a, err := loadDocument(fs.Arg(0))
	if err != nil {
		return err
	}
	b, err := loadDocument(fs.Arg(1))
	if err != nil {
		return err
	}

	d := workflow.Compare(a, b)
	if d.Empty() {
		fmt.Println("documents are equivalent")
		return nil
	}
	for _, e := range d.Added {
		fmt.Printf("added    %s %s\n", e.Kind, e.ID)
	}
	for _, e := range d.Removed {
		fmt.Printf("removed  %s %s\n", e.Kind, e.ID)
	}
	for _, e := range d.Modified {
		fmt.Printf("modified %s %s\n", e.Kind, e.ID)
	}
	return nil
}

func cmdList(args []string) error {
	fs := flag.NewFlagSet("list", flag.ExitOnError)
	dbPath := fs.String("db", "overwatch.db", "Database path")
	fs.Parse(args)

	st, err := store.Open(*dbPath, logging.NewNop())
	if err != nil {
		return err
	}
	defer st.Close()

	list, err := st.ListWorkflows(context.Background())
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tVERSION\tSTATUS\tNAME")
	for _, w := range list {
		fmt.Fprintf(tw, "%s\t%d\t%s\t%s\n", w.ID, w.Version, w.Status, w.Name)
	}
	return tw.Flush()
}
