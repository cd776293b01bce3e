// metaclean-cli runs the sanitization pipeline locally, without a
// server. Useful for scripting and for checking files before upload.
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/spf13/cobra"

	"github.com/hazyhaar/metaclean/executor"
	"github.com/hazyhaar/metaclean/kit"
	"github.com/hazyhaar/metaclean/pipeline"
	"github.com/hazyhaar/metaclean/registry"
	"github.com/hazyhaar/metaclean/verify"
	"github.com/hazyhaar/metaclean/workspace"
)

var (
	flagOutput string
	flagPolicy string
	flagJSON   bool
)

var rootCmd = &cobra.Command{
	Use:          "metaclean",
	Short:        "Strip metadata from files",
	Long:         "Removes EXIF data, document author and revision fields, thumbnails and container tags from local files. Unsupported formats are refused, never passed through.",
	SilenceUsage: true,
}

func init() {
	cleanCmd := &cobra.Command{
		Use:   "clean <file>",
		Short: "Write a sanitized copy of a file",
		Args:  cobra.ExactArgs(1),
		RunE:  runClean,
	}
	cleanCmd.Flags().StringVarP(&flagOutput, "output", "o", "", "output path (default: next to the input)")
	cleanCmd.Flags().StringVar(&flagPolicy, "policy", "", "unknown container member policy: abort, omit or keep")

	showCmd := &cobra.Command{
		Use:   "show <file>",
		Short: "List the sensitive metadata fields in a file",
		Args:  cobra.ExactArgs(1),
		RunE:  runShow,
	}
	showCmd.Flags().BoolVar(&flagJSON, "json", false, "emit JSON")

	formatsCmd := &cobra.Command{
		Use:   "formats",
		Short: "List supported formats",
		RunE:  runFormats,
	}

	rootCmd.AddCommand(cleanCmd, showCmd, formatsCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// newService builds a pipeline over a throwaway workspace root. The
// caller must call the returned cleanup.
func newService() (*pipeline.Service, func(), error) {
	root, err := os.MkdirTemp("", "metaclean-*")
	if err != nil {
		return nil, nil, err
	}
	wsm, err := workspace.NewManager(workspace.Config{Root: root, MaxConcurrent: 1})
	if err != nil {
		os.RemoveAll(root)
		return nil, nil, err
	}
	svc := pipeline.New(
		registry.New(registry.Config{}),
		wsm,
		executor.New(executor.Config{}),
		verify.New(verify.Config{}),
		pipeline.Config{},
	)
	return svc, func() { os.RemoveAll(root) }, nil
}

func runClean(cmd *cobra.Command, args []string) error {
	svc, cleanup, err := newService()
	if err != nil {
		return err
	}
	defer cleanup()

	data, err := os.ReadFile(args[0])
	if err != nil {
		return err
	}

	ctx := kit.WithTransport(cmd.Context(), "cli")
	res, err := svc.Clean(ctx, pipeline.Upload{
		Data:         data,
		Filename:     filepath.Base(args[0]),
		MemberPolicy: flagPolicy,
	})
	if err != nil {
		return err
	}

	outPath := flagOutput
	if outPath == "" {
		outPath = filepath.Join(filepath.Dir(args[0]), res.Filename)
	}
	if err := os.WriteFile(outPath, res.Data, 0o600); err != nil {
		return err
	}
	fmt.Printf("%s: %s, %d bytes\n", outPath, res.Format, len(res.Data))
	return nil
}

func runShow(cmd *cobra.Command, args []string) error {
	svc, cleanup, err := newService()
	if err != nil {
		return err
	}
	defer cleanup()

	data, err := os.ReadFile(args[0])
	if err != nil {
		return err
	}

	ctx := kit.WithTransport(cmd.Context(), "cli")
	fields, err := svc.Inspect(ctx, pipeline.Upload{
		Data:     data,
		Filename: filepath.Base(args[0]),
	})
	if err != nil {
		return err
	}

	if flagJSON {
		return json.NewEncoder(os.Stdout).Encode(fields)
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Printf("%-24s %s\n", k, fields[k])
	}
	return nil
}

func runFormats(cmd *cobra.Command, _ []string) error {
	svc, cleanup, err := newService()
	if err != nil {
		return err
	}
	defer cleanup()

	for _, f := range svc.Formats() {
		fmt.Printf("%-16s %-12s %s\n", f.Family, f.Backend, f.Subtypes)
	}
	return nil
}
