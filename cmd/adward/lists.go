package main

import (
	"context"
	"errors"
	"fmt"
	"io"

	"adward/pkg/blocklist"
	"adward/pkg/config"
	"adward/pkg/logging"
	"adward/pkg/telemetry"

	"github.com/spf13/cobra"
)

func newListsCmd(root *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "lists",
		Short: "Inspect and edit the block and allow lists",
	}
	cmd.AddCommand(
		newListsShowCmd(root),
		newListsEditCmd(root, "add", "Add a domain to the block or allow list"),
		newListsEditCmd(root, "remove", "Remove a domain from the block or allow list"),
		newListsUpdateCmd(root),
		newListsCheckCmd(root),
	)
	return cmd
}

// cliLogger keeps command output clean: only warnings and errors, on stderr.
func cliLogger(w io.Writer) *logging.Logger {
	return logging.NewWithWriter(w, &config.LoggingConfig{Level: "warn", Format: "text"})
}

func loadManager(ctx context.Context, cmd *cobra.Command, cfg *config.Config) (*blocklist.Manager, error) {
	m := blocklist.NewManager(&cfg.Lists, cliLogger(cmd.ErrOrStderr()), telemetry.NoopMetrics())
	if err := m.Reload(ctx); err != nil {
		return nil, err
	}
	return m, nil
}

func newListsShowCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:       "show [block|allow]",
		Short:     "Print list sizes, or every domain of one list",
		Args:      cobra.MaximumNArgs(1),
		ValidArgs: []string{string(blocklist.KindBlock), string(blocklist.KindAllow)},
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := root.load()
			if err != nil {
				return err
			}
			m, err := loadManager(cmd.Context(), cmd, cfg)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if len(args) == 0 {
				fmt.Fprintf(out, "block: %d domains (%s)\n", m.BlockSet().Len(), cfg.Lists.BlockDir)
				fmt.Fprintf(out, "allow: %d domains (%s)\n", m.AllowSet().Len(), cfg.Lists.AllowFile)
				return nil
			}

			kind, err := blocklist.ParseKind(args[0])
			if err != nil {
				return err
			}
			set := m.BlockSet()
			if kind == blocklist.KindAllow {
				set = m.AllowSet()
			}
			for _, d := range set.Domains() {
				fmt.Fprintln(out, d)
			}
			return nil
		},
	}
}

func newListsEditCmd(root *rootOptions, verb, short string) *cobra.Command {
	return &cobra.Command{
		Use:   verb + " <block|allow> <domain>",
		Short: short,
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, err := blocklist.ParseKind(args[0])
			if err != nil {
				return err
			}
			cfg, err := root.load()
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			m := blocklist.NewManager(&cfg.Lists, cliLogger(cmd.ErrOrStderr()), telemetry.NoopMetrics())
			if verb == "add" {
				err = m.AddDomain(ctx, kind, args[1])
			} else {
				err = m.RemoveDomain(ctx, kind, args[1])
			}
			if err != nil {
				return err
			}

			past := map[string]string{"add": "added to", "remove": "removed from"}[verb]
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s the %s list\n", blocklist.Normalize(args[1]), past, kind)
			return nil
		},
	}
}

func newListsUpdateCmd(root *rootOptions) *cobra.Command {
	var sourcesFile string

	cmd := &cobra.Command{
		Use:   "update",
		Short: "Download every list in the sources file into the block directory",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := root.load()
			if err != nil {
				return err
			}
			if sourcesFile == "" {
				sourcesFile = cfg.Lists.SourcesFile
			}
			if sourcesFile == "" {
				return errors.New("no sources file: set lists.sources_file or pass --sources")
			}

			urls, err := blocklist.ReadSources(sourcesFile)
			if err != nil {
				return err
			}

			d := blocklist.NewDownloader(cliLogger(cmd.ErrOrStderr()), nil)
			results := d.UpdateAll(cmd.Context(), urls, cfg.Lists.BlockDir)

			out := cmd.OutOrStdout()
			failed := 0
			for _, res := range results {
				if res.Err != nil {
					failed++
					fmt.Fprintf(out, "FAIL %s: %v\n", res.URL, res.Err)
					continue
				}
				fmt.Fprintf(out, "ok   %s: %d domains -> %s\n", res.URL, res.Domains, res.Path)
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d sources failed", failed, len(results))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&sourcesFile, "sources", "", "Sources file, overrides lists.sources_file")
	return cmd
}

func newListsCheckCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "check <domain>...",
		Short: "Show the filtering decision for domains",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := root.load()
			if err != nil {
				return err
			}
			m, err := loadManager(cmd.Context(), cmd, cfg)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			for _, domain := range args {
				res := m.Match(domain)
				detail := "not listed"
				switch {
				case res.Listed && res.Allowed:
					detail = "listed, allowed"
				case res.Listed:
					detail = "listed"
				case res.Allowed:
					detail = "allowed"
				}
				fmt.Fprintf(out, "%s\t%s\t(%s)\n", res.Domain, res.Decision, detail)
			}
			return nil
		},
	}
}
