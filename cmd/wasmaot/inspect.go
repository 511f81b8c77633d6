package main

import (
	"fmt"
	"io"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/wippyai/wasm-aot/errors"
	"github.com/wippyai/wasm-aot/object"
)

var headingStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#7D56F4"))

func newInspectCmd() *cobra.Command {
	var symbolsOnly bool
	cmd := &cobra.Command{
		Use:   "inspect <object>",
		Short: "Show the manifest, sections and symbols of a compiled object",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			fs := afero.NewOsFs()
			f, err := fs.Open(args[0])
			if err != nil {
				return errors.IO("open", args[0], err)
			}
			defer f.Close()
			l, err := object.Inspect(f)
			if err != nil {
				return err
			}
			printListing(cmd.OutOrStdout(), l, symbolsOnly)
			return nil
		},
	}
	cmd.Flags().BoolVar(&symbolsOnly, "symbols", false, "print only the symbol table")
	return cmd
}

func printListing(w io.Writer, l *object.Listing, symbolsOnly bool) {
	if !symbolsOnly {
		m := l.Manifest
		kind := l.Format.String()
		if l.Archive {
			kind += " archive"
		}
		fmt.Fprintln(w, headingStyle.Render("module"))
		fmt.Fprintf(w, "  name        %s\n", m.Name)
		fmt.Fprintf(w, "  target      %s (%s)\n", m.Target, kind)
		fmt.Fprintf(w, "  prefix      %s\n", m.Prefix)
		fmt.Fprintf(w, "  descriptor  %s\n", m.Descriptor)
		entry := m.Entry
		if entry == "" {
			entry = "(none)"
		}
		fmt.Fprintf(w, "  entry       %s\n", entry)
		fmt.Fprintf(w, "  functions   %d (%d bytes of code)\n", m.Functions, m.CodeSize)
		fmt.Fprintf(w, "  memory      %v\n", m.Memory)

		if len(m.Imports) > 0 {
			fmt.Fprintln(w, headingStyle.Render("\nimports"))
			for _, imp := range m.Imports {
				fmt.Fprintf(w, "  %s.%s -> %s\n", imp.Module, imp.Name, imp.Symbol)
			}
		}
		if len(m.Exports) > 0 {
			fmt.Fprintln(w, headingStyle.Render("\nexports"))
			for _, exp := range m.Exports {
				if exp.Symbol == "" {
					fmt.Fprintf(w, "  %-8s %s\n", exp.Kind, exp.Name)
				} else {
					fmt.Fprintf(w, "  %-8s %s -> %s\n", exp.Kind, exp.Name, exp.Symbol)
				}
			}
		}

		fmt.Fprintln(w, headingStyle.Render("\nsections"))
		for _, s := range l.Sections {
			fmt.Fprintf(w, "  %-24s %8d bytes", s.Name, s.Size)
			if s.Relocs > 0 {
				fmt.Fprintf(w, "  %d relocs", s.Relocs)
			}
			fmt.Fprintln(w)
		}
		fmt.Fprintln(w, headingStyle.Render("\nsymbols"))
	}
	for _, s := range l.Symbols {
		bind := "local "
		if s.Global {
			bind = "global"
		}
		section := s.Section
		if section == "" {
			section = "*UND*"
		}
		fmt.Fprintf(w, "  %s %-20s %#08x %s\n", bind, section, s.Offset, s.Name)
	}
}
