package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/wippyai/peloader/loader"
	"github.com/wippyai/peloader/metadata"
)

type resourceEntry struct {
	Name     string `json:"name"`
	Public   bool   `json:"public"`
	Location string `json:"location,omitempty"`
	File     string `json:"file,omitempty"`
	Assembly string `json:"assembly,omitempty"`
	Size     int    `json:"size"`
	Error    string `json:"error,omitempty"`
}

type resourcesReport struct {
	Assembly  string          `json:"assembly"`
	Resources []resourceEntry `json:"resources"`
}

func newResourcesCommand(opts *rootOptions) *cobra.Command {
	var extract, out string

	cmd := &cobra.Command{
		Use:   "resources <assembly>",
		Short: "List or extract manifest resources",
		Long: `List the manifest resources of an assembly and where each resolves:
embedded in the image, in a linked file, or in a referenced assembly.

With --extract the named resource is written to --out, or to stdout.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession(opts, args[0])
			if err != nil {
				return err
			}
			defer s.Close()

			if extract != "" {
				return extractResource(s.asm, extract, out, cmd.OutOrStdout())
			}
			r, err := collectResources(s.asm)
			if err != nil {
				return wrapExitError(exitCommandError, "read metadata", err)
			}
			return newFormatter(opts.Format, cmd.OutOrStdout()).emit(r)
		},
	}

	cmd.Flags().StringVarP(&extract, "extract", "x", "", "resource to extract")
	cmd.Flags().StringVarP(&out, "out", "o", "", "output file for --extract")

	return cmd
}

func collectResources(a *loader.Assembly) (*resourcesReport, error) {
	imp, err := a.MetadataImport()
	if err != nil {
		return nil, err
	}
	r := &resourcesReport{Assembly: a.DisplayName(), Resources: []resourceEntry{}}
	for _, mr := range imp.ManifestResources() {
		e := resourceEntry{Name: mr.Name, Public: mr.Flags&metadata.ResourcePublic != 0}
		res, err := a.Resource(mr.Name)
		if err != nil {
			e.Error = err.Error()
		} else {
			e.Location = res.Location.String()
			e.File = res.File
			e.Assembly = res.Assembly
			e.Size = len(res.Data)
		}
		r.Resources = append(r.Resources, e)
	}
	return r, nil
}

func extractResource(a *loader.Assembly, name, out string, stdout io.Writer) error {
	res, err := a.Resource(name)
	if err != nil {
		return wrapExitError(exitFailure, "resolve resource "+name, err)
	}
	if out == "" {
		_, err = stdout.Write(res.Data)
		return err
	}
	if err := os.WriteFile(out, res.Data, 0o644); err != nil {
		return wrapExitError(exitCommandError, "write "+out, err)
	}
	return nil
}

func (r *resourcesReport) writeText(w io.Writer, p palette) {
	fmt.Fprintln(w, p.render(p.title, r.Assembly))
	fmt.Fprintln(w)
	if len(r.Resources) == 0 {
		fmt.Fprintln(w, p.render(p.dim, "no resources"))
		return
	}
	for _, e := range r.Resources {
		if e.Error != "" {
			fmt.Fprintf(w, "%s %s %s\n", p.status(false), e.Name, p.render(p.dim, e.Error))
			continue
		}
		where := e.Location
		switch {
		case e.File != "":
			where += " " + e.File
		case e.Assembly != "":
			where += " " + e.Assembly
		}
		vis := "public"
		if !e.Public {
			vis = "private"
		}
		fmt.Fprintf(w, "%-32s %8d  %-7s %s\n", e.Name, e.Size, vis, p.render(p.dim, where))
	}
}
