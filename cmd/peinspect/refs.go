package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/wippyai/peloader/loader"
)

type refEntry struct {
	Token    string `json:"token"`
	Name     string `json:"name"`
	Resolved bool   `json:"resolved,omitempty"`
	Path     string `json:"path,omitempty"`
	Bound    string `json:"bound,omitempty"`
	OnTPA    bool   `json:"on_tpa,omitempty"`
	Hosted   bool   `json:"hosted,omitempty"`
	System   bool   `json:"system,omitempty"`
	Error    string `json:"error,omitempty"`

	resolveTried bool
}

type refsReport struct {
	Assembly   string     `json:"assembly"`
	References []refEntry `json:"references"`
}

func newRefsCommand(opts *rootOptions) *cobra.Command {
	var resolve bool

	cmd := &cobra.Command{
		Use:   "refs <assembly>",
		Short: "List assembly references",
		Long: `List the AssemblyRef rows of an assembly.

With --resolve every reference is bound and loaded; the command fails when
any of them cannot be resolved.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession(opts, args[0])
			if err != nil {
				return err
			}
			defer s.Close()

			r, err := collectRefs(s.asm, resolve)
			if err != nil {
				return wrapExitError(exitCommandError, "read metadata", err)
			}
			f := newFormatter(opts.Format, cmd.OutOrStdout())
			if n := r.unresolved(); n > 0 {
				return f.fail(r, fmt.Errorf("%d reference(s) could not be resolved", n))
			}
			return f.emit(r)
		},
	}

	cmd.Flags().BoolVarP(&resolve, "resolve", "r", false, "bind and load every reference")

	return cmd
}

func collectRefs(a *loader.Assembly, resolve bool) (*refsReport, error) {
	imp, err := a.MetadataImport()
	if err != nil {
		return nil, err
	}
	r := &refsReport{Assembly: a.DisplayName(), References: []refEntry{}}
	for _, ref := range imp.AssemblyRefs() {
		e := refEntry{Token: ref.Token.String(), Name: loader.RefDisplayName(ref)}
		if resolve {
			e.resolveTried = true
			dep, err := a.LoadAssembly(ref.Token)
			if err != nil {
				e.Error = err.Error()
			} else {
				e.Resolved = true
				e.Path = dep.Path()
				e.Bound = dep.DisplayName()
				e.OnTPA = dep.IsOnTPAList()
				e.Hosted = dep.HasHostBinder()
				e.System = dep.IsSystem()
				dep.Release()
			}
		}
		r.References = append(r.References, e)
	}
	return r, nil
}

func (r *refsReport) unresolved() int {
	n := 0
	for _, e := range r.References {
		if e.resolveTried && !e.Resolved {
			n++
		}
	}
	return n
}

func (r *refsReport) writeText(w io.Writer, p palette) {
	fmt.Fprintln(w, p.render(p.title, r.Assembly))
	fmt.Fprintln(w)
	if len(r.References) == 0 {
		fmt.Fprintln(w, p.render(p.dim, "no references"))
		return
	}
	for _, e := range r.References {
		fmt.Fprintf(w, "%s %s\n", p.render(p.dim, e.Token), e.Name)
		switch {
		case e.Error != "":
			fmt.Fprintf(w, "    %s %s\n", p.status(false), e.Error)
		case e.Resolved:
			where := "app"
			switch {
			case e.System:
				where = "system"
			case e.OnTPA:
				where = "tpa"
			case e.Hosted:
				where = "context"
			}
			fmt.Fprintf(w, "    %s %s [%s]\n", p.render(p.good, "->"), e.Path, where)
		}
	}
}
