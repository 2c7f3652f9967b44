package main

import (
	stderrors "errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/wippyai/peloader/errors"
	"github.com/wippyai/peloader/internal/ecma335"
	"github.com/wippyai/peloader/loader"
	"github.com/wippyai/peloader/metadata"
)

// check is the outcome of one verification step.
type check struct {
	Name   string `json:"name"`
	OK     bool   `json:"ok"`
	Detail string `json:"detail,omitempty"`
}

type verifyReport struct {
	Assembly  string  `json:"assembly"`
	Signature string  `json:"signature"`
	Checks    []check `json:"checks"`
}

func newVerifyCommand(opts *rootOptions) *cobra.Command {
	var load bool

	cmd := &cobra.Command{
		Use:   "verify <assembly>",
		Short: "Verify the strong name signature and module hashes",
		Long: `Verify an assembly the way the loader would before using it.

Checks the strong name signature, the hash of every module and linked
resource file listed in the manifest and, with --load, that the image can
be laid out for execution on the configured machine.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession(opts, args[0])
			if err != nil {
				return err
			}
			defer s.Close()

			r, err := verifyAssembly(s.asm, load)
			if err != nil {
				return wrapExitError(exitCommandError, "read metadata", err)
			}
			f := newFormatter(opts.Format, cmd.OutOrStdout())
			if err := r.failure(); err != nil {
				return f.fail(r, err)
			}
			return f.emit(r)
		},
	}

	cmd.Flags().BoolVar(&load, "load", false, "also lay out the image for execution")

	return cmd
}

func verifyAssembly(a *loader.Assembly, load bool) (*verifyReport, error) {
	imp, err := a.MetadataImport()
	if err != nil {
		return nil, err
	}
	r := &verifyReport{Assembly: a.DisplayName(), Signature: signatureState(a)}

	sigErr := a.VerifyStrongName()
	r.add("strong name", sigErr == nil || errors.IsKind(sigErr, errors.KindSignatureAbsent), sigErr)

	for _, f := range imp.Files() {
		if f.Flags&metadata.FileContainsNoMetadata != 0 {
			continue
		}
		_, err := a.LoadModule(f.Name)
		r.add("module "+f.Name, err == nil, err)
	}
	for _, mr := range imp.ManifestResources() {
		if mr.Implementation.IsNil() || mr.Implementation.Table() != ecma335.TableFile {
			continue
		}
		_, err := a.Resource(mr.Name)
		r.add("resource "+mr.Name, err == nil, err)
	}

	if load {
		err := a.LoadLibrary()
		r.add("load", err == nil, err)
	}
	return r, nil
}

func signatureState(a *loader.Assembly) string {
	switch {
	case !a.HasStrongNameSignature():
		return "absent"
	case a.IsStrongNameVerified():
		return "verified"
	case a.IsSourceGAC():
		return "trusted location"
	default:
		return "bypassed"
	}
}

func (r *verifyReport) add(name string, ok bool, err error) {
	c := check{Name: name, OK: ok}
	if err != nil {
		c.Detail = err.Error()
	}
	r.Checks = append(r.Checks, c)
}

// failure joins the details of every failed check, nil when all passed.
func (r *verifyReport) failure() error {
	var errs []error
	for _, c := range r.Checks {
		if !c.OK {
			errs = append(errs, fmt.Errorf("%s: %s", c.Name, c.Detail))
		}
	}
	return stderrors.Join(errs...)
}

func (r *verifyReport) writeText(w io.Writer, p palette) {
	fmt.Fprintln(w, p.render(p.title, r.Assembly))
	fmt.Fprintln(w)
	p.field(w, "signature", r.Signature)
	for _, c := range r.Checks {
		line := fmt.Sprintf("%-6s %s", p.status(c.OK), c.Name)
		if c.Detail != "" {
			line += " " + p.render(p.dim, "("+c.Detail+")")
		}
		fmt.Fprintln(w, line)
	}
}
