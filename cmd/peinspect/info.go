package main

import (
	"encoding/hex"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/wippyai/peloader/image"
	"github.com/wippyai/peloader/loader"
)

type infoReport struct {
	Path           string `json:"path"`
	DisplayName    string `json:"display_name"`
	Identity       string `json:"identity"`
	CodeBase       string `json:"code_base,omitempty"`
	Module         string `json:"module"`
	MVID           string `json:"mvid"`
	RuntimeVersion string `json:"runtime_version"`
	Culture        string `json:"culture,omitempty"`
	PublicKeyToken string `json:"public_key_token,omitempty"`
	HashAlgorithm  string `json:"hash_algorithm"`
	Machine        string `json:"machine"`
	PEKind         string `json:"pe_kind"`
	Flags          string `json:"flags"`
	EntryPoint     string `json:"entry_point,omitempty"`
	Timestamp      uint32 `json:"timestamp"`
	Subsystem      uint16 `json:"subsystem"`
	DLL            bool   `json:"dll"`
	ILOnly         bool   `json:"il_only"`
	ReadyToRun     bool   `json:"ready_to_run"`
	StrongNamed    bool   `json:"strong_named"`
	Signed         bool   `json:"signed"`
	Verified       bool   `json:"verified"`
	WindowsRuntime bool   `json:"windows_runtime"`
	References     int    `json:"references"`
	Files          int    `json:"files"`
	Resources      int    `json:"resources"`
}

func newInfoCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "info <assembly>",
		Short: "Show the identity and image facts of an assembly",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession(opts, args[0])
			if err != nil {
				return err
			}
			defer s.Close()
			r, err := collectInfo(s.asm)
			if err != nil {
				return wrapExitError(exitCommandError, "read metadata", err)
			}
			return newFormatter(opts.Format, cmd.OutOrStdout()).emit(r)
		},
	}
}

func collectInfo(a *loader.Assembly) (*infoReport, error) {
	imp, err := a.MetadataImport()
	if err != nil {
		return nil, err
	}
	kind, machine := a.PEKindAndMachine()
	r := &infoReport{
		Path:           a.Path(),
		DisplayName:    a.DisplayName(),
		Identity:       a.TextualIdentity(),
		CodeBase:       a.CodeBase(),
		Module:         imp.ModuleName(),
		MVID:           imp.MVID().String(),
		RuntimeVersion: imp.RuntimeVersion(),
		Culture:        a.Culture(),
		PublicKeyToken: hex.EncodeToString(a.PublicKeyToken()),
		HashAlgorithm:  hashAlgorithm(a).String(),
		Machine:        image.MachineName(machine),
		PEKind:         peKindString(kind),
		Flags:          a.Flags().String(),
		Timestamp:      a.ILImageTimeDateStamp(),
		Subsystem:      a.Subsystem(),
		DLL:            a.IsDll(),
		ILOnly:         a.IsILOnly(),
		ReadyToRun:     a.IsILImageReadyToRun(),
		StrongNamed:    a.IsStrongNamed(),
		Signed:         a.HasStrongNameSignature(),
		Verified:       a.IsStrongNameVerified(),
		WindowsRuntime: a.IsWindowsRuntime(),
		References:     len(imp.AssemblyRefs()),
		Files:          len(imp.Files()),
		Resources:      len(imp.ManifestResources()),
	}
	if tok := a.EntryPointToken(); !tok.IsNil() {
		r.EntryPoint = tok.String()
	}
	return r, nil
}

func hashAlgorithm(a *loader.Assembly) image.HashAlgorithm {
	if alg := image.HashAlgorithm(a.HashAlgID()); alg != 0 {
		return alg
	}
	return image.HashSHA1
}

func peKindString(k loader.PEKind) string {
	var parts []string
	for _, b := range []struct {
		bit  loader.PEKind
		name string
	}{
		{loader.PEKindILOnly, "il-only"},
		{loader.PEKindPE32Plus, "pe32+"},
		{loader.PEKind32BitRequired, "32bit-required"},
		{loader.PEKind32BitPreferred, "32bit-preferred"},
		{loader.PEKind32BitUnmanaged, "32bit-unmanaged"},
	} {
		if k&b.bit != 0 {
			parts = append(parts, b.name)
		}
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, "|")
}

func (r *infoReport) writeText(w io.Writer, p palette) {
	fmt.Fprintln(w, p.render(p.title, r.DisplayName))
	fmt.Fprintln(w)
	p.field(w, "path", r.Path)
	p.field(w, "identity", r.Identity)
	if r.CodeBase != "" {
		p.field(w, "code base", r.CodeBase)
	}
	p.field(w, "module", r.Module)
	p.field(w, "mvid", r.MVID)
	p.field(w, "runtime", r.RuntimeVersion)
	if r.Culture != "" {
		p.field(w, "culture", r.Culture)
	}
	if r.PublicKeyToken != "" {
		p.field(w, "public key token", r.PublicKeyToken)
	}
	p.field(w, "hash algorithm", r.HashAlgorithm)
	p.field(w, "machine", r.Machine)
	p.field(w, "pe kind", r.PEKind)
	p.field(w, "flags", r.Flags)
	if r.EntryPoint != "" {
		p.field(w, "entry point", r.EntryPoint)
	}
	p.field(w, "timestamp", fmt.Sprintf("%#08x", r.Timestamp))
	p.field(w, "subsystem", r.Subsystem)
	p.field(w, "dll", r.DLL)
	p.field(w, "il only", r.ILOnly)
	p.field(w, "ready to run", r.ReadyToRun)
	p.field(w, "strong named", r.StrongNamed)
	p.field(w, "signed", r.Signed)
	p.field(w, "verified", r.Verified)
	if r.WindowsRuntime {
		p.field(w, "windows runtime", true)
	}
	p.field(w, "references", r.References)
	p.field(w, "files", r.Files)
	p.field(w, "resources", r.Resources)
}
