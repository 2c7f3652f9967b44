package main

import (
	"encoding/hex"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/wippyai/peloader/image"
)

type hashReport struct {
	Path      string `json:"path"`
	Algorithm string `json:"algorithm"`
	Digest    string `json:"digest"`
	Expected  string `json:"expected,omitempty"`
	Match     *bool  `json:"match,omitempty"`
}

func newHashCommand(opts *rootOptions) *cobra.Command {
	var alg, expect string

	cmd := &cobra.Command{
		Use:   "hash <assembly>",
		Short: "Hash the flat image content",
		Long: `Hash the flat content of an image with the given algorithm.

With --expect the digest is compared against a hex string and the command
fails on a mismatch.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, ok := image.ParseHashAlgorithm(alg)
			if !ok {
				return newExitError(exitCommandError, fmt.Sprintf("unknown hash algorithm %q", alg))
			}
			var want []byte
			if expect != "" {
				var err error
				want, err = hex.DecodeString(strings.ReplaceAll(expect, ":", ""))
				if err != nil {
					return wrapExitError(exitCommandError, "bad --expect digest", err)
				}
			}

			s, err := openSession(opts, args[0])
			if err != nil {
				return err
			}
			defer s.Close()

			sum, err := s.asm.Hash(a)
			if err != nil {
				return wrapExitError(exitCommandError, "hash", err)
			}
			r := &hashReport{Path: s.asm.Path(), Algorithm: a.String(), Digest: hex.EncodeToString(sum)}
			f := newFormatter(opts.Format, cmd.OutOrStdout())
			if want == nil {
				return f.emit(r)
			}

			match, err := s.asm.CheckHash(a, want)
			if err != nil {
				return wrapExitError(exitCommandError, "hash", err)
			}
			r.Expected = hex.EncodeToString(want)
			r.Match = &match
			if !match {
				return f.fail(r, fmt.Errorf("digest %s does not match %s", r.Digest, r.Expected))
			}
			return f.emit(r)
		},
	}

	cmd.Flags().StringVarP(&alg, "alg", "a", "sha256", "hash algorithm (md5|sha1|sha256|sha384|sha512)")
	cmd.Flags().StringVar(&expect, "expect", "", "expected digest in hex")

	return cmd
}

func (r *hashReport) writeText(w io.Writer, p palette) {
	fmt.Fprintf(w, "%s  %s  %s\n", r.Digest, p.render(p.dim, r.Algorithm), r.Path)
	if r.Match != nil {
		p.field(w, "expected", r.Expected)
		p.field(w, "match", p.status(*r.Match))
	}
}
