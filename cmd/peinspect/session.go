package main

import (
	"path/filepath"

	"go.uber.org/zap"

	"github.com/wippyai/peloader/binder"
	"github.com/wippyai/peloader/config"
	"github.com/wippyai/peloader/image"
	"github.com/wippyai/peloader/loader"
)

// session is one inspected assembly and the loader environment it was
// opened in.
type session struct {
	log *zap.Logger
	env *config.Environment
	ctx *binder.ContextBinder
	asm *loader.Assembly
}

func (o *rootOptions) loadConfig() (*config.Config, error) {
	if o.ConfigPath == "" {
		return config.Default(), nil
	}
	return config.Load(o.ConfigPath)
}

func (o *rootOptions) logger(c *config.Config) (*zap.Logger, error) {
	if o.Verbose {
		return zap.NewDevelopment()
	}
	return c.Logger()
}

// openSession opens path as an assembly. References resolve through the
// file's directory before the configured binder.
func openSession(opts *rootOptions, path string) (*session, error) {
	cfg, err := opts.loadConfig()
	if err != nil {
		return nil, wrapExitError(exitCommandError, "load config", err)
	}
	log, err := opts.logger(cfg)
	if err != nil {
		return nil, wrapExitError(exitCommandError, "create logger", err)
	}
	s := &session{log: log}

	s.env, err = cfg.NewEnvironment(log)
	if err != nil {
		s.Close()
		return nil, wrapExitError(exitCommandError, "create loader", err)
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		s.Close()
		return nil, wrapExitError(exitCommandError, "resolve path", err)
	}
	s.ctx, err = binder.NewContext("peinspect", s.env.Binder, filepath.Dir(abs))
	if err != nil {
		s.Close()
		return nil, wrapExitError(exitCommandError, "create load context", err)
	}

	img, err := image.OpenFile(abs)
	if err != nil {
		s.Close()
		return nil, wrapExitError(exitCommandError, "open "+path, err)
	}
	defer img.Release()

	s.asm, err = s.env.Loader.OpenBound(&binder.BindResult{IL: img}, false, opts.Introspection)
	if err != nil {
		s.Close()
		return nil, wrapExitError(exitCommandError, "open assembly "+path, err)
	}
	s.asm.SetFallbackBinder(s.ctx)
	log.Debug("session opened",
		zap.String("assembly", s.asm.DisplayName()),
		zap.String("path", abs))
	return s, nil
}

// Close releases the assembly, then the binders and the loader.
func (s *session) Close() {
	if s.asm != nil {
		s.asm.Release()
		s.asm = nil
	}
	if s.ctx != nil {
		_ = s.ctx.Close()
	}
	if s.env != nil {
		_ = s.env.Close()
	}
	_ = s.log.Sync()
}
