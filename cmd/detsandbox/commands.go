package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/detsandbox/sandbox/internal/diagnostics"
	"github.com/detsandbox/sandbox/internal/refvalidator"
	"github.com/detsandbox/sandbox/internal/sandboxloader"
	"github.com/detsandbox/sandbox/internal/session"
)

func openSession() (*session.Session, error) {
	pol, err := loadPolicy()
	if err != nil {
		return nil, err
	}
	return session.New(pol)
}

func newLoadCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "load <class>",
		Short: "Load one class through the sandbox pipeline and print its state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := openSession()
			if err != nil {
				return err
			}
			defer sess.Close()

			loader := sandboxloader.New(sess)
			lc, err := loader.Load(args[0])
			if err != nil {
				if printErr := printMessages(cmd.OutOrStdout(), sess.Context.Messages, reportFormat); printErr != nil {
					log.WithError(printErr).Warn("failed to print diagnostics")
				}
				return err
			}
			log.WithFields(logrusFields(lc)).Info("loaded class")
			return printMessages(cmd.OutOrStdout(), sess.Context.Messages, reportFormat)
		},
	}
}

func newAnalyzeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "analyze <class>",
		Short: "Analyze one class (rule engine only) and print collected diagnostics",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := openSession()
			if err != nil {
				return err
			}
			defer sess.Close()

			loader := sandboxloader.New(sess)
			if _, err := loader.Load(args[0]); err != nil {
				if _, ok := err.(*sandboxloader.SandboxClassLoadingException); !ok {
					return err
				}
			}
			return printMessages(cmd.OutOrStdout(), sess.Context.Messages, reportFormat)
		},
	}
}

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <class>",
		Short: "Load a class then transitively validate every reference it pulls in",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := openSession()
			if err != nil {
				return err
			}
			defer sess.Close()

			loader := sandboxloader.New(sess)
			if _, err := loader.Load(args[0]); err != nil {
				return err
			}

			validator := refvalidator.New(sess)
			summary := validator.Validate(sess.Context.References, sess.Context.ClassOrigins)

			badCount := 0
			for name, verdict := range summary.Verdicts {
				if verdict == refvalidator.BAD {
					badCount++
					reason := summary.Reasons[name]
					sess.Context.RecordMessage(diagnostics.Message{
						Text:     fmt.Sprintf("%s: %s", reason.Code, reason.Detail),
						Severity: diagnostics.Error,
						Location: diagnostics.Location{ClassName: name},
					})
				}
			}
			if err := printMessages(cmd.OutOrStdout(), sess.Context.Messages, reportFormat); err != nil {
				return err
			}
			if badCount > 0 {
				return fmt.Errorf("validate: %d non-deterministic reference(s)", badCount)
			}
			return nil
		},
	}
}

func newRewriteCmd() *cobra.Command {
	var outDir string
	cmd := &cobra.Command{
		Use:   "rewrite <class> --out <dir>",
		Short: "Load, analyze, and rewrite a class, writing the transformed bytes to --out",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if outDir == "" {
				return fmt.Errorf("--out is required")
			}
			sess, err := openSession()
			if err != nil {
				return err
			}
			defer sess.Close()

			loader := sandboxloader.New(sess)
			lc, err := loader.Load(args[0])
			if err != nil {
				return err
			}
			if lc.Bytes == nil {
				log.WithField("class", lc.OriginalName).Info("pinned class; nothing to write")
				return nil
			}
			if err := os.MkdirAll(outDir, 0o755); err != nil {
				return fmt.Errorf("rewrite: creating %s: %w", outDir, err)
			}
			outPath := filepath.Join(outDir, lc.MaterializedClass+".class")
			if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
				return fmt.Errorf("rewrite: creating %s: %w", filepath.Dir(outPath), err)
			}
			if err := os.WriteFile(outPath, lc.Bytes, 0o644); err != nil {
				return fmt.Errorf("rewrite: writing %s: %w", outPath, err)
			}
			log.WithFields(logrusFields(lc)).WithField("path", outPath).Info("rewrote class")
			return nil
		},
	}
	cmd.Flags().StringVar(&outDir, "out", "", "output directory for rewritten .class files")
	return cmd
}

func logrusFields(lc *sandboxloader.LoadedClass) map[string]interface{} {
	return map[string]interface{}{
		"original":  lc.OriginalName,
		"sandboxed": lc.MaterializedClass,
		"state":     lc.State.String(),
		"modified":  lc.IsModified,
		"bytes":     len(lc.Bytes),
	}
}
