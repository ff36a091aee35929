package main

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/zhubert/plural-codex/config"
	"github.com/zhubert/plural-codex/logger"
	"github.com/zhubert/plural-codex/paths"
)

func newConfigCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Show settings and file locations",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective settings and the codex config summary",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := yaml.Marshal(a.settings)
			if err != nil {
				return err
			}
			promptColor.Fprintf(a.out, "# %s\n", a.settings.FilePath())
			a.out.Write(data)

			cc, err := config.LoadCodexConfig()
			if err != nil {
				return err
			}
			fmt.Fprintln(a.out)
			writeCodexConfig(a.out, cc)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "path",
		Short: "Print the files this tool reads and writes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			policy, err := a.settings.ResolvePolicyFile()
			if err != nil {
				return err
			}
			if policy == "" {
				policy = "(built-in defaults)"
			}
			codexConfig, err := paths.CodexConfigPath()
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(a.out, 0, 0, 2, ' ', 0)
			fmt.Fprintf(w, "settings\t%s\n", a.settings.FilePath())
			fmt.Fprintf(w, "approvals\t%s\n", policy)
			fmt.Fprintf(w, "log\t%s\n", logger.Path())
			fmt.Fprintf(w, "codex config\t%s\n", codexConfig)
			return w.Flush()
		},
	})

	return cmd
}

func writeCodexConfig(out io.Writer, cc *config.CodexConfig) {
	promptColor.Fprintf(out, "# %s\n", cc.Path())

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "model\t%s\n", orDefault(cc.Model))
	fmt.Fprintf(w, "model_provider\t%s\n", orDefault(cc.ModelProvider))
	fmt.Fprintf(w, "approval_policy\t%s\n", orDefault(cc.ApprovalPolicy))
	fmt.Fprintf(w, "sandbox_mode\t%s\n", orDefault(cc.SandboxMode))
	for _, id := range cc.ProviderIDs() {
		p := cc.ModelProviders[id]
		fmt.Fprintf(w, "provider %s\t%s %s\n", id, p.BaseURL, p.WireAPI)
	}
	for _, p := range cc.ProjectList() {
		fmt.Fprintf(w, "project %s\t%s\n", p.Path, p.TrustLevel)
	}
	w.Flush()
}

func orDefault(s string) string {
	if s == "" {
		return "(default)"
	}
	return s
}
