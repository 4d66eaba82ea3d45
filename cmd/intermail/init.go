package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mistakeknot/intermail/internal/cli"
)

func initCmd(root *rootOptions) *cobra.Command {
	var project, keysFile string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create an API key for a project",
		Long: `Create an API key for a project and store it in the keys file.

The project may be a slug or an absolute workspace path; a path is bound by
its slug. Running init again for the same project prints the existing key.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if keysFile == "" {
				cfg, _, err := root.load(cmd)
				if err != nil {
					return err
				}
				keysFile = cfg.Auth.KeysFile
			}
			res, err := cli.InitKeysFile(keysFile, project)
			if err != nil {
				return err
			}
			verb := "existing"
			if res.Created {
				verb = "created"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s key for %s in %s\n%s\n", verb, res.Project, res.KeysFile, res.Key)
			return nil
		},
	}
	cmd.Flags().StringVar(&project, "project", "", "project slug or absolute path")
	cmd.Flags().StringVar(&keysFile, "keys-file", "", "keys file (default auth.keys_file)")
	_ = cmd.MarkFlagRequired("project")
	return cmd
}
