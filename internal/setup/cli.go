package setup

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// NewCommand builds the "setup" command tree for a server binary.
func NewCommand(serverType string) *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:           "setup",
		Short:         "Register the ABID MCP server with a desktop MCP client",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&configPath, "config", "", "client config file (default: platform location)")

	var opts Options
	register := &cobra.Command{
		Use:   "register",
		Short: "Add or update the server entry in the client config",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.ServerType = serverType
			opts.ConfigPath = configPath
			if opts.BinaryPath == "" {
				if exe, err := os.Executable(); err == nil {
					opts.BinaryPath = exe
				}
			}
			written, err := Register(opts)
			if err != nil {
				return fmt.Errorf("failed to register server: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Registered %s in %s\n", ServerKey, written)
			fmt.Fprintln(cmd.OutOrStdout(), "Restart the client to load the new configuration.")
			return nil
		},
	}
	register.Flags().StringVarP(&opts.BinaryPath, "binary", "b", "", "server binary (default: this executable)")
	register.Flags().StringVarP(&opts.DataDir, "data-dir", "d", "", "data directory passed as ABID_DATA_DIR")

	unregister := &cobra.Command{
		Use:   "unregister",
		Short: "Remove the server entry from the client config",
		RunE: func(cmd *cobra.Command, args []string) error {
			removed, err := Unregister(configPath)
			if err != nil {
				return err
			}
			if !removed {
				fmt.Fprintln(cmd.OutOrStdout(), "Server was not registered.")
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Removed %s\n", ServerKey)
			return nil
		},
	}

	status := &cobra.Command{
		Use:   "status",
		Short: "Show the current registration",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := GetStatus(configPath)
			if err != nil {
				return err
			}
			printStatus(cmd, st)
			return nil
		},
	}

	validate := &cobra.Command{
		Use:   "validate",
		Short: "Fail unless the registration is usable",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := GetStatus(configPath)
			if err != nil {
				return err
			}
			if !st.Valid() {
				printStatus(cmd, st)
				return errors.New("configuration has issues")
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Configuration is valid")
			return nil
		},
	}

	cmd.AddCommand(register, unregister, status, validate)
	return cmd
}

func printStatus(cmd *cobra.Command, st *Status) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Client config: %s\n", st.ConfigPath)
	fmt.Fprintf(out, "Registered:    %t\n", st.Registered)
	if st.ServerPath != "" {
		fmt.Fprintf(out, "Binary:        %s\n", st.ServerPath)
	}
	fmt.Fprintf(out, "Data dir:      %s\n", st.DataDir)
	fmt.Fprintf(out, "Workup DB:     %t\n", st.ArchiveDB)
	for _, issue := range st.Issues {
		fmt.Fprintf(out, "  - %s\n", issue)
	}
}
