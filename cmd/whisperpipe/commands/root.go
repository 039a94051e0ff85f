package commands

import (
	"encoding/base64"
	"fmt"

	"github.com/opd-ai/whisperpipe/config"
	"github.com/spf13/cobra"
)

var configPath string

// NewRootCommand builds the command tree.
func NewRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "whisperpipe",
		Short:         "Messaging client pipe and codec tool",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "whisperpipe.toml", "configuration file")

	root.AddCommand(attachmentCmd(), profileCmd(), listenCmd(), journalCmd(), configCmd())
	return root
}

// Execute runs the CLI.
func Execute() error {
	return NewRootCommand().Execute()
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", configPath, err)
	}
	return cfg, nil
}

func decodeKey(name, value string, size int) ([]byte, error) {
	b, err := base64.StdEncoding.DecodeString(value)
	if err != nil {
		return nil, fmt.Errorf("--%s: %w", name, err)
	}
	if size > 0 && len(b) != size {
		return nil, fmt.Errorf("--%s must be %d bytes, got %d", name, size, len(b))
	}
	return b, nil
}

func encode(b []byte) string {
	return base64.StdEncoding.EncodeToString(b)
}
