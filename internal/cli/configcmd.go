package cli

import (
	stderrors "errors"

	"github.com/spf13/cobra"

	"github.com/c0deZ3R0/go-consistency-kit/config"
	"github.com/c0deZ3R0/go-consistency-kit/errors"
)

// ValidationResult is the json output of config validate.
type ValidationResult struct {
	Valid bool   `json:"valid"`
	Path  string `json:"path"`
	Error string `json:"error,omitempty"`
	Code  string `json:"code,omitempty"`
}

// NewConfigCommand creates the config command group.
func NewConfigCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Work with configuration files",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "validate <file>",
		Short: "Load a yaml, toml or json file and validate every engine section",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(newOutput(rootOpts, cmd), args[0])
		},
	})

	return cmd
}

func runValidate(out output, path string) error {
	_, err := config.Load(path)
	if out.format == "json" {
		res := ValidationResult{Valid: err == nil, Path: path}
		if err != nil {
			res.Error = err.Error()
			var e *errors.Error
			if stderrors.As(err, &e) {
				res.Code = string(e.Code)
			}
		}
		if encErr := out.json(res); encErr != nil {
			return encErr
		}
		return err
	}
	if err != nil {
		out.printf("%s: invalid\n", path)
		return err
	}
	out.printf("%s: ok\n", path)
	return nil
}
