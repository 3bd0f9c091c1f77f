package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// errVerificationFailed is returned after a negative result has been printed.
var errVerificationFailed = errors.New("verification failed")

type app struct {
	output  string
	timeout time.Duration
	stdin   io.Reader
	stdout  io.Writer
	stderr  io.Writer
}

func newRootCommand(in io.Reader, out, errOut io.Writer) *cobra.Command {
	a := &app{stdin: in, stdout: out, stderr: errOut}

	cmd := &cobra.Command{
		Use:           "provctl",
		Short:         "Offline verification for decision certificates and ledger exports",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
			switch a.output {
			case "json", "yaml":
				return nil
			default:
				return fmt.Errorf("unsupported output %q (use json or yaml)", a.output)
			}
		},
	}
	cmd.PersistentFlags().StringVarP(&a.output, "output", "o", "json", "output format: json or yaml")
	cmd.PersistentFlags().DurationVar(&a.timeout, "timeout", 10*time.Second, "timeout for remote key fetches")

	cmd.AddCommand(newVerifyCertificateCmd(a), newVerifyChainCmd(a))

	cmd.SetIn(in)
	cmd.SetOut(out)
	cmd.SetErr(errOut)
	return cmd
}

// readInput reads a file argument, or stdin for "-".
func (a *app) readInput(path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(a.stdin)
	}
	return os.ReadFile(path)
}

// print renders v in the selected format. YAML output keeps the JSON field
// names by round-tripping through a generic value.
func (a *app) print(v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	if a.output == "json" {
		_, err = fmt.Fprintln(a.stdout, string(b))
		return err
	}
	var generic any
	if err := json.Unmarshal(b, &generic); err != nil {
		return err
	}
	enc := yaml.NewEncoder(a.stdout)
	enc.SetIndent(2)
	if err := enc.Encode(generic); err != nil {
		return err
	}
	return enc.Close()
}
