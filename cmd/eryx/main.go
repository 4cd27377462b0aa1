// Command eryx is a local smoke-test harness for the Eryx sandbox
// library: it loads a compiled guest module, discovers MCP tool servers
// from the usual IDE config locations, runs one snippet of Python through
// a Session, and prints the result.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/eryx-org/eryx-go"
	"github.com/eryx-org/eryx-go/internal/mcpconfig"
	"github.com/eryx-org/eryx-go/internal/toolserver"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	v := viper.New()

	cmd := &cobra.Command{
		Use:   "eryx",
		Short: "Run Python inside a WASM-sandboxed Eryx session",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			v.SetEnvPrefix("ERYX")
			v.AutomaticEnv()
			return v.BindPFlags(cmd.Flags())
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			guestPath := v.GetString("guest")
			if guestPath == "" {
				return fmt.Errorf("--guest is required (or set ERYX_GUEST)")
			}
			return runExec(cmd.Context(), guestPath, v.GetString("code"),
				v.GetDuration("timeout"), v.GetBool("mcp"), v.GetStringSlice("volume"))
		},
	}

	cmd.Flags().String("guest", "", "path to the compiled guest WASM module (env: ERYX_GUEST)")
	cmd.Flags().String("code", "print('hello from eryx')", "Python code to execute")
	cmd.Flags().Duration("timeout", 30*time.Second, "execution timeout")
	cmd.Flags().Bool("mcp", false, "discover and spawn MCP tool servers from well-known IDE config paths")
	cmd.Flags().StringArray("volume", nil, "host volume mount in SRC:DST[:ro|:rw] form, may be repeated")

	return cmd
}

func runExec(ctx context.Context, guestPath, code string, timeout time.Duration, discoverMCP bool, volumeSpecs []string) error {
	factory, err := eryx.LoadFactory(guestPath)
	if err != nil {
		return err
	}
	defer factory.Close(ctx)

	volumes := make([]eryx.VolumeMount, 0, len(volumeSpecs))
	for _, spec := range volumeSpecs {
		vm, err := eryx.ParseVolumeSpec(spec)
		if err != nil {
			return err
		}
		volumes = append(volumes, vm)
	}

	cfg := eryx.Config{
		Limits:  eryx.ResourceLimits{ExecutionTimeout: timeout},
		Volumes: volumes,
	}

	if discoverMCP {
		specs, err := discoverToolServers()
		if err != nil {
			return fmt.Errorf("mcp discovery: %w", err)
		}
		cfg.ToolServers = specs
	}

	sb, err := factory.New(ctx, cfg)
	if err != nil {
		return err
	}
	defer sb.Close(ctx)

	sess, err := sb.NewSession(ctx, eryx.ResourceLimits{})
	if err != nil {
		return err
	}
	defer sess.Close(ctx)

	result, err := sess.Execute(ctx, code)
	if err != nil {
		return err
	}

	fmt.Print(result.Stdout)
	fmt.Fprint(os.Stderr, result.Stderr)
	fmt.Fprintf(os.Stderr, "\n[eryx] %.2fms, %d callbacks, %d bytes peak memory\n",
		result.DurationMS, result.CallbackCount, result.PeakMemoryBytes)
	return nil
}

// discoverToolServers walks the well-known IDE config locations, parsing
// each with internal/mcpconfig and expanding environment-variable
// placeholders in the resulting env blocks.
func discoverToolServers() ([]toolserver.Spec, error) {
	home, _ := os.UserHomeDir()
	cwd, _ := os.Getwd()

	var discovered [][]mcpconfig.ServerSpec
	for _, src := range mcpconfig.DefaultSources(home, cwd) {
		raw, err := os.ReadFile(src.Path)
		if err != nil {
			continue // source absent; probing is optimistic
		}
		specs, err := mcpconfig.ParseFile(raw, src)
		if err != nil {
			continue
		}
		discovered = append(discovered, specs)
	}

	merged := mcpconfig.Merge(discovered...)
	lookup := func(name string) (string, bool) {
		v, ok := os.LookupEnv(name)
		return v, ok
	}

	out := make([]toolserver.Spec, 0, len(merged))
	for _, s := range merged {
		env := mcpconfig.ExpandEnvMap(s.Env, lookup)
		envSlice := make([]string, 0, len(env))
		for k, v := range env {
			envSlice = append(envSlice, k+"="+v)
		}
		out = append(out, toolserver.Spec{
			Name:    s.Name,
			Command: s.Command,
			Args:    s.Args,
			Env:     envSlice,
		})
	}
	return out, nil
}
