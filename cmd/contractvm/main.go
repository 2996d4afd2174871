// Command contractvm runs contract methods from the command line in sandbox
// mode. It is a development tool: contracts execute with the standard host
// environment, an optional on-disk artifact cache, and an operator-selected
// backend.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	contractvm "github.com/forgechain/contractvm"
	"github.com/forgechain/contractvm/cache"
	"github.com/forgechain/contractvm/config"
	"github.com/forgechain/contractvm/host"
	"github.com/forgechain/contractvm/runtime"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "contractvm",
		Short:         "Deterministic WASM contract runtime",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().Bool("verbose", false, "enable debug logging")
	_ = viper.BindPFlag("verbose", root.PersistentFlags().Lookup("verbose"))
	viper.SetEnvPrefix("CONTRACTVM")
	viper.AutomaticEnv()

	root.AddCommand(runCmd(), checkCmd())
	return root
}

func newLogger() (*zap.Logger, error) {
	if viper.GetBool("verbose") {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func runCmd() *cobra.Command {
	var (
		method   string
		input    string
		gas      uint64
		version  uint32
		backend  string
		cacheDir string
	)

	cmd := &cobra.Command{
		Use:   "run <contract.wasm>",
		Short: "Execute a contract method",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := newLogger()
			if err != nil {
				return err
			}
			defer logger.Sync()

			raw, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("read contract: %w", err)
			}

			cfg, err := config.ForVersion(config.ProtocolVersion(version), config.Features{
				SandboxMode: true,
				IOTracing:   viper.GetBool("verbose"),
			})
			if err != nil {
				return err
			}

			opts := []runtime.Option{
				runtime.WithLogger(logger),
				runtime.WithHost(host.NewEnv(
					host.WithLogger(logger),
					host.WithIOTracing(viper.GetBool("verbose")))),
			}

			if backend != "" {
				kind, err := parseBackend(backend)
				if err != nil {
					return err
				}
				opts = append(opts, runtime.WithBackendOverride(kind))
			}

			if cacheDir != "" {
				store, err := cache.Open(cache.Options{Dir: cacheDir}, logger)
				if err != nil {
					return err
				}
				opts = append(opts, runtime.WithCache(store))
			}

			rt := runtime.New(opts...)
			defer rt.Close(cmd.Context())

			out, err := rt.Run(cmd.Context(), contractvm.NewContractCode(raw),
				method, []byte(input), cfg, gas)
			if err != nil {
				return err
			}

			for _, line := range out.Logs {
				fmt.Println("log:", line)
			}
			fmt.Printf("gas used: %d\n", out.GasUsed)
			if out.Ok() {
				fmt.Printf("return: %x\n", out.ReturnData)
				return nil
			}
			return fmt.Errorf("call trapped: %s", out.Trap.Error())
		},
	}

	cmd.Flags().StringVar(&method, "method", "run", "exported method to call")
	cmd.Flags().StringVar(&input, "input", "", "call input payload")
	cmd.Flags().Uint64Var(&gas, "gas", 100_000_000, "gas budget")
	cmd.Flags().Uint32Var(&version, "protocol", uint32(config.Latest), "protocol version")
	cmd.Flags().StringVar(&backend, "backend", "", "backend override: general, single-pass, legacy")
	cmd.Flags().StringVar(&cacheDir, "cache-dir", "", "persistent artifact cache directory")
	return cmd
}

func checkCmd() *cobra.Command {
	var version uint32

	cmd := &cobra.Command{
		Use:   "check <contract.wasm>",
		Short: "Validate and precompile a contract without running it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := newLogger()
			if err != nil {
				return err
			}
			defer logger.Sync()

			raw, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("read contract: %w", err)
			}

			cfg, err := config.ForVersion(config.ProtocolVersion(version), config.Features{SandboxMode: true})
			if err != nil {
				return err
			}

			rt := runtime.New(runtime.WithLogger(logger))
			defer rt.Close(cmd.Context())

			if err := rt.Precompile(cmd.Context(), contractvm.NewContractCode(raw), cfg); err != nil {
				return err
			}
			fmt.Println("ok")
			return nil
		},
	}

	cmd.Flags().Uint32Var(&version, "protocol", uint32(config.Latest), "protocol version")
	return cmd
}

func parseBackend(s string) (config.BackendKind, error) {
	for _, kind := range []config.BackendKind{
		config.BackendGeneral, config.BackendSinglePass, config.BackendLegacy,
	} {
		if kind.String() == s {
			return kind, nil
		}
	}
	return 0, fmt.Errorf("unknown backend %q", s)
}
