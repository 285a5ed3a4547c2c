package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/corralhq/corral/pkg/capability"
	"github.com/corralhq/corral/pkg/config"
	"github.com/corralhq/corral/pkg/errdefs"
	"github.com/corralhq/corral/pkg/log"
	"github.com/corralhq/corral/pkg/orchestrator"
	"github.com/corralhq/corral/pkg/registry"
	"github.com/corralhq/corral/pkg/runtime"
	"github.com/corralhq/corral/pkg/storage"
	"github.com/corralhq/corral/pkg/values"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		if jsonErrors {
			fmt.Fprintln(os.Stderr, toJSON(err))
		} else {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		os.Exit(errdefs.ExitCode(err))
	}
}

var jsonErrors bool

var rootCmd = &cobra.Command{
	Use:   "corral",
	Short: "Corral - Universal component runtime and orchestrator",
	Long: `Corral runs WebAssembly components under capability-based
sandboxes: it loads binaries, links their typed interfaces, enforces
fuel and deadline limits, supervises lifecycles, and resolves
dependencies against content-addressed registries.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Corral version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	rootCmd.PersistentFlags().BoolVar(&jsonErrors, "json-errors", false, "Emit errors as JSON records")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(callCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(installCmd)
	rootCmd.AddCommand(verifyCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	log.Init(log.Config{
		Level:      log.Level(logLevel),
		JSONOutput: logJSON,
	})
}

func toJSON(err error) string {
	var classified *errdefs.Error
	if !errors.As(err, &classified) {
		classified = errdefs.New(errdefs.KindOther, "", "%v", err)
	}
	return classified.JSON()
}

var runCmd = &cobra.Command{
	Use:   "run <component.wasm> [args...]",
	Short: "Run a component as a CLI program",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dev, _ := cmd.Flags().GetBool("dev")

		cfg := runtime.DefaultConfig()
		if dev {
			cfg = runtime.DevelopmentConfig()
		}

		engine, err := runtime.NewEngine(cfg)
		if err != nil {
			return err
		}
		defer engine.Close()

		result, err := engine.RunCLIFile(args[0], args[1:], nil)
		if err != nil {
			return err
		}

		os.Stdout.Write(result.Stdout)
		os.Stderr.Write(result.Stderr)
		if result.ExitCode != 0 {
			os.Exit(int(result.ExitCode))
		}
		return nil
	},
}

var callCmd = &cobra.Command{
	Use:   "call <component.wasm> <function> [type:value...]",
	Short: "Call one exported function of a component",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		capSpecs, _ := cmd.Flags().GetStringArray("cap")

		caps, err := capability.ParseSet(capSpecs)
		if err != nil {
			return err
		}
		caps.Merge(capability.Deterministic())

		callArgs, err := values.ParseAll(args[2:])
		if err != nil {
			return err
		}

		engine, err := runtime.NewEngine(runtime.DefaultConfig())
		if err != nil {
			return err
		}
		defer engine.Close()

		componentID, err := engine.LoadComponent(args[0])
		if err != nil {
			return err
		}
		handle, err := engine.Instantiate(componentID, caps)
		if err != nil {
			return err
		}

		result, err := engine.Call(handle, args[1], callArgs)
		if err != nil {
			return err
		}

		os.Stdout.Write(result.Stdout)
		if result.ReturnValue != nil {
			fmt.Println(result.ReturnValue.String())
		}
		return nil
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Supervise the components declared in a manifest",
	RunE: func(cmd *cobra.Command, args []string) error {
		manifestPath, _ := cmd.Flags().GetString("manifest")
		dataDir, _ := cmd.Flags().GetString("data-dir")

		manifest, err := config.Load(manifestPath)
		if err != nil {
			return err
		}

		engine, err := runtime.NewEngine(manifest.RuntimeConfig())
		if err != nil {
			return err
		}
		defer engine.Close()

		orch := orchestrator.New(engine, manifest.OrchestratorConfig())
		if dataDir != "" {
			store, err := storage.NewBoltStore(dataDir)
			if err != nil {
				return err
			}
			defer store.Close()
			orch.WithStore(store)
		}

		for _, spec := range manifest.Components {
			if spec.Path != "" {
				if _, err := engine.LoadComponent(spec.Path); err != nil {
					return err
				}
			}
			if err := orch.Register(spec.ID, spec.Dependencies); err != nil {
				return err
			}
		}

		order, err := orch.StartOrder()
		if err != nil {
			return err
		}
		specs := make(map[string]config.ComponentSpec, len(manifest.Components))
		for _, spec := range manifest.Components {
			specs[spec.ID] = spec
		}
		for _, id := range order {
			caps, err := specs[id].CapabilitySet()
			if err != nil {
				return err
			}
			if err := orch.Start(id, caps); err != nil {
				return err
			}
		}

		orch.StartHealthLoop()
		log.Info("All components started")

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh

		log.Info("Shutting down")
		return orch.Shutdown()
	},
}

var installCmd = &cobra.Command{
	Use:   "install <name>[@requirement]",
	Short: "Install a component package",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		offline, _ := cmd.Flags().GetBool("offline")
		force, _ := cmd.Flags().GetBool("force")
		registryURL, _ := cmd.Flags().GetString("registry")

		name := args[0]
		requirement := ""
		if at := lastAt(name); at > 0 {
			requirement = name[at+1:]
			name = name[:at]
		}

		cwd, err := os.Getwd()
		if err != nil {
			return err
		}

		clientCfg := registry.DefaultClientConfig()
		if registryURL != "" {
			clientCfg.RegistryURL = registryURL
		}

		reg, err := registry.NewRegistry(clientCfg, cwd)
		if err != nil {
			return err
		}
		if err := reg.LoadLockfile(); err != nil {
			return err
		}

		path, err := reg.Install(context.Background(), name, requirement, registry.InstallOptions{
			Offline: offline,
			Force:   force,
		})
		if err != nil {
			return err
		}

		fmt.Printf("Installed %s -> %s\n", name, path)
		return nil
	},
}

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Verify cached components against the lockfile",
	RunE: func(cmd *cobra.Command, args []string) error {
		cwd, err := os.Getwd()
		if err != nil {
			return err
		}

		reg, err := registry.NewRegistry(registry.DefaultClientConfig(), cwd)
		if err != nil {
			return err
		}
		if err := reg.LoadLockfile(); err != nil {
			return err
		}

		invalid := reg.VerifyAll()
		if len(invalid) == 0 {
			fmt.Println("All cached components verify")
			return nil
		}
		for _, name := range invalid {
			fmt.Printf("MISMATCH %s\n", name)
		}
		return errdefs.New(errdefs.KindHashMismatch, "", "%d cached components failed verification", len(invalid))
	},
}

func init() {
	runCmd.Flags().Bool("dev", false, "Run under the development policy")
	callCmd.Flags().StringArray("cap", nil, "Grant a capability (repeatable)")
	serveCmd.Flags().String("manifest", "corral.yaml", "Manifest path")
	serveCmd.Flags().String("data-dir", "", "Persist supervisor state under this directory")
	installCmd.Flags().Bool("offline", false, "Install from cache and local registry only")
	installCmd.Flags().Bool("force", false, "Re-fetch even when cached")
	installCmd.Flags().String("registry", "", "Registry URL override")
}

func lastAt(s string) int {
	for n := len(s) - 1; n >= 0; n-- {
		if s[n] == '@' {
			return n
		}
	}
	return -1
}
