//go:build linux

// Command droidvisor runs virtual machines from the terminal: probe the
// host, boot a guest from a config file, attach to its serial console,
// and resume saved snapshots.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"
	"gopkg.in/yaml.v3"

	droidvisor "github.com/droidvisor/droidvisor"
)

func main() {
	if err := rootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "droidvisor: %v\n", err)
		os.Exit(1)
	}
}

func rootCommand() *cobra.Command {
	var debug bool

	root := &cobra.Command{
		Use:           "droidvisor",
		Short:         "Run hardware-assisted virtual machines",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			level := slog.LevelInfo
			if debug {
				level = slog.LevelDebug
			}
			slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
				Level: level,
			})))
		},
	}
	root.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging")

	root.AddCommand(probeCommand())
	root.AddCommand(runCommand())
	root.AddCommand(resumeCommand())
	return root
}

func probeCommand() *cobra.Command {
	var dataDir string

	cmd := &cobra.Command{
		Use:   "probe",
		Short: "Report what this host can support",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()

			caps := droidvisor.ProbeHost(ctx, slog.Default(), dataDir)
			out, err := yaml.Marshal(caps)
			if err != nil {
				return err
			}
			fmt.Print(string(out))
			return nil
		},
	}
	cmd.Flags().StringVar(&dataDir, "data-dir", ".", "directory checked for free disk space")
	return cmd
}

func runCommand() *cobra.Command {
	var (
		attach   bool
		snapshot string
	)

	cmd := &cobra.Command{
		Use:   "run <config.yaml>",
		Short: "Boot a guest from a config file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := droidvisor.LoadConfig(args[0])
			if err != nil {
				return err
			}

			var serialOut io.Writer
			if attach {
				serialOut = os.Stdout
			}
			vm := droidvisor.New(slog.Default(), droidvisor.Options{SerialOutput: serialOut})
			if err := vm.Start(cfg); err != nil {
				return err
			}
			return supervise(vm, attach, snapshot)
		},
	}
	cmd.Flags().BoolVar(&attach, "attach", true, "attach stdin/stdout to the guest serial console")
	cmd.Flags().StringVar(&snapshot, "snapshot-on-exit", "", "save a snapshot to this path before stopping")
	return cmd
}

func resumeCommand() *cobra.Command {
	var attach bool

	cmd := &cobra.Command{
		Use:   "resume <snapshot>",
		Short: "Restore a guest from a snapshot and continue it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var serialOut io.Writer
			if attach {
				serialOut = os.Stdout
			}
			vm := droidvisor.New(slog.Default(), droidvisor.Options{SerialOutput: serialOut})
			if err := vm.LoadSnapshot(args[0]); err != nil {
				return err
			}
			if err := vm.Resume(); err != nil {
				vm.Stop()
				return err
			}
			return supervise(vm, attach, "")
		},
	}
	cmd.Flags().BoolVar(&attach, "attach", true, "attach stdin/stdout to the guest serial console")
	return cmd
}

// supervise pumps console input and waits for the guest to end or the
// user to interrupt. Ctrl-] detaches and stops the guest.
func supervise(vm *droidvisor.VM, attach bool, snapshotPath string) error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	if attach && term.IsTerminal(int(os.Stdin.Fd())) {
		old, err := term.MakeRaw(int(os.Stdin.Fd()))
		if err != nil {
			return fmt.Errorf("raw terminal: %w", err)
		}
		defer term.Restore(int(os.Stdin.Fd()), old)

		go func() {
			buf := make([]byte, 256)
			for {
				n, err := os.Stdin.Read(buf)
				if err != nil {
					return
				}
				for _, b := range buf[:n] {
					if b == 0x1D { // Ctrl-]
						sigCh <- os.Interrupt
						return
					}
				}
				vm.ConsoleInput(buf[:n])
			}
		}()
	}

	for {
		select {
		case <-sigCh:
			if snapshotPath != "" {
				if err := vm.Pause(); err != nil {
					slog.Warn("pause before snapshot", "error", err)
				} else if err := vm.SaveSnapshot(snapshotPath); err != nil {
					slog.Warn("save snapshot", "error", err)
				} else {
					slog.Info("snapshot saved", "path", snapshotPath)
				}
			}
			return vm.Stop()
		case ev := <-vm.Events():
			switch ev.State {
			case droidvisor.StateFaulted:
				if ev.Fault != nil {
					fmt.Fprintf(os.Stderr, "guest fault: %s\n", ev.Fault)
					for _, line := range ev.Fault.Disassembly {
						fmt.Fprintf(os.Stderr, "  %s\n", line)
					}
				}
				return fmt.Errorf("guest faulted")
			case droidvisor.StateStopped:
				return nil
			}
		}
	}
}
