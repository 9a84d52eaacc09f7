// Command fusion-ping runs spec.md §8 scenario 1 end to end: a master
// process registers a call handler, a slave process enters the same world,
// calls it, and prints the round-tripped result.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/fusion-ipc/fusion"
	"github.com/fusion-ipc/fusion/transport"
	_ "github.com/fusion-ipc/fusion/transport/device"
	_ "github.com/fusion-ipc/fusion/transport/inproc"
	_ "github.com/fusion-ipc/fusion/transport/socket"
)

// masterParticipantID is the reserved id every backend assigns the master,
// per spec.md §3: "MASTER id is reserved and unique."
const masterParticipantID = 1

// pingCallID is this demo's own call id; it has no meaning to the runtime
// beyond being distinct from callEnterHandshake's reserved range.
const pingCallID = 1

var (
	worldIndex int
	backend    string
	tmpfsPath  string
	abiVersion uint32
	debug      bool
)

func main() {
	// initLoggers panics unless the stdlib flag package has been parsed at
	// least once; cobra parses its own flags through pflag, which never
	// touches flag.CommandLine, so this satisfies the guard without
	// consuming the real argv meant for cobra.
	flag.CommandLine.Parse(nil)

	root := &cobra.Command{Use: "fusion-ping"}
	root.PersistentFlags().IntVar(&worldIndex, "world", 0, "world index to enter")
	root.PersistentFlags().StringVar(&backend, "backend", "socket", "transport backend: device|socket|inproc")
	root.PersistentFlags().StringVar(&tmpfsPath, "tmpfs", "", "override FUSION_TMPFS for the socket backend")
	root.PersistentFlags().Uint32Var(&abiVersion, "abi", 1, "ABI version to enter with")
	root.PersistentFlags().BoolVar(&debug, "debug", false, "enable Fusion dispatcher/card debug logging")

	root.AddCommand(masterCmd(), slaveCmd())

	if err := root.Execute(); err != nil {
		log.Fatal(err)
	}
}

func resolveBackend() (transport.Backend, error) {
	switch backend {
	case "device":
		return transport.BackendDevice, nil
	case "socket":
		return transport.BackendSocket, nil
	case "inproc":
		return transport.BackendInproc, nil
	default:
		return 0, fmt.Errorf("unknown backend %q", backend)
	}
}

func maybeEnableDebug() {
	if debug {
		fusion.SetDebugLogger(log.New(os.Stderr, "fusion-ping: ", log.Ltime|log.Lmicroseconds))
	}
}

func masterCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "master",
		Short: "Enter world as master and serve ping calls until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			maybeEnableDebug()
			b, err := resolveBackend()
			if err != nil {
				return err
			}

			w, err := fusion.Enter(worldIndex, transport.RoleMaster, b, abiVersion, fusion.Environment{TmpfsPath: tmpfsPath})
			if err != nil {
				return fmt.Errorf("enter: %w", err)
			}
			w.Dispatcher.RegisterCall(pingCallID, func(caller uint32, arg uint32) (int32, error) {
				fmt.Printf("master: got ping(%d) from participant %d\n", arg, caller)
				return int32(arg) * 2, nil
			})

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			if err := w.Activate(ctx); err != nil {
				return fmt.Errorf("activate: %w", err)
			}

			fmt.Printf("master: world %d ready, waiting for slaves (ctrl-C to exit)\n", worldIndex)

			sig := make(chan os.Signal, 1)
			signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
			<-sig

			return w.Exit()
		},
	}
}

func slaveCmd() *cobra.Command {
	var arg uint32
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "slave",
		Short: "Enter world as slave, call the master's ping handler once, and print the result",
		RunE: func(cmd *cobra.Command, args []string) error {
			maybeEnableDebug()
			b, err := resolveBackend()
			if err != nil {
				return err
			}

			w, err := fusion.Enter(worldIndex, transport.RoleSlave, b, abiVersion, fusion.Environment{TmpfsPath: tmpfsPath})
			if err != nil {
				return fmt.Errorf("enter: %w", err)
			}

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			if err := w.Activate(ctx); err != nil {
				return fmt.Errorf("activate: %w", err)
			}

			callCtx, callCancel := context.WithTimeout(context.Background(), timeout)
			defer callCancel()
			ret, err := w.Dispatcher.Call(callCtx, masterParticipantID, pingCallID, arg)
			if err != nil {
				w.Exit()
				return fmt.Errorf("call: %w", err)
			}

			fmt.Printf("slave: ping(%d) -> %d\n", arg, ret)
			return w.Exit()
		},
	}
	cmd.Flags().Uint32Var(&arg, "arg", 42, "argument to send to the master's ping handler")
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Second, "deadline for the call")
	return cmd
}
