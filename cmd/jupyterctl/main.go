// Command jupyterctl is a thin CLI driving the kernel-spec resolver,
// provisioner, manager and client packages for manual and smoke-test
// use. Subcommand dispatch is a plain switch on os.Args[1].
package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/term"

	"jupyterctl/kclient"
	"jupyterctl/kernelspec"
	"jupyterctl/kerrors"
	"jupyterctl/manager"
	"jupyterctl/provisioner"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	sub := os.Args[1]
	switch sub {
	case "-h", "--help", "help":
		usage()
		return
	case "kernels":
		os.Exit(kernelsCommand(os.Args[2:]))
	case "exec":
		os.Exit(execCommand(os.Args[2:]))
	case "run":
		os.Exit(runCommand(os.Args[2:]))
	case "console":
		os.Exit(consoleCommand(os.Args[2:]))
	default:
		fmt.Fprintf(os.Stderr, "unknown subcommand: %s\n", sub)
		usage()
		os.Exit(2)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, "Usage:\n")
	fmt.Fprintf(os.Stderr, "  jupyterctl <command> [arguments]\n")
	fmt.Fprintf(os.Stderr, "\nCommands:\n")
	fmt.Fprintf(os.Stderr, "  kernels                  list discoverable kernel specs\n")
	fmt.Fprintf(os.Stderr, "  exec <kernel> <code>     start a kernel, run one snippet, shut it down\n")
	fmt.Fprintf(os.Stderr, "  run <kernel> <file>      run a source file; exits 0 ok, 1 kernel error, 2 timeout, 3 start failure\n")
	fmt.Fprintf(os.Stderr, "  console <kernel>         start a kernel and run a line-at-a-time console\n")
	fmt.Fprintf(os.Stderr, "  help                     show this help message\n")
}

func defaultResolver() *kernelspec.Resolver {
	home, _ := os.UserHomeDir()
	return kernelspec.NewResolver(kernelspec.DefaultSearchPath(home)...)
}

func defaultProvisioners() *provisioner.Registry {
	r := provisioner.NewRegistry()
	provisioner.RegisterDefaults(r)
	return r
}

func kernelsCommand(args []string) int {
	specs, err := defaultResolver().FindKernelSpecs()
	if err != nil {
		fmt.Fprintf(os.Stderr, "list kernel specs: %v\n", err)
		return 1
	}
	if len(specs) == 0 {
		fmt.Println("no kernel specs found")
		return 0
	}
	for name, dir := range specs {
		fmt.Printf("%s\t%s\n", name, dir)
	}
	return 0
}

// startManager resolves name, builds a manager over the local
// provisioner, and blocks until the kernel is Running or the startup
// timeout elapses.
func startManager(ctx context.Context, name string) (*manager.Manager, error) {
	spec, err := defaultResolver().GetKernelSpec(name)
	if err != nil {
		return nil, err
	}
	prov, err := defaultProvisioners().New("local")
	if err != nil {
		return nil, err
	}
	m := manager.New(*spec, prov, nil)
	if err := m.StartKernel(ctx, ""); err != nil {
		return nil, err
	}
	return m, nil
}

func execCommand(args []string) int {
	if len(args) != 2 {
		fmt.Fprintf(os.Stderr, "usage: jupyterctl exec <kernel> <code>\n")
		return 2
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	installInterruptHandler(cancel)

	m, err := startManager(ctx, args[0])
	if err != nil {
		fmt.Fprintf(os.Stderr, "start kernel: %v\n", err)
		return 1
	}
	defer m.ShutdownKernel(context.Background(), true)

	sub := m.Client().Subscribe(64)
	go streamIOPub(sub, os.Stdout)

	reply, err := m.Client().ExecuteAndWaitForIdle(ctx, args[1], false, 30*time.Second)
	if err != nil {
		fmt.Fprintf(os.Stderr, "execute: %v\n", err)
		return 1
	}
	if status, _ := reply.Content["status"].(string); status != "ok" {
		fmt.Fprintf(os.Stderr, "execute_reply status: %v\n", reply.Content)
		return 1
	}
	return 0
}

// runCommand executes a whole source file in a fresh kernel. Exit
// codes: 0 success, 1 kernel error, 2 timeout, 3 start failure.
func runCommand(args []string) int {
	if len(args) != 2 {
		fmt.Fprintf(os.Stderr, "usage: jupyterctl run <kernel> <file>\n")
		return 2
	}
	code, err := os.ReadFile(args[1])
	if err != nil {
		fmt.Fprintf(os.Stderr, "read %s: %v\n", args[1], err)
		return 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	installInterruptHandler(cancel)

	m, err := startManager(ctx, args[0])
	if err != nil {
		fmt.Fprintf(os.Stderr, "start kernel: %v\n", err)
		return 3
	}
	defer m.ShutdownKernel(context.Background(), true)

	sub := m.Client().Subscribe(64)
	go streamIOPub(sub, os.Stdout)

	reply, err := m.Client().ExecuteAndWaitForIdle(ctx, string(code), false, 5*time.Minute)
	if err != nil {
		fmt.Fprintf(os.Stderr, "execute: %v\n", err)
		if kerrors.Of(err, kerrors.Timeout) {
			return 2
		}
		return 1
	}
	if status, _ := reply.Content["status"].(string); status != "ok" {
		return 1
	}
	return 0
}

func consoleCommand(args []string) int {
	if len(args) != 1 {
		fmt.Fprintf(os.Stderr, "usage: jupyterctl console <kernel>\n")
		return 2
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	installInterruptHandler(cancel)

	m, err := startManager(ctx, args[0])
	if err != nil {
		fmt.Fprintf(os.Stderr, "start kernel: %v\n", err)
		return 1
	}
	defer m.ShutdownKernel(context.Background(), true)

	sub := m.Client().Subscribe(64)
	go streamIOPub(sub, os.Stdout)

	colorPrompt := term.IsTerminal(int(os.Stdin.Fd()))
	scanner := bufio.NewScanner(os.Stdin)
	for {
		if colorPrompt {
			fmt.Print("\033[36mjupyterctl>\033[0m ")
		} else {
			fmt.Print("jupyterctl> ")
		}
		if !scanner.Scan() {
			break
		}
		line := scanner.Text()
		if line == "" {
			continue
		}
		if _, err := m.Client().ExecuteAndWaitForIdle(ctx, line, false, 30*time.Second); err != nil {
			fmt.Fprintf(os.Stderr, "execute: %v\n", err)
		}
	}
	return 0
}

// streamIOPub renders stream and error content as it arrives on sub,
// color-coding stderr and tracebacks when out is a terminal.
func streamIOPub(sub *kclient.Subscription, out *os.File) {
	color := term.IsTerminal(int(out.Fd()))
	for msg := range sub.C() {
		switch msg.Header.MsgType {
		case "stream":
			name, _ := msg.Content["name"].(string)
			text, _ := msg.Content["text"].(string)
			if color && name == "stderr" {
				fmt.Fprintf(out, "\033[31m%s\033[0m", text)
			} else {
				fmt.Fprint(out, text)
			}
		case "error":
			if trace, ok := msg.Content["traceback"].([]any); ok {
				for _, line := range trace {
					s, _ := line.(string)
					if color {
						fmt.Fprintf(out, "\033[31m%s\033[0m\n", s)
					} else {
						fmt.Fprintln(out, s)
					}
				}
			}
		}
	}
}

func installInterruptHandler(cancel context.CancelFunc) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()
}
