// Command apppoolctl is a thin operator CLI wrapping apppoolclient.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/TheBerg/apppool/apppoolclient"
)

func main() {
	socketPath := flag.String("socket", "/var/run/apppool/apppool.sock", "unix socket path")
	username := flag.String("user", "admin", "username to authenticate as")
	password := flag.String("password", "", "password to authenticate with")
	timeout := flag.Duration("timeout", 10*time.Second, "command timeout")
	flag.Usage = usage
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		usage()
		os.Exit(2)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	client, err := apppoolclient.Connect(ctx, *socketPath, *username, *password)
	if err != nil {
		fatalf("connect: %v", err)
	}
	defer client.Close()

	cmd, rest := args[0], args[1:]
	if err := runCommand(ctx, client, cmd, rest); err != nil {
		fatalf("%s: %v", cmd, err)
	}
}

func runCommand(ctx context.Context, client *apppoolclient.Client, cmd string, args []string) error {
	switch cmd {
	case "get":
		return cmdGet(ctx, client, args)
	case "clear":
		return client.Clear(ctx)
	case "set-max":
		return cmdSetInt(ctx, args, client.SetMax)
	case "set-max-per-app":
		return cmdSetInt(ctx, args, client.SetMaxPerApp)
	case "set-max-idle-time":
		return cmdSetInt(ctx, args, client.SetMaxIdleTime)
	case "get-active":
		n, err := client.GetActive(ctx)
		if err != nil {
			return err
		}
		fmt.Println(n)
		return nil
	case "get-count":
		n, err := client.GetCount(ctx)
		if err != nil {
			return err
		}
		fmt.Println(n)
		return nil
	default:
		usage()
		os.Exit(2)
		return nil
	}
}

func cmdGet(ctx context.Context, client *apppoolclient.Client, args []string) error {
	fs := flag.NewFlagSet("get", flag.ExitOnError)
	appRoot := fs.String("app-root", "", "application root directory")
	minProcesses := fs.Int("min-processes", 0, "minimum processes to keep warm")
	maxProcesses := fs.Int("max-processes", 0, "maximum processes for this application")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *appRoot == "" {
		return fmt.Errorf("get requires -app-root")
	}
	sess, err := client.Get(ctx, apppoolclient.GetOptions{
		AppRoot:      *appRoot,
		MinProcesses: *minProcesses,
		MaxProcesses: *maxProcesses,
	})
	if err != nil {
		return err
	}
	defer sess.Close(ctx)
	fmt.Printf("checked out pid=%d\n", sess.GetPid())
	return nil
}

func cmdSetInt(ctx context.Context, args []string, apply func(context.Context, int) error) error {
	if len(args) != 1 {
		return fmt.Errorf("expected exactly one integer argument")
	}
	n, err := strconv.Atoi(args[0])
	if err != nil {
		return fmt.Errorf("invalid integer %q: %w", args[0], err)
	}
	return apply(ctx, n)
}

func usage() {
	fmt.Fprintln(os.Stderr, `apppoolctl [flags] <command> [args]

Commands:
  get -app-root <path> [-min-processes N] [-max-processes N]
  clear
  set-max <n>
  set-max-per-app <n>
  set-max-idle-time <seconds>
  get-active
  get-count

Flags:`)
	flag.PrintDefaults()
}

func fatalf(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "apppoolctl: "+format+"\n", args...)
	os.Exit(1)
}
