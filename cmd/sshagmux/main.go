// Command sshagmux runs and controls the SSH agent multiplexer.
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hashicorp/go-envparse"
	"github.com/nemo157/sshagmux/pkg/agentmux"
	"github.com/nemo157/sshagmux/pkg/wire"
	"github.com/spf13/pflag"
)

var opt struct {
	Help        bool
	BindAddress string
	Systemd     bool
	ForwardAdds bool
}

func init() {
	pflag.BoolVarP(&opt.Help, "help", "h", false, "Show this help text")
	pflag.StringVarP(&opt.BindAddress, "bind-address", "a", "", "Unix socket path to listen on (daemon)")
	pflag.BoolVarP(&opt.Systemd, "systemd", "s", false, "Adopt a systemd-activated listening socket (daemon)")
	pflag.BoolVar(&opt.ForwardAdds, "forward-adds", false, "Mark this upstream as the forward-adds target (add-upstream)")
}

func main() {
	pflag.Parse()

	if opt.Help || pflag.NArg() == 0 {
		usage()
		if opt.Help {
			os.Exit(2)
		}
		os.Exit(0)
	}

	var err error
	switch cmd := pflag.Arg(0); cmd {
	case "daemon":
		err = runDaemon(pflag.Args()[1:])
	case "add-upstream":
		err = runAddUpstream(pflag.Args()[1:])
	case "list":
		err = runList(pflag.Args()[1:])
	default:
		fmt.Fprintf(os.Stderr, "error: unknown command %q\n", cmd)
		usage()
		os.Exit(2)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Printf(`usage: %s <command> [options]

commands:
  daemon [env_file]               run the multiplexer daemon
  add-upstream <path>             register path as an upstream on SSH_AUTH_SOCK
  list identities|upstreams       query SSH_AUTH_SOCK

options:
%s`, os.Args[0], pflag.CommandLine.FlagUsages())
}

func runDaemon(args []string) error {
	var e []string
	if len(args) == 0 {
		e = os.Environ()
	} else {
		x, err := readEnv(args[0])
		if err != nil {
			return fmt.Errorf("read env file: %w", err)
		}
		e = x
		if v, ok := os.LookupEnv("NOTIFY_SOCKET"); ok {
			e = append(e, "NOTIFY_SOCKET="+v)
		}
	}

	var c agentmux.Config
	if err := c.UnmarshalEnv(e, false); err != nil {
		return fmt.Errorf("parse config: %w", err)
	}
	if opt.BindAddress != "" {
		c.BindAddress = opt.BindAddress
	}
	if opt.Systemd {
		c.Systemd = true
	}
	if !c.Systemd && c.BindAddress == "" {
		return fmt.Errorf("one of --bind-address or --systemd is required")
	}

	d, err := agentmux.NewDaemon(&c)
	if err != nil {
		return fmt.Errorf("initialize daemon: %w", err)
	}

	l, err := agentmux.Listen(&c)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	fmt.Printf("SSH_AUTH_SOCK=%s; export SSH_AUTH_SOCK;\necho Agent pid %d;\n", c.BindAddress, os.Getpid())

	ctx, softCancel := context.WithCancel(context.Background())
	hardDone := make(chan struct{})

	sigch := make(chan os.Signal, 1)
	signal.Notify(sigch, os.Interrupt, syscall.SIGTERM)
	hupch := make(chan os.Signal, 1)
	signal.Notify(hupch, syscall.SIGHUP)

	go func() {
		for range hupch {
			d.HandleSIGHUP()
		}
	}()

	go escalateOnSignal(sigch, softCancel, l, hardDone)

	runErr := d.Run(ctx, l)
	close(hardDone)
	return runErr
}

// escalateOnSignal implements the clean -> hard -> exit shutdown escalation:
// the first signal cancels ctx and starts a 1s timer to force-close the
// listener if the clean shutdown hasn't finished, and another 1s after
// that to give up and exit the process outright. A second signal skips
// straight to the hard close; a third exits immediately.
func escalateOnSignal(sigch <-chan os.Signal, softCancel context.CancelFunc, l net.Listener, done <-chan struct{}) {
	stage := 0
	for {
		select {
		case <-done:
			return
		case <-sigch:
			switch stage {
			case 0:
				stage = 1
				softCancel()
				go func() {
					select {
					case <-done:
					case <-time.After(time.Second):
						l.Close()
						go func() {
							select {
							case <-done:
							case <-time.After(time.Second):
								os.Exit(1)
							}
						}()
					}
				}()
			case 1:
				stage = 2
				l.Close()
			default:
				os.Exit(1)
			}
		}
	}
}

func readEnv(name string) ([]string, error) {
	f, err := os.Open(name)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	m, err := envparse.Parse(f)
	if err != nil {
		return nil, err
	}

	r := make([]string, 0, len(m))
	for k, v := range m {
		r = append(r, k+"="+v)
	}
	return r, nil
}

func authSock() (string, error) {
	s := os.Getenv("SSH_AUTH_SOCK")
	if s == "" {
		return "", fmt.Errorf("SSH_AUTH_SOCK is not set")
	}
	return s, nil
}

func sendOne(req wire.Request) (wire.Response, error) {
	sock, err := authSock()
	if err != nil {
		return nil, err
	}

	conn, err := net.DialTimeout("unix", sock, time.Second)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", sock, err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(5 * time.Second))

	frame, err := wire.Encode(nil, req)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	if _, err := conn.Write(frame); err != nil {
		return nil, fmt.Errorf("write request: %w", err)
	}

	codec := wire.NewCodec()
	buf := make([]byte, 0, 4096)
	chunk := make([]byte, 4096)
	for {
		kind, payload, _, ok, err := codec.Decode(buf)
		if err != nil {
			return nil, fmt.Errorf("decode response: %w", err)
		}
		if ok {
			return wire.ParseResponse(kind, payload)
		}
		n, err := conn.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
		}
		if err != nil {
			return nil, fmt.Errorf("read response: %w", err)
		}
	}
}

func runAddUpstream(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("expected exactly one path argument")
	}
	resp, err := sendOne(wire.ExtensionRequest{
		Name: wire.ExtensionNameAddUpstreamV2,
		Body: wire.AddUpstreamV2{Path: args[0], ForwardAdds: opt.ForwardAdds},
	})
	if err != nil {
		return err
	}
	switch r := resp.(type) {
	case wire.Success:
		fmt.Println("ok")
		return nil
	case wire.ExtensionFailure:
		return fmt.Errorf("%s", r.Err.Error())
	default:
		return fmt.Errorf("unexpected response kind %d", resp.Kind())
	}
}

func runList(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("expected exactly one of: identities, upstreams")
	}
	switch args[0] {
	case "identities":
		resp, err := sendOne(wire.RequestIdentities{})
		if err != nil {
			return err
		}
		ids, ok := resp.(wire.Identities)
		if !ok {
			return fmt.Errorf("unexpected response kind %d", resp.Kind())
		}
		for _, k := range ids.Keys {
			fmt.Printf("%s\n", k.Comment)
		}
		return nil
	case "upstreams":
		resp, err := sendOne(wire.ExtensionRequest{Name: wire.ExtensionNameListUpstreamsV2, Body: wire.ListUpstreamsV2{}})
		if err != nil {
			return err
		}
		s, ok := resp.(wire.Success)
		if !ok {
			return fmt.Errorf("unexpected response kind %d", resp.Kind())
		}
		list, err := wire.ParseUpstreamListV2(s.Contents)
		if err != nil {
			return fmt.Errorf("parse upstream list: %w", err)
		}
		for _, u := range list.Upstreams {
			marker := ""
			if u.ForwardAdds {
				marker = " (forward-adds)"
			}
			fmt.Printf("%s%s\n", u.Path, marker)
		}
		return nil
	default:
		return fmt.Errorf("unknown list target %q", args[0])
	}
}
