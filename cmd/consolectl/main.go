package main

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/consoled/internal/client"
	"github.com/danmuck/consoled/internal/config"
	"github.com/danmuck/consoled/internal/protocol"
	"golang.org/x/term"
)

const envPassword = "CONSOLECTL_PASSWORD"

var (
	ErrUsage         = errors.New("usage: consolectl [flags] version|modules|categories|verify <syntax> <value>|upload <tmpfile>...|run <command> [key=value...]|set key=value...|exit <module>")
	ErrUnknownTarget = errors.New("unknown target")
)

// targetsFile persists named consoled endpoints.
type targetsFile struct {
	Targets []target `toml:"targets"`
}

type target struct {
	Name    string `toml:"name"`
	Network string `toml:"network"`
	Addr    string `toml:"addr"`
	User    string `toml:"user"`
	CAFile  string `toml:"ca_file"`
	Cert    string `toml:"cert_file"`
	Key     string `toml:"key_file"`
}

func main() {
	home, _ := os.UserHomeDir()
	targetsPath := flag.String("targets", filepath.Join(home, ".config", "consolectl.toml"), "named targets file")
	name := flag.String("target", "", "target name from the targets file")
	network := flag.String("network", "tcp", "tcp or unix")
	addr := flag.String("addr", "127.0.0.1:6670", "consoled address or socket path")
	user := flag.String("user", os.Getenv("USER"), "username")
	caFile := flag.String("ca", "", "CA file; enables TLS")
	certFile := flag.String("cert", "", "client certificate")
	keyFile := flag.String("key", "", "client key")
	timeout := flag.Duration("timeout", 30*time.Second, "overall timeout")
	flag.Parse()

	t := target{Network: *network, Addr: *addr, User: *user, CAFile: *caFile, Cert: *certFile, Key: *keyFile}
	if *name != "" {
		named, err := loadTarget(*targetsPath, *name)
		if err != nil {
			fmt.Fprintf(os.Stderr, "consolectl: %v\n", err)
			os.Exit(2)
		}
		t = named
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()
	if err := run(ctx, t, flag.Args(), os.Stdin, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "consolectl: %v\n", err)
		var se *client.StatusError
		if errors.As(err, &se) {
			os.Exit(1)
		}
		os.Exit(2)
	}
}

func loadTarget(path, name string) (target, error) {
	var f targetsFile
	if _, err := toml.DecodeFile(path, &f); err != nil {
		return target{}, fmt.Errorf("load targets: %w", err)
	}
	for _, t := range f.Targets {
		if t.Name == name {
			if t.Network == "" {
				t.Network = "tcp"
			}
			return t, nil
		}
	}
	return target{}, fmt.Errorf("%w: %s", ErrUnknownTarget, name)
}

func run(ctx context.Context, t target, args []string, stdin io.Reader, out io.Writer) error {
	if len(args) == 0 {
		return ErrUsage
	}
	req, err := buildRequest(args)
	if err != nil {
		return err
	}
	tlsCfg, err := clientTLS(t)
	if err != nil {
		return err
	}
	password, err := readPassword(stdin)
	if err != nil {
		return err
	}

	c, err := client.Dial(ctx, t.Network, t.Addr, tlsCfg)
	if err != nil {
		return err
	}
	defer c.Close()
	if err := c.Auth(ctx, t.User, password); err != nil {
		return fmt.Errorf("auth: %w", err)
	}
	resp, err := client.Check(c.Do(ctx, req, func(p *protocol.Message) {
		printBody(out, p.Body)
	}))
	if err != nil {
		return err
	}
	printBody(out, resp.Body)
	return nil
}

// buildRequest maps the command line onto a protocol request.
func buildRequest(args []string) (*protocol.Message, error) {
	switch args[0] {
	case "version":
		return protocol.NewRequest(0, protocol.CmdVersion), nil
	case "modules":
		return protocol.NewRequest(0, protocol.CmdGet, "modules/list"), nil
	case "categories":
		return protocol.NewRequest(0, protocol.CmdGet, "categories/list"), nil
	case "verify":
		if len(args) != 3 {
			return nil, ErrUsage
		}
		req := protocol.NewRequest(0, protocol.CmdGet, "syntax/verification")
		req.SetOption("syntax", args[1])
		req.SetOption("value", args[2])
		return req, nil
	case "upload":
		if len(args) < 2 {
			return nil, ErrUsage
		}
		files := make([]protocol.UploadFile, 0, len(args)-1)
		for _, tmp := range args[1:] {
			files = append(files, protocol.UploadFile{Filename: filepath.Base(tmp), Name: "file", TmpFile: tmp})
		}
		req := protocol.NewRequest(0, protocol.CmdUpload)
		if err := req.SetJSONBody(files); err != nil {
			return nil, err
		}
		return req, nil
	case "exit":
		if len(args) != 2 {
			return nil, ErrUsage
		}
		return protocol.NewRequest(0, protocol.CmdExit, args[1]), nil
	case "set":
		opts, err := parseOptions(args[1:])
		if err != nil || len(opts) == 0 {
			return nil, ErrUsage
		}
		req := protocol.NewRequest(0, protocol.CmdSet)
		req.Options = opts
		return req, nil
	case "run":
		if len(args) < 2 {
			return nil, ErrUsage
		}
		opts, err := parseOptions(args[2:])
		if err != nil {
			return nil, err
		}
		req := protocol.NewRequest(0, protocol.CmdCommand, args[1])
		req.Options = opts
		return req, nil
	default:
		return nil, ErrUsage
	}
}

func parseOptions(args []string) (map[string]string, error) {
	if len(args) == 0 {
		return nil, nil
	}
	opts := make(map[string]string, len(args))
	for _, a := range args {
		k, v, ok := strings.Cut(a, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("option %q is not key=value", a)
		}
		opts[k] = v
	}
	return opts, nil
}

func clientTLS(t target) (*tls.Config, error) {
	if t.CAFile == "" {
		return nil, nil
	}
	pool, err := config.LoadCertPool(t.CAFile)
	if err != nil {
		return nil, err
	}
	cfg := &tls.Config{MinVersion: tls.VersionTLS12, RootCAs: pool}
	if host, _, err := net.SplitHostPort(t.Addr); err == nil {
		cfg.ServerName = host
	}
	if t.Cert != "" {
		pair, err := tls.LoadX509KeyPair(t.Cert, t.Key)
		if err != nil {
			return nil, fmt.Errorf("client certificate: %w", err)
		}
		cfg.Certificates = []tls.Certificate{pair}
	}
	return cfg, nil
}

// readPassword prefers the environment, then a no-echo terminal prompt,
// otherwise the first stdin line.
func readPassword(stdin io.Reader) (string, error) {
	if pw := os.Getenv(envPassword); pw != "" {
		return pw, nil
	}
	if f, ok := stdin.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		fmt.Fprint(os.Stderr, "password: ")
		pw, err := term.ReadPassword(int(f.Fd()))
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return "", err
		}
		if len(pw) == 0 {
			return "", fmt.Errorf("no password: set %s or pipe it on stdin", envPassword)
		}
		return string(pw), nil
	}
	line, err := bufio.NewReader(stdin).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", err
	}
	pw := strings.TrimRight(line, "\r\n")
	if pw == "" {
		return "", fmt.Errorf("no password: set %s or pipe it on stdin", envPassword)
	}
	return pw, nil
}

func printBody(out io.Writer, body []byte) {
	if len(body) == 0 {
		return
	}
	var buf bytes.Buffer
	if json.Indent(&buf, body, "", "  ") == nil {
		fmt.Fprintln(out, buf.String())
		return
	}
	fmt.Fprintln(out, string(body))
}
