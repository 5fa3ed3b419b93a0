package modserver

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"sync"

	"github.com/danmuck/consoled/internal/handler"
	"github.com/danmuck/consoled/internal/logging"
)

// LaunchSpec describes one module server to start.
type LaunchSpec struct {
	Module string
	Socket string
	Locale string
}

// Process is a started module server.
type Process interface {
	Pid() int
	Kill() error
	// Done is closed when the module server has exited.
	Done() <-chan struct{}
}

// Launcher starts module servers for the router.
type Launcher interface {
	Launch(ls LaunchSpec) (Process, error)
}

// ExecLauncher runs the consoled-module binary.
type ExecLauncher struct {
	Command string
	Args    []string
	Env     []string
}

func (l ExecLauncher) Launch(ls LaunchSpec) (Process, error) {
	args := append(append([]string{}, l.Args...), "-m", ls.Module, "-s", ls.Socket)
	if ls.Locale != "" {
		args = append(args, "-l", ls.Locale)
	}
	cmd := exec.Command(l.Command, args...)
	cmd.Env = append(os.Environ(), l.Env...)
	cmd.Stdout = os.Stderr
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("modserver: start %s: %w", l.Command, err)
	}
	p := &execProcess{cmd: cmd, done: make(chan struct{})}
	go func() {
		err := cmd.Wait()
		log := logging.Named("modserver", ls.Module)
		log.Debug().Int("pid", cmd.Process.Pid).AnErr("exit", err).Msg("module process exited")
		close(p.done)
	}()
	return p, nil
}

type execProcess struct {
	cmd  *exec.Cmd
	done chan struct{}
}

func (p *execProcess) Pid() int              { return p.cmd.Process.Pid }
func (p *execProcess) Done() <-chan struct{} { return p.done }

func (p *execProcess) Kill() error {
	select {
	case <-p.done:
		return nil
	default:
	}
	return p.cmd.Process.Kill()
}

// LocalLauncher runs module servers as goroutines of the current process.
// Used by tests and single-binary setups.
type LocalLauncher struct {
	Modules *handler.Registry
	// Configure adjusts each server's config before it starts.
	Configure func(*Config)

	mu      sync.Mutex
	servers []*Server
}

func (l *LocalLauncher) Launch(ls LaunchSpec) (Process, error) {
	m, ok := l.Modules.Module(ls.Module)
	if !ok {
		return nil, fmt.Errorf("%w: %s", handler.ErrUnknownModule, ls.Module)
	}
	cfg := Config{Module: m, Socket: ls.Socket, Locale: ls.Locale}
	if l.Configure != nil {
		l.Configure(&cfg)
	}
	srv, err := New(cfg)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	log := logging.Named("modserver", ls.Module)
	go func() {
		defer cancel()
		if err := srv.Serve(ctx); err != nil {
			log.Warn().Err(err).Msg("local module server ended")
		}
	}()
	l.mu.Lock()
	l.servers = append(l.servers, srv)
	l.mu.Unlock()
	return &localProcess{srv: srv}, nil
}

// Servers lists every server launched so far.
func (l *LocalLauncher) Servers() []*Server {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]*Server(nil), l.servers...)
}

type localProcess struct {
	srv *Server
}

func (p *localProcess) Pid() int              { return os.Getpid() }
func (p *localProcess) Done() <-chan struct{} { return p.srv.Done() }

func (p *localProcess) Kill() error {
	p.srv.Kill()
	return nil
}
