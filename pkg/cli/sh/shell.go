package sh

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/abiosoft/ishell"

	"github.com/robotalks/mbot.go/pkg/direct"
	"github.com/robotalks/mbot.go/pkg/env"
	"github.com/robotalks/mbot.go/pkg/link"
	"github.com/robotalks/mbot.go/pkg/mbot"
)

// Shell provides ishell backed interactive shell over a session.
type Shell struct {
	Interactive bool
	OutputJSON  bool
	AutoConnect bool
	ScanWait    time.Duration

	Shell   *ishell.Shell
	Config  *env.Config
	Session *mbot.Session
	Robot   *mbot.Robot

	ctx    context.Context
	cancel context.CancelFunc

	lock        sync.Mutex
	peripherals map[string]link.Peripheral
	connectedID string
}

const (
	shellKey          = "$shell"
	unconnectedPrompt = "[none] > "

	// CommandTimeout bounds waiting for a transport call.
	CommandTimeout = 10 * time.Second
)

var (
	// flags

	evalOnly   bool
	outputJSON bool
	scanWait   = 2 * time.Second

	// commands
	commands = []*ishell.Cmd{
		&ScanCmd,
		&ListCmd,
		&ConnectCmd,
		&DisconnectCmd,
		&StatusCmd,
		&StopAllCmd,
	}
)

func init() {
	flag.BoolVar(&evalOnly, "e", evalOnly, "Evaluation only, no interactive shell.")
	flag.BoolVar(&outputJSON, "json", outputJSON, "Print output in JSON.")
	flag.DurationVar(&scanWait, "scan-wait", scanWait, "Time to collect peripherals when scanning.")
}

// AddCmds is used by other commands providers during init func.
func AddCmds(cmds ...*ishell.Cmd) {
	commands = append(commands, cmds...)
}

// New creates a new shell with a session from conf.
func New(conf *env.Config) (*Shell, error) {
	factory, err := conf.NewFactory()
	if err != nil {
		return nil, err
	}
	s := newShell(conf, factory)
	s.Shell = ishell.New()
	s.Shell.Set(shellKey, s)
	s.Shell.SetPrompt(unconnectedPrompt)
	for _, cmd := range commands {
		s.Shell.AddCmd(cmd)
	}
	return s, nil
}

func newShell(conf *env.Config, factory link.Factory) *Shell {
	s := &Shell{
		Interactive: !evalOnly,
		OutputJSON:  outputJSON,
		ScanWait:    scanWait,

		Config:      conf,
		peripherals: make(map[string]link.Peripheral),
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())

	sessionConf := conf.SessionConfig()
	sessionConf.Discovered = s.addPeripheral
	sessionConf.OnStopAll = func() { s.Robot.StopMoving() }
	s.Session = mbot.NewSession(s.ctx, factory, sessionConf)
	s.Session.ReplyHandler = mbot.HandleReplyFunc(s.printReply)
	s.Robot = mbot.NewRobot(s.Session)
	return s
}

// ShellFrom gets Shell from ishell context.
func ShellFrom(c *ishell.Context) *Shell {
	return c.Get(shellKey).(*Shell)
}

// MustBeConnected wraps command func requires a connection.
func MustBeConnected(fn func(c *ishell.Context)) func(c *ishell.Context) {
	return func(c *ishell.Context) {
		if !ShellFrom(c).Session.IsConnected() {
			c.Err(fmt.Errorf("not connected"))
			return
		}
		fn(c)
	}
}

// FormatPeripheral prints a Peripheral into friendly string for display.
func FormatPeripheral(p link.Peripheral) string {
	if p.Name == "" || p.Name == p.ID {
		return p.ID
	}
	return fmt.Sprintf("%s: %s (rssi %d)", p.ID, p.Name, p.RSSI)
}

// Wait waits for a transport call and reports the result.
func Wait(c *ishell.Context, f link.Future) error {
	ctx, cancel := context.WithTimeout(context.Background(), CommandTimeout)
	defer cancel()
	if err := link.Wait(ctx, f); err != nil {
		c.Err(err)
		return err
	}
	if ShellFrom(c).Interactive {
		c.Println("OK")
	}
	return nil
}

func (s *Shell) addPeripheral(p link.Peripheral) {
	s.lock.Lock()
	s.peripherals[p.ID] = p
	s.lock.Unlock()
}

// Peripherals returns the peripherals discovered by the last scan.
func (s *Shell) Peripherals() []link.Peripheral {
	s.lock.Lock()
	list := make([]link.Peripheral, 0, len(s.peripherals))
	for _, p := range s.peripherals {
		list = append(list, p)
	}
	s.lock.Unlock()
	sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })
	return list
}

func (s *Shell) printReply(r *direct.Reply) {
	if s.Shell == nil {
		return
	}
	if s.OutputJSON {
		out, err := json.Marshal(r)
		if err == nil {
			s.Shell.Println(string(out))
		}
		return
	}
	s.Shell.Println(r.String())
}

// Scan starts a new scan and waits ScanWait for peripherals.
func (s *Shell) Scan() ([]link.Peripheral, error) {
	s.lock.Lock()
	s.peripherals = make(map[string]link.Peripheral)
	s.lock.Unlock()
	s.setConnected("")
	if err := s.Session.Scan(); err != nil {
		return nil, err
	}
	select {
	case <-time.After(s.ScanWait):
	case <-s.ctx.Done():
		return nil, s.ctx.Err()
	}
	return s.Peripherals(), nil
}

// SelectPeripheral picks a discovered peripheral, asking when there are
// several.
func (s *Shell) SelectPeripheral() (*link.Peripheral, error) {
	list := s.Peripherals()
	if len(list) == 0 {
		var err error
		if list, err = s.Scan(); err != nil {
			return nil, err
		}
	}
	if len(list) == 0 {
		return nil, nil
	}
	var index int
	if len(list) > 1 {
		if !s.Interactive {
			return nil, fmt.Errorf("more than 1 peripherals discovered in non-interactive mode")
		}
		items := make([]string, len(list))
		for n, p := range list {
			items[n] = FormatPeripheral(p)
		}
		index = s.Shell.MultiChoice(items, "Which one to connect?")
		if index < 0 {
			return nil, fmt.Errorf("nothing selected")
		}
	}
	return &list[index], nil
}

// Connect connects the peripheral with id, scanning first if needed. It
// returns once the session is polling the peripheral.
func (s *Shell) Connect(id string) error {
	if s.Session.State() == mbot.StateIdle {
		if err := s.Session.Scan(); err != nil {
			return err
		}
	}
	ctx, cancel := context.WithTimeout(s.ctx, CommandTimeout)
	defer cancel()
	if err := link.Wait(ctx, s.Session.Connect(id)); err != nil {
		return err
	}
	for s.Session.State() != mbot.StateConnected || !s.Session.IsConnected() {
		select {
		case <-ctx.Done():
			return fmt.Errorf("connect %q: %w", id, ctx.Err())
		case <-time.After(10 * time.Millisecond):
		}
	}
	s.setConnected(id)
	return nil
}

// Disconnect disconnects current peripheral.
func (s *Shell) Disconnect() error {
	s.setConnected("")
	return s.Session.Disconnect()
}

func (s *Shell) setConnected(id string) {
	s.lock.Lock()
	s.connectedID = id
	s.lock.Unlock()
	if s.Shell == nil {
		return
	}
	if id == "" {
		s.Shell.SetPrompt(unconnectedPrompt)
	} else {
		s.Shell.SetPrompt(fmt.Sprintf("%s > ", id))
	}
}

// Status describes the session.
type Status struct {
	State      string `json:"state"`
	Connected  bool   `json:"connected"`
	Peripheral string `json:"peripheral,omitempty"`
	PollCount  uint32 `json:"poll_count"`
}

// Status returns the current session status.
func (s *Shell) Status() Status {
	s.lock.Lock()
	id := s.connectedID
	s.lock.Unlock()
	st := Status{
		State:     s.Session.State().String(),
		Connected: s.Session.IsConnected(),
		PollCount: s.Session.PollCount(),
	}
	if st.Connected {
		st.Peripheral = id
	}
	return st
}

// Close releases the session.
func (s *Shell) Close() {
	s.Session.Disconnect()
	s.cancel()
}

// Run runs the shell.
func (s *Shell) Run(args ...string) {
	defer s.Close()
	if s.AutoConnect && s.Config.Peripheral != "" {
		if s.Interactive {
			s.Shell.Printf("Connecting %s ...\n", s.Config.Peripheral)
		}
		if err := s.Connect(s.Config.Peripheral); err != nil {
			log.Fatalf("connect %q failed: %v", s.Config.Peripheral, err)
		}
	}

	if len(args) > 0 {
		if err := s.Shell.Process(args...); err != nil {
			log.Fatalln(err)
		}
		return
	}
	if s.Interactive {
		s.Shell.Run()
		return
	}
	log.Fatalln("command expected")
}

func (s *Shell) printPeripherals(c *ishell.Context, list []link.Peripheral) {
	if s.OutputJSON {
		if list == nil {
			list = []link.Peripheral{}
		}
		out, err := json.Marshal(list)
		if err != nil {
			c.Err(err)
			return
		}
		c.Println(string(out))
		return
	}
	if len(list) == 0 {
		c.Println("No peripherals found")
		return
	}
	for _, p := range list {
		c.Println(FormatPeripheral(p))
	}
}

var (
	// ScanCmd starts a new scan.
	ScanCmd = ishell.Cmd{
		Name:    "scan",
		Aliases: []string{"s"},
		Help:    "",
		Func: func(c *ishell.Context) {
			s := ShellFrom(c)
			list, err := s.Scan()
			if err != nil {
				c.Err(err)
				return
			}
			s.printPeripherals(c, list)
		},
	}

	// ListCmd lists peripherals discovered so far.
	ListCmd = ishell.Cmd{
		Name:    "list",
		Aliases: []string{"l"},
		Help:    "",
		Func: func(c *ishell.Context) {
			s := ShellFrom(c)
			s.printPeripherals(c, s.Peripherals())
		},
	}

	// ConnectCmd connects a peripheral.
	ConnectCmd = ishell.Cmd{
		Name:    "connect",
		Aliases: []string{"c"},
		Help:    "[ID]",
		Func: func(c *ishell.Context) {
			s := ShellFrom(c)
			var id string
			if len(c.Args) > 0 {
				id = c.Args[0]
			} else {
				p, err := s.SelectPeripheral()
				if err != nil {
					c.Err(err)
					return
				}
				if p == nil {
					c.Err(fmt.Errorf("no peripheral discovered"))
					return
				}
				id = p.ID
			}
			if err := s.Connect(id); err != nil {
				c.Err(err)
			}
		},
	}

	// DisconnectCmd disconnects current peripheral.
	DisconnectCmd = ishell.Cmd{
		Name:    "disconnect",
		Aliases: []string{"d"},
		Help:    "",
		Func: func(c *ishell.Context) {
			if err := ShellFrom(c).Disconnect(); err != nil {
				c.Err(err)
			}
		},
	}

	// StatusCmd prints the session status.
	StatusCmd = ishell.Cmd{
		Name:    "status",
		Aliases: []string{"st"},
		Help:    "",
		Func: func(c *ishell.Context) {
			s := ShellFrom(c)
			st := s.Status()
			if s.OutputJSON {
				out, err := json.Marshal(&st)
				if err != nil {
					c.Err(err)
					return
				}
				c.Println(string(out))
				return
			}
			c.Printf("%s connected=%v peripheral=%q polls=%d\n", st.State, st.Connected, st.Peripheral, st.PollCount)
		},
	}

	// StopAllCmd stops everything.
	StopAllCmd = ishell.Cmd{
		Name: "stopall",
		Help: "",
		Func: func(c *ishell.Context) {
			ShellFrom(c).Session.StopAll()
		},
	}
)

// Main is a helper to provide a single call in main.
func Main() {
	flag.Parse()
	s, err := New(env.NewConfig().MustLoad())
	if err != nil {
		log.Fatalln(err)
	}
	s.WithAutoConnect(true).Run(flag.Args()...)
}

// WithAutoConnect sets AutoConnect.
func (s *Shell) WithAutoConnect(en bool) *Shell {
	s.AutoConnect = en
	return s
}
