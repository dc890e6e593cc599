package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/docopt/docopt-go"
	"github.com/golang/glog"
	"github.com/grandcat/zeroconf"

	"collabtext/internal/config"
	"collabtext/internal/gossip"
	"collabtext/internal/session"
)

const AgentVersion = "0.1.0"

func main() {
	usage := `CollabText agent. A peer in a shared plain text document.

Lines typed on stdin are appended to the document. Commands:
    :ins <pos> <text>     insert text at a position
    :del <pos> <n>        delete n chars at a position
    :cursor [<a> <h>]     set or clear the selection
    :text                 print the document
    :peers                print who is present
    :leave                leave the session
    :create               start a new session
    :join [<addr>]        join a session
    :quit                 leave and exit

Usage:
    agent create --name=<name> [options]
    agent join --name=<name> [--peer=<addr>] [options]
    agent -h | --help
    agent --version

Options:
    -h --help                Show this screen.
    --version                Show version.
    --name=<name>            Name shown to the other peers.
    --peer=<addr>            Comma separated peer addresses to join through.
                             With the mesh transport, peers are looked up on
                             the local network when omitted.
    --transport=<transport>  mesh, redis or memory.
    --listen=<addr>          Mesh listen address.
    --redis=<addr>           Redis address for the redis transport.
    --topic=<topic>          Hex encoded 32 byte topic.
    --advertise              Advertise the mesh listener over mDNS.
    --v=<level>              Log verbosity [default: 0].`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], AgentVersion)
	if err != nil {
		panic(err)
	}

	flag.Set("logtostderr", "true")
	if v, _ := opts.String("--v"); v != "" {
		flag.Set("v", v)
	}
	defer glog.Flush()

	cfg, err := config.FromEnv()
	if err != nil {
		glog.Exitf("[agent]config error = %s\n", err)
	}
	if transport, _ := opts.String("--transport"); transport != "" {
		cfg.Transport = transport
	}
	if listen, _ := opts.String("--listen"); listen != "" {
		cfg.ListenAddr = listen
	}
	if redisAddr, _ := opts.String("--redis"); redisAddr != "" {
		cfg.RedisAddr = redisAddr
	}
	if topic, _ := opts.String("--topic"); topic != "" {
		cfg.Topic, err = gossip.ParseTopicID(topic)
		if err != nil {
			glog.Exitf("[agent]--topic = %s\n", err)
		}
	}
	if err := cfg.Validate(); err != nil {
		glog.Exitf("[agent]config error = %s\n", err)
	}
	bind, err := cfg.Binder()
	if err != nil {
		glog.Exitf("[agent]config error = %s\n", err)
	}

	name, _ := opts.String("--name")
	advertise, _ := opts.Bool("--advertise")
	term := newTerminal(cfg, name, advertise)
	app := session.NewApp(cfg, bind, term.requestRedraw)
	term.app = app
	go term.render()

	if join, _ := opts.Bool("join"); join {
		peerAddr, _ := opts.String("--peer")
		term.join(peerAddr)
	} else {
		app.BeginSession(name, "")
	}

	term.readCommands(os.Stdin)

	app.Wait()
	app.BeginLeave()
	app.Wait()
	term.stopAdvertising()
}

// terminal is a line based front-end. Changes are printed as they happen.
type terminal struct {
	cfg       config.Config
	app       *session.App
	name      string
	advertise bool
	redraw    chan struct{}

	stateLock  sync.Mutex
	current    *session.Session
	lastText   string
	lastErr    error
	advertiser *zeroconf.Server
}

func newTerminal(cfg config.Config, name string, advertise bool) *terminal {
	return &terminal{
		cfg:       cfg,
		name:      name,
		advertise: advertise,
		redraw:    make(chan struct{}, 1),
	}
}

func (t *terminal) requestRedraw() {
	select {
	case t.redraw <- struct{}{}:
	default:
	}
}

func (t *terminal) render() {
	for range t.redraw {
		t.draw()
	}
}

func (t *terminal) draw() {
	t.stateLock.Lock()
	defer t.stateLock.Unlock()

	switch state := t.app.State().(type) {
	case session.NotInSession:
		if t.current != nil {
			fmt.Println("-- left the session")
			t.current = nil
			t.lastText = ""
			t.stopAdvertisingLocked()
		}
		if err := t.app.LastError(); err != nil && err != t.lastErr {
			fmt.Printf("-- could not start the session: %s\n", err)
		}
		t.lastErr = t.app.LastError()
	case session.Establishing:
	case session.InSession:
		s := state.Session
		if t.current != s {
			t.current = s
			t.lastText = ""
			fmt.Printf("-- in session as %s (%s), peers can join with --peer=%s\n", s.Name(), s.ID().Short(), s.Addr())
			t.startAdvertisingLocked(s)
		}
		if text := s.Text(); text != t.lastText {
			t.lastText = text
			fmt.Printf("----\n%s\n----\n", text)
		}
		if s.TakeCursorsDirty() {
			for _, c := range s.Cursors() {
				glog.V(1).Infof("[agent]%s cursor %d..%d\n", c.Name, c.Anchor, c.Head)
			}
		}
		if err := s.Err(); err != nil && err != t.lastErr {
			t.lastErr = err
			fmt.Printf("-- sync stopped: %s (use :leave)\n", err)
		}
	}
}

func (t *terminal) startAdvertisingLocked(s *session.Session) {
	if !t.advertise {
		return
	}
	mesh, ok := s.Transport().(*gossip.Mesh)
	if !ok {
		return
	}
	server, err := gossip.Advertise(t.cfg.Service, s.ID(), mesh.Port())
	if err != nil {
		glog.Warningf("[agent]advertise error = %s\n", err)
		return
	}
	t.advertiser = server
}

func (t *terminal) stopAdvertisingLocked() {
	if t.advertiser != nil {
		t.advertiser.Shutdown()
		t.advertiser = nil
	}
}

func (t *terminal) stopAdvertising() {
	t.stateLock.Lock()
	defer t.stateLock.Unlock()
	t.stopAdvertisingLocked()
}

// join starts joining through peerAddr, or through peers found on the local
// network when it is empty.
func (t *terminal) join(peerAddr string) {
	if peerAddr == "" && t.cfg.Transport == config.TransportMesh {
		fmt.Println("-- looking for peers on the local network")
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		addrs, err := gossip.Browse(ctx, t.cfg.Service)
		cancel()
		if err != nil {
			glog.Warningf("[agent]browse error = %s\n", err)
		}
		if len(addrs) == 0 {
			fmt.Println("-- no peers found, use :join <addr>")
			return
		}
		peerAddr = strings.Join(addrs, ",")
	}
	t.app.SetLobby(session.Lobby{JoinExisting: true, NameInput: t.name, PeerInput: peerAddr})
	t.app.BeginSession(t.name, peerAddr)
}

func (t *terminal) session() *session.Session {
	if state, ok := t.app.State().(session.InSession); ok {
		return state.Session
	}
	return nil
}

func (t *terminal) readCommands(in *os.File) {
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, ":") {
			if s := t.session(); s != nil {
				report(s.Insert(s.Len(), line+"\n"))
			}
			continue
		}
		fields := strings.Fields(line)
		switch fields[0] {
		case ":quit":
			return
		case ":create":
			t.app.BeginSession(t.name, "")
		case ":join":
			addr := ""
			if 1 < len(fields) {
				addr = fields[1]
			}
			go t.join(addr)
		case ":leave":
			t.app.BeginLeave()
		case ":text":
			if s := t.session(); s != nil {
				fmt.Println(s.Text())
			}
		case ":peers":
			if s := t.session(); s != nil {
				for _, entry := range s.Peers() {
					fmt.Printf("%s %s\n", entry.Record.Peer.Short(), entry.Record.Name)
				}
			}
		case ":ins":
			s := t.session()
			args, text, ok := splitCommand(line, 2)
			if s == nil || !ok || text == "" {
				continue
			}
			pos, err := strconv.Atoi(args[1])
			if err != nil {
				report(err)
				continue
			}
			report(s.Insert(pos, text))
		case ":del":
			s := t.session()
			if s == nil || len(fields) < 3 {
				continue
			}
			pos, err1 := strconv.Atoi(fields[1])
			n, err2 := strconv.Atoi(fields[2])
			if err1 != nil || err2 != nil {
				report(fmt.Errorf("usage: :del <pos> <n>"))
				continue
			}
			report(s.Delete(pos, n))
		case ":cursor":
			s := t.session()
			if s == nil {
				continue
			}
			if len(fields) < 3 {
				s.ClearCursor()
				continue
			}
			anchor, err1 := strconv.Atoi(fields[1])
			head, err2 := strconv.Atoi(fields[2])
			if err1 != nil || err2 != nil {
				report(fmt.Errorf("usage: :cursor <anchor> <head>"))
				continue
			}
			s.SetCursor(anchor, head)
		default:
			fmt.Printf("-- unknown command %s\n", fields[0])
		}
	}
}

// splitCommand takes n whitespace separated fields off the front of line and
// returns them with the rest of the line. One separator after the last field
// is dropped; the rest keeps its spacing.
func splitCommand(line string, n int) ([]string, string, bool) {
	fields := make([]string, 0, n)
	rest := line
	for len(fields) < n {
		rest = strings.TrimLeftFunc(rest, unicode.IsSpace)
		if rest == "" {
			return nil, "", false
		}
		end := strings.IndexFunc(rest, unicode.IsSpace)
		if end < 0 {
			end = len(rest)
		}
		fields = append(fields, rest[:end])
		rest = rest[end:]
	}
	if rest != "" {
		_, size := utf8.DecodeRuneInString(rest)
		rest = rest[size:]
	}
	return fields, rest, true
}

func report(err error) {
	if err != nil {
		fmt.Printf("-- %s\n", err)
	}
}
