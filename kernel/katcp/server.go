package katcp

import (
	"bufio"
	"context"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/meerkat-bl/bluse/kernel/engine"
	"github.com/meerkat-bl/bluse/kernel/model"
	"github.com/michaelquigley/pfxlog"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const (
	ProtocolVersion  = "5.0-IM"
	InterfaceVersion = "bluse-katcp-interface 1.0"
	BuildVersion     = "bluse-katcp-implementation 1.0"
)

// CommandHandler applies a lifecycle command. *engine.Coordinator satisfies it.
type CommandHandler interface {
	Handle(ctx context.Context, cmd engine.Command) error
}

type Config struct {
	Address        string
	RequestTimeout time.Duration
}

type requestFunc func(s *Server, ctx context.Context, req *Message, w *replyWriter)

type requestSpec struct {
	help string
	run  requestFunc
}

// Server accepts CAM connections and turns KATCP requests into lifecycle
// commands. Requests on one connection are handled in the order received.
type Server struct {
	cfg      Config
	handler  CommandHandler
	halt     func()
	requests map[string]requestSpec
	health   *deviceHealth
	started  time.Time

	mu       sync.Mutex
	listener net.Listener
	conns    map[net.Conn]struct{}
	wg       sync.WaitGroup
	ready    chan struct{}
}

// NewServer builds a server; halt, if set, is called after replying to ?halt.
func NewServer(cfg Config, handler CommandHandler, halt func()) *Server {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	now := time.Now()
	s := &Server{
		cfg:     cfg,
		handler: handler,
		halt:    halt,
		health:  newDeviceHealth(now),
		started: now,
		conns:   make(map[net.Conn]struct{}),
		ready:   make(chan struct{}),
	}
	s.requests = map[string]requestSpec{
		"configure": {
			help: "Receive metadata for an upcoming observation (?configure product_id antennas_csv n_channels streams_json proxy_name).",
			run:  (*Server).configure,
		},
		"capture-init":  lifecycleRequest(model.EventCaptureInit, "Signal that an observation will start soon (?capture-init product_id)."),
		"capture-start": lifecycleRequest(model.EventCaptureStart, "Signal that data capture is starting (?capture-start product_id)."),
		"capture-stop":  lifecycleRequest(model.EventCaptureStop, "Signal that data capture has stopped (?capture-stop product_id)."),
		"capture-done":  lifecycleRequest(model.EventCaptureDone, "Signal that the observation is done (?capture-done product_id)."),
		"deconfigure":   lifecycleRequest(model.EventDeconfigure, "Release the data product (?deconfigure product_id)."),
		"help":          {help: "List requests or describe one (?help [name]).", run: (*Server).help},
		"watchdog":      {help: "Check that the server is alive.", run: (*Server).watchdog},
		"halt":          {help: "Halt the server.", run: (*Server).haltRequest},
		"version-list":  {help: "List versions of the server components.", run: (*Server).versionList},
		"sensor-list":   {help: "List device sensors or describe one (?sensor-list [name]).", run: (*Server).sensorList},
		"sensor-value":  {help: "Read device sensors or one of them (?sensor-value [name]).", run: (*Server).sensorValue},
	}
	return s
}

// Addr blocks until ListenAndServe has tried to bind and returns the bound
// address, or nil if binding failed.
func (s *Server) Addr() net.Addr {
	<-s.ready
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// ListenAndServe serves until ctx is cancelled, then closes every connection.
func (s *Server) ListenAndServe(ctx context.Context) error {
	l, err := net.Listen("tcp", s.cfg.Address)
	if err != nil {
		close(s.ready)
		return errors.Wrapf(err, "listening on [%s]", s.cfg.Address)
	}
	s.mu.Lock()
	s.listener = l
	s.mu.Unlock()
	close(s.ready)

	log := pfxlog.Logger().WithField("address", l.Addr().String())
	log.Info("katcp server listening")

	go func() {
		<-ctx.Done()
		_ = l.Close()
		s.mu.Lock()
		for c := range s.conns {
			_ = c.Close()
		}
		s.mu.Unlock()
	}()

	for {
		conn, err := l.Accept()
		if err != nil {
			if ctx.Err() != nil {
				s.wg.Wait()
				log.Info("katcp server stopped")
				return nil
			}
			return errors.Wrap(err, "accepting katcp connection")
		}
		s.mu.Lock()
		s.conns[conn] = struct{}{}
		s.mu.Unlock()
		if ctx.Err() != nil {
			_ = conn.Close()
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.serveConn(ctx, conn)
			s.mu.Lock()
			delete(s.conns, conn)
			s.mu.Unlock()
		}()
	}
}

type replyWriter struct {
	mu  sync.Mutex
	w   *bufio.Writer
	log *logrus.Entry
}

func (w *replyWriter) send(m *Message) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, err := w.w.WriteString(m.String() + "\n"); err != nil {
		w.log.WithError(err).Debug("failed to write katcp message")
		return
	}
	if err := w.w.Flush(); err != nil {
		w.log.WithError(err).Debug("failed to write katcp message")
	}
}

func (s *Server) serveConn(ctx context.Context, conn net.Conn) {
	defer func() { _ = conn.Close() }()
	log := pfxlog.Logger().WithField("client", conn.RemoteAddr().String())
	log.Info("katcp client connected")

	w := &replyWriter{w: bufio.NewWriter(conn), log: log}
	w.send(&Message{Type: Inform, Name: "version-connect", Args: []string{"katcp-protocol", ProtocolVersion}})
	w.send(&Message{Type: Inform, Name: "version-connect", Args: strings.SplitN(InterfaceVersion, " ", 2)})
	w.send(&Message{Type: Inform, Name: "version-connect", Args: strings.SplitN(BuildVersion, " ", 2)})

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		msg, err := ParseMessage(line)
		if err != nil {
			log.WithError(err).Warn("discarding malformed katcp message")
			w.send(&Message{Type: Inform, Name: "log", Args: []string{"warn", err.Error()}})
			continue
		}
		if msg.Type != Request {
			continue
		}
		s.dispatch(ctx, msg, w)
	}
	log.Info("katcp client disconnected")
}

func (s *Server) dispatch(ctx context.Context, req *Message, w *replyWriter) {
	entry, found := s.requests[req.Name]
	if !found {
		w.send(NewReply(req, StatusInvalid, "Unknown request."))
		return
	}
	reqCtx, cancel := context.WithTimeout(ctx, s.cfg.RequestTimeout)
	defer cancel()
	entry.run(s, reqCtx, req, w)
}

func fail(req *Message, err error) *Message {
	return NewReply(req, StatusFail, err.Error())
}

func (s *Server) run(ctx context.Context, req *Message, w *replyWriter, cmd engine.Command) {
	err := s.handler.Handle(ctx, cmd)
	s.health.record(err, time.Now())
	if err != nil {
		w.send(fail(req, err))
		return
	}
	w.send(NewReply(req, StatusOK))
}

func (s *Server) configure(ctx context.Context, req *Message, w *replyWriter) {
	if len(req.Args) != 5 {
		w.send(fail(req, errors.Errorf("configure expects 5 arguments, got %d", len(req.Args))))
		return
	}
	id := model.ProductID(req.Args[0])
	nChannels, err := strconv.Atoi(req.Args[2])
	if err != nil {
		w.send(fail(req, model.NewCommandError(model.MalformedInput, id, errors.Errorf("n_channels [%s] is not an integer", req.Args[2]))))
		return
	}
	s.run(ctx, req, w, engine.Command{
		Event:   model.EventConfigure,
		Product: id,
		Configure: &engine.ConfigureArgs{
			Antennas:  req.Args[1],
			NChannels: nChannels,
			Streams:   req.Args[3],
			ProxyName: req.Args[4],
		},
	})
}

func lifecycleRequest(ev model.Event, help string) requestSpec {
	return requestSpec{
		help: help,
		run: func(s *Server, ctx context.Context, req *Message, w *replyWriter) {
			if len(req.Args) != 1 {
				w.send(fail(req, errors.Errorf("%s expects 1 argument, got %d", ev, len(req.Args))))
				return
			}
			s.run(ctx, req, w, engine.Command{Event: ev, Product: model.ProductID(req.Args[0])})
		},
	}
}

func (s *Server) help(_ context.Context, req *Message, w *replyWriter) {
	var names []string
	if len(req.Args) > 0 {
		if _, found := s.requests[req.Args[0]]; !found {
			w.send(fail(req, errors.Errorf("unknown request [%s]", req.Args[0])))
			return
		}
		names = []string{req.Args[0]}
	} else {
		for name := range s.requests {
			names = append(names, name)
		}
		sort.Strings(names)
	}
	for _, name := range names {
		w.send(NewInform(req, name, s.requests[name].help))
	}
	w.send(NewReply(req, StatusOK, strconv.Itoa(len(names))))
}

func (s *Server) watchdog(_ context.Context, req *Message, w *replyWriter) {
	w.send(NewReply(req, StatusOK))
}

func (s *Server) versionList(_ context.Context, req *Message, w *replyWriter) {
	versions := [][]string{
		{"katcp-protocol", ProtocolVersion},
		strings.SplitN(InterfaceVersion, " ", 2),
		strings.SplitN(BuildVersion, " ", 2),
	}
	for _, v := range versions {
		w.send(NewInform(req, v...))
	}
	w.send(NewReply(req, StatusOK, strconv.Itoa(len(versions))))
}

func (s *Server) haltRequest(_ context.Context, req *Message, w *replyWriter) {
	w.send(NewReply(req, StatusOK))
	pfxlog.Logger().Warn("halt requested over katcp")
	if s.halt != nil {
		s.halt()
	}
}
