// Package web serves the robot's HTTP command surface: a control page, a JSON status endpoint
// and one GET route per command.
package web

import (
	"context"
	"embed"
	"encoding/json"
	"html/template"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/cors"
	"go.viam.com/utils"
	"goji.io"
	"goji.io/pat"

	"go.smars.dev/robot/components/sensor/ultrasonic"
	"go.smars.dev/robot/logging"
	"go.smars.dev/robot/robot/command"
	"go.smars.dev/robot/services/avoidance"
)

//go:embed templates/*.html
var templates embed.FS

// The Robot is what the server drives. Handlers submit commands and read status; the only
// hardware access is a fresh distance reading, which the robot refuses while its loop owns the sensor.
type Robot interface {
	Name() string
	Submit(cmd command.Command) bool
	Status() avoidance.Status
	FreshDistance(ctx context.Context) ultrasonic.Distance
}

// A Server is the HTTP front end of one robot.
type Server struct {
	robot  Robot
	logger logging.Logger
	page   *template.Template

	mu         sync.Mutex
	listener   net.Listener
	httpServer *http.Server
	cancelFunc context.CancelFunc
	webWorkers sync.WaitGroup
}

// New returns a server for r. Nothing listens until Start.
func New(r Robot, logger logging.Logger) *Server {
	return &Server{
		robot:  r,
		logger: logger,
		page:   template.Must(template.ParseFS(templates, "templates/*.html")),
	}
}

// Handler returns the routes of the server. Fixed routes are registered before the command
// route so that "status" is never read as a command name.
func (svc *Server) Handler() http.Handler {
	mux := goji.NewMux()
	mux.HandleFunc(pat.Get("/"), svc.handleIndex)
	mux.HandleFunc(pat.Get("/status"), svc.handleStatus)
	mux.HandleFunc(pat.Get("/distance"), svc.handleDistance)
	mux.HandleFunc(pat.Get("/commands"), svc.handleCommands)
	mux.HandleFunc(pat.Get("/route/:step"), svc.handleRoute)
	mux.HandleFunc(pat.Get("/:command"), svc.handleCommand)
	mux.HandleFunc(pat.Post("/:command"), svc.handleCommand)
	return cors.AllowAll().Handler(mux)
}

// Start listens on address and serves until ctx is done or Close is called.
func (svc *Server) Start(ctx context.Context, address string) error {
	svc.mu.Lock()
	defer svc.mu.Unlock()
	if svc.httpServer != nil {
		return errors.New("web server already started")
	}
	listener, err := net.Listen("tcp", address)
	if err != nil {
		return errors.Wrapf(err, "cannot listen on %q", address)
	}
	cancelCtx, cancelFunc := context.WithCancel(ctx)
	svc.cancelFunc = cancelFunc
	svc.listener = listener
	svc.httpServer = &http.Server{
		Handler:           svc.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	httpServer := svc.httpServer

	svc.webWorkers.Add(1)
	utils.PanicCapturingGo(func() {
		defer svc.webWorkers.Done()
		<-cancelCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			svc.logger.Errorw("error shutting down", "error", err)
		}
	})
	svc.webWorkers.Add(1)
	utils.PanicCapturingGo(func() {
		defer svc.webWorkers.Done()
		if err := httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			svc.logger.Errorw("error serving web", "error", err)
		}
	})
	svc.logger.Infow("serving web", "address", listener.Addr().String())
	return nil
}

// Address returns the address the server listens on, or "" before Start.
func (svc *Server) Address() string {
	svc.mu.Lock()
	defer svc.mu.Unlock()
	if svc.listener == nil {
		return ""
	}
	return svc.listener.Addr().String()
}

// Close stops serving and waits for in-flight requests.
func (svc *Server) Close() {
	svc.mu.Lock()
	if svc.cancelFunc != nil {
		svc.cancelFunc()
	}
	svc.mu.Unlock()
	svc.webWorkers.Wait()
}

func (svc *Server) report() avoidance.Report {
	return svc.robot.Status().Report(svc.robot.Name())
}

type pageData struct {
	avoidance.Report
	Autonomous bool
}

func (svc *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	rep := svc.report()
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	data := pageData{Report: rep, Autonomous: rep.Mode == avoidance.ModeAutonomous.String()}
	if err := svc.page.ExecuteTemplate(w, "index.html", data); err != nil {
		svc.logger.Warnw("cannot render control page", "error", err)
	}
}

func (svc *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	svc.writeJSON(w, http.StatusOK, svc.report())
}

func (svc *Server) handleDistance(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	d := svc.robot.Status().Distance
	if fresh, _ := strconv.ParseBool(r.URL.Query().Get("fresh")); fresh {
		d = svc.robot.FreshDistance(r.Context())
	}
	//nolint:errcheck
	w.Write([]byte(d.String()))
}

func (svc *Server) handleCommands(w http.ResponseWriter, r *http.Request) {
	svc.writeJSON(w, http.StatusOK, command.Names())
}

func (svc *Server) handleRoute(w http.ResponseWriter, r *http.Request) {
	step := pat.Param(r, "step")
	cmd, ok := command.Parse(step)
	if !ok || !isRouteCommand(cmd) {
		svc.notFound(w, r, "route/"+step)
		return
	}
	svc.submit(w, cmd)
}

func isRouteCommand(cmd command.Command) bool {
	switch cmd {
	case command.RouteAddForward, command.RouteAddLeft, command.RouteAddRight, command.RouteClear, command.RoutePlay:
		return true
	default:
		return false
	}
}

func (svc *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	name := pat.Param(r, "command")
	cmd, ok := command.Parse(name)
	if !ok {
		svc.notFound(w, r, name)
		return
	}
	svc.submit(w, cmd)
}

type commandResponse struct {
	Command string           `json:"command"`
	Status  avoidance.Report `json:"status"`
}

// submit queues cmd and answers with the status as it was when the command was queued. The
// command takes effect on the next control cycle.
func (svc *Server) submit(w http.ResponseWriter, cmd command.Command) {
	svc.robot.Submit(cmd)
	svc.logger.Debugw("command received", "command", cmd.String())
	svc.writeJSON(w, http.StatusAccepted, commandResponse{Command: cmd.String(), Status: svc.report()})
}

func (svc *Server) notFound(w http.ResponseWriter, r *http.Request, name string) {
	svc.logger.Warnw("unknown command", "command", name, "remote", r.RemoteAddr)
	svc.writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown command " + name})
}

func (svc *Server) writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		svc.logger.Debugw("cannot write response", "error", err)
	}
}
