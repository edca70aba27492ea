// Package diag exposes a strictly read-only, opt-in HTTP diagnostics
// surface: the current status report, modal state, and the list of
// bound routes, all as GET endpoints. It is deliberately not a control
// surface — spec.md's Non-goals exclude networked control and treat
// transport as an external collaborator named only by its interface, so
// this package never binds a POST/PUT route; the only way to move the
// machine remains the `link` serial protocol.
//
// Grounded on generichttp/motion's chi-routed handler shape
// (generichttp/motion/mover.go, inpos.go, sync.go: a small interface, an
// http.HandlerFunc factory closing over it, a route-table-adding
// function) for individual handlers, and on server.Mainframe/RouteTable
// (server/server.go) for the route-listing idiom — adapted from that
// package's plain net/http.HandleFunc dispatch to go-chi/chi's Router
// since every other use of RouteTable-shaped code in this teacher's
// corpus that still compiles against its current generichttp/motion
// subpackage has already moved to chi.
package diag

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi"

	"github.com/nasa-jpl/cncmotion/axis"
	"github.com/nasa-jpl/cncmotion/gcode"
	"github.com/nasa-jpl/cncmotion/system"
)

// StatusPayload is the JSON rendering of a status report, the same
// fields link.BuildStatusReport packs into its text line, offered here
// as structured data for a diagnostics dashboard instead of a terminal.
// MPos is keyed by axis.Names rather than positional, since a dashboard
// client has no other way to know which array slot is which axis.
type StatusPayload struct {
	State    string             `json:"state"`
	MPos     map[string]float64 `json:"mpos"`
	FeedRate float64            `json:"feed_rate"`
}

// ModalPayload mirrors gcode.State, the fields a diagnostics client would
// want to poll without parsing a raw status line.
type ModalPayload struct {
	Motion       string `json:"motion"`
	Distance     string `json:"distance"`
	Units        string `json:"units"`
	Plane        string `json:"plane"`
	FeedRateMode string `json:"feed_rate_mode"`
	CoordSystem  int    `json:"coord_system"`
}

// Server binds the diagnostics routes onto a chi.Router for the given
// executor. It holds no state of its own beyond the executor reference;
// Router() is safe to call once and mount under any prefix.
type Server struct {
	Exec *system.Executor
}

// New returns a diagnostics Server bound to exec.
func New(exec *system.Executor) *Server {
	return &Server{Exec: exec}
}

// Router builds the chi.Router exposing /status, /modal, and /routes.
// It is intentionally GET-only: see the package doc.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Get("/status", s.handleStatus)
	r.Get("/modal", s.handleModal)
	r.Get("/routes", s.handleRoutes)
	return r
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	pos := s.Exec.Plan.MachinePosition()
	mpos := make(map[string]float64, axis.Max)
	for i, name := range axis.Names {
		mpos[string(name)] = pos[i]
	}
	payload := StatusPayload{
		State:    s.Exec.State().String(),
		MPos:     mpos,
		FeedRate: s.Exec.Parser.State.FeedRate,
	}
	writeJSON(w, payload)
}

func (s *Server) handleModal(w http.ResponseWriter, r *http.Request) {
	st := s.Exec.Parser.State
	payload := ModalPayload{
		Motion:       motionName(st.Motion),
		Distance:     distanceName(st.Distance),
		Units:        unitsName(st.Units),
		Plane:        "G17", // this build fixes the XY plane, see gcode/block.go
		FeedRateMode: feedRateModeName(st.FeedRateMode),
		CoordSystem:  st.CoordSelect,
	}
	writeJSON(w, payload)
}

// handleRoutes lists the bound routes, the same "know what you can ask
// for" convenience server.Mainframe.RouteGraph and its
// /route-graph route offer (server/server.go).
func (s *Server) handleRoutes(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, []string{"/status", "/modal", "/routes"})
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(v)
}

func motionName(m gcode.MotionMode) string {
	switch m {
	case gcode.MotionSeek:
		return "seek"
	case gcode.MotionLinear:
		return "linear"
	case gcode.MotionCWArc:
		return "cw_arc"
	case gcode.MotionCCWArc:
		return "ccw_arc"
	case gcode.MotionProbeToward, gcode.MotionProbeTowardNoError, gcode.MotionProbeAway, gcode.MotionProbeAwayNoError:
		return "probe"
	case gcode.MotionNone:
		return "none"
	default:
		return "unknown"
	}
}

func distanceName(d gcode.Distance) string {
	if d == gcode.DistanceIncremental {
		return "incremental"
	}
	return "absolute"
}

func unitsName(u gcode.Units) string {
	if u == gcode.UnitsInch {
		return "inches"
	}
	return "mm"
}

func feedRateModeName(f gcode.FeedRateMode) string {
	if f == gcode.FeedRateInverseTime {
		return "inverse_time"
	}
	return "units_per_minute"
}
