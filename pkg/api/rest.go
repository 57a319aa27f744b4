package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/crystal-mush/gojails/pkg/jail"
	"github.com/crystal-mush/gojails/pkg/jaildb"
	"github.com/crystal-mush/gojails/pkg/scheduler"
)

// registerRESTRoutes registers all REST API endpoints. Every route requires
// an operator token.
func (s *Server) registerRESTRoutes() {
	routes := []struct {
		pattern string
		h       http.HandlerFunc
	}{
		{"GET /api/v1/stats", s.handleStats},

		{"GET /api/v1/cells", s.handleListCells},
		{"GET /api/v1/cells/{name}", s.handleGetCell},
		{"PUT /api/v1/cells/{name}", s.handlePutCell},
		{"DELETE /api/v1/cells/{name}", s.handleDeleteCell},

		{"GET /api/v1/confinements", s.handleListConfinements},
		{"GET /api/v1/confinements/{subject}", s.handleGetConfinement},
		{"PUT /api/v1/confinements/{subject}", s.handleConfine},
		{"DELETE /api/v1/confinements/{subject}", s.handleRelease},
		{"POST /api/v1/confinements/{subject}/extend", s.handleExtend},
		{"POST /api/v1/confinements/{subject}/timed", s.handleConvertToTimed},
		{"POST /api/v1/confinements/{subject}/indefinite", s.handleMakeIndefinite},
		{"POST /api/v1/confinements/{subject}/relocate", s.handleRelocate},
	}
	for _, rt := range routes {
		s.mux.Handle(rt.pattern, authMiddleware(s.auth, rateLimit(s.rl, 0, rt.h)))
	}
}

// --- wire types ---

type locationJSON struct {
	World string  `json:"world"`
	X     float64 `json:"x"`
	Y     float64 `json:"y"`
	Z     float64 `json:"z"`
	Yaw   float32 `json:"yaw"`
	Pitch float32 `json:"pitch"`
}

func toLocationJSON(l jaildb.Location) locationJSON {
	return locationJSON{World: l.World, X: l.X, Y: l.Y, Z: l.Z, Yaw: l.Yaw, Pitch: l.Pitch}
}

func (l locationJSON) location() jaildb.Location {
	return jaildb.Location{World: l.World, X: l.X, Y: l.Y, Z: l.Z, Yaw: l.Yaw, Pitch: l.Pitch}
}

type cellJSON struct {
	Name      string       `json:"name"`
	Key       string       `json:"key"`
	Location  locationJSON `json:"location"`
	Occupants int          `json:"occupants"`
}

type timerJSON struct {
	State     string    `json:"state"`
	At        time.Time `json:"at"`
	Attempts  int       `json:"attempts,omitempty"`
	LastError string    `json:"last_error,omitempty"`
}

type confinementJSON struct {
	Subject          jaildb.SubjectID `json:"subject"`
	SubjectName      string           `json:"subject_name,omitempty"`
	Cell             string           `json:"cell"`
	CellMissing      bool             `json:"cell_missing,omitempty"`
	Return           locationJSON     `json:"return"`
	ReturnUnknown    bool             `json:"return_unknown,omitempty"`
	JailedAt         time.Time        `json:"jailed_at"`
	ReleaseAt        *time.Time       `json:"release_at"`
	Indefinite       bool             `json:"indefinite"`
	RemainingSeconds float64          `json:"remaining_seconds"`
	OriginalDuration string           `json:"original_duration,omitempty"`
	JailedBy         string           `json:"jailed_by,omitempty"`
	Frozen           []byte           `json:"frozen,omitempty"`
	Timer            *timerJSON       `json:"timer,omitempty"`
}

func toConfinementJSON(c jaildb.Confinement, now time.Time) confinementJSON {
	out := confinementJSON{
		Subject:          c.Subject,
		SubjectName:      c.SubjectName,
		Cell:             c.CellName,
		CellMissing:      !c.CellResolved(),
		Return:           toLocationJSON(c.Return),
		ReturnUnknown:    c.ReturnUnknown,
		JailedAt:         c.JailedAt,
		ReleaseAt:        c.ReleaseAt,
		Indefinite:       c.Indefinite(),
		RemainingSeconds: c.Remaining(now).Seconds(),
		JailedBy:         c.JailedBy,
		Frozen:           c.Frozen,
	}
	if c.OriginalDuration > 0 {
		out.OriginalDuration = c.OriginalDuration.String()
	}
	return out
}

func toTimerJSON(info scheduler.Info) *timerJSON {
	t := &timerJSON{State: info.State.String(), At: info.At, Attempts: info.Attempts}
	if info.LastErr != nil {
		t.LastError = info.LastErr.Error()
	}
	return t
}

// duration accepts "1h30m" or a number of seconds.
type duration time.Duration

func (d *duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		v, err := time.ParseDuration(s)
		if err != nil {
			return err
		}
		*d = duration(v)
		return nil
	}
	var secs float64
	if err := json.Unmarshal(b, &secs); err != nil {
		return fmt.Errorf("duration must be a string like \"1h30m\" or a number of seconds")
	}
	v, err := jaildb.DurationFromSeconds(secs)
	if err != nil {
		return err
	}
	*d = duration(v)
	return nil
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(v); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return false
	}
	return true
}

func pathSubject(w http.ResponseWriter, r *http.Request) (jaildb.SubjectID, bool) {
	id, err := jaildb.ParseSubject(r.PathValue("subject"))
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return id, false
	}
	return id, true
}

// --- stats ---

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	st := s.reg.Stats()
	writeJSON(w, http.StatusOK, map[string]any{
		"cells":           st.Cells,
		"confinements":    st.Confinements,
		"indefinite":      st.Indefinite,
		"unresolved":      st.Unresolved,
		"notify_failures": st.NotifyFailures,
		"unsaved":         st.Unsaved,
		"scheduler": map[string]int{
			"scheduled":           st.Scheduler.Scheduled,
			"firing":              st.Scheduler.Firing,
			"retrying":            st.Scheduler.Retrying,
			"persistent_failures": st.Scheduler.PersistentFailures,
			"alerts":              st.Scheduler.Alerts,
		},
	})
}

// --- cells ---

func (s *Server) cellJSON(c jaildb.Cell) cellJSON {
	return cellJSON{
		Name:      c.Name,
		Key:       c.Key(),
		Location:  toLocationJSON(c.Location),
		Occupants: len(s.reg.Occupants(c.Name)),
	}
}

func (s *Server) handleListCells(w http.ResponseWriter, r *http.Request) {
	cells := s.reg.ListCells()
	out := make([]cellJSON, 0, len(cells))
	for _, c := range cells {
		out = append(out, s.cellJSON(c))
	}
	writeJSON(w, http.StatusOK, map[string]any{"cells": out, "count": len(out)})
}

func (s *Server) handleGetCell(w http.ResponseWriter, r *http.Request) {
	c, ok := s.reg.Cell(r.PathValue("name"))
	if !ok {
		writeError(w, fmt.Errorf("%w: %q", jaildb.ErrUnknownCell, r.PathValue("name")))
		return
	}
	writeJSON(w, http.StatusOK, s.cellJSON(c))
}

func (s *Server) handlePutCell(w http.ResponseWriter, r *http.Request) {
	var req locationJSON
	if !decodeBody(w, r, &req) {
		return
	}
	if req.World == "" {
		writeJSONError(w, http.StatusBadRequest, "world is required")
		return
	}
	c, err := s.reg.DefineCell(r.Context(), r.PathValue("name"), req.location())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.cellJSON(c))
}

func (s *Server) handleDeleteCell(w http.ResponseWriter, r *http.Request) {
	force, _ := strconv.ParseBool(r.URL.Query().Get("force"))
	c, cleared, err := s.reg.RemoveCell(r.Context(), r.PathValue("name"), force)
	if err != nil {
		writeError(w, err)
		return
	}
	if cleared == nil {
		cleared = []jaildb.SubjectID{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"cell":    cellJSON{Name: c.Name, Key: c.Key(), Location: toLocationJSON(c.Location)},
		"cleared": cleared,
	})
}

// --- confinements ---

func (s *Server) confinementJSON(c jaildb.Confinement, withTimer bool) confinementJSON {
	out := toConfinementJSON(c, s.reg.Now())
	if withTimer {
		if info, ok := s.reg.Timer(c.Subject); ok {
			out.Timer = toTimerJSON(info)
		}
	}
	return out
}

func (s *Server) handleListConfinements(w http.ResponseWriter, r *http.Request) {
	cell := r.URL.Query().Get("cell")
	all := s.reg.ListConfinements()
	out := make([]confinementJSON, 0, len(all))
	for _, c := range all {
		if cell != "" && c.CellName != jaildb.CellKey(cell) {
			continue
		}
		out = append(out, s.confinementJSON(c, false))
	}
	writeJSON(w, http.StatusOK, map[string]any{"confinements": out, "count": len(out)})
}

func (s *Server) handleGetConfinement(w http.ResponseWriter, r *http.Request) {
	id, ok := pathSubject(w, r)
	if !ok {
		return
	}
	c, ok := s.reg.Lookup(id)
	if !ok {
		writeError(w, fmt.Errorf("%w: %s", jaildb.ErrNotConfined, id))
		return
	}
	writeJSON(w, http.StatusOK, s.confinementJSON(c, true))
}

type confineBody struct {
	SubjectName     string        `json:"subject_name"`
	Cell            string        `json:"cell"`
	Duration        *duration     `json:"duration"` // absent = indefinite
	Return          *locationJSON `json:"return"`
	ReturnUnknown   bool          `json:"return_unknown"` // position not known; the backup location is used
	Frozen          []byte        `json:"frozen"`
	JailedBy        string        `json:"jailed_by"`
	OverwriteReturn bool          `json:"overwrite_return"`
}

func (s *Server) handleConfine(w http.ResponseWriter, r *http.Request) {
	id, ok := pathSubject(w, r)
	if !ok {
		return
	}
	var body confineBody
	if !decodeBody(w, r, &body) {
		return
	}
	if body.Return == nil && !body.ReturnUnknown {
		writeJSONError(w, http.StatusBadRequest, "return location is required unless return_unknown is set")
		return
	}
	req := jail.ConfineRequest{
		Subject:         id,
		SubjectName:     body.SubjectName,
		Cell:            body.Cell,
		Indefinite:      body.Duration == nil,
		ReturnUnknown:   body.ReturnUnknown,
		Frozen:          body.Frozen,
		JailedBy:        body.JailedBy,
		OverwriteReturn: body.OverwriteReturn,
	}
	if body.Return != nil {
		req.Return = body.Return.location()
	}
	if body.Duration != nil {
		req.Duration = time.Duration(*body.Duration)
	}
	if req.JailedBy == "" {
		if claims := ClaimsFromContext(r.Context()); claims != nil {
			req.JailedBy = claims.Operator
		}
	}
	_, existed := s.reg.Lookup(id)
	c, err := s.reg.Confine(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	status := http.StatusCreated
	if existed {
		status = http.StatusOK
	}
	writeJSON(w, status, s.confinementJSON(c, true))
}

func (s *Server) handleRelease(w http.ResponseWriter, r *http.Request) {
	id, ok := pathSubject(w, r)
	if !ok {
		return
	}
	c, err := s.reg.Release(r.Context(), id, jaildb.ReleaseManual)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.confinementJSON(c, false))
}

func (s *Server) handleExtend(w http.ResponseWriter, r *http.Request) {
	id, ok := pathSubject(w, r)
	if !ok {
		return
	}
	var body struct {
		Delta *duration `json:"delta"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if body.Delta == nil {
		writeJSONError(w, http.StatusBadRequest, "delta is required")
		return
	}
	c, err := s.reg.Extend(r.Context(), id, time.Duration(*body.Delta))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.confinementJSON(c, true))
}

func (s *Server) handleConvertToTimed(w http.ResponseWriter, r *http.Request) {
	id, ok := pathSubject(w, r)
	if !ok {
		return
	}
	var body struct {
		Duration *duration `json:"duration"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if body.Duration == nil {
		writeJSONError(w, http.StatusBadRequest, "duration is required")
		return
	}
	c, err := s.reg.ConvertToTimed(r.Context(), id, time.Duration(*body.Duration))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.confinementJSON(c, true))
}

func (s *Server) handleMakeIndefinite(w http.ResponseWriter, r *http.Request) {
	id, ok := pathSubject(w, r)
	if !ok {
		return
	}
	c, err := s.reg.MakeIndefinite(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.confinementJSON(c, true))
}

func (s *Server) handleRelocate(w http.ResponseWriter, r *http.Request) {
	id, ok := pathSubject(w, r)
	if !ok {
		return
	}
	var body struct {
		Cell string `json:"cell"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	c, err := s.reg.Relocate(r.Context(), id, body.Cell)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.confinementJSON(c, true))
}
