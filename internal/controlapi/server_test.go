package controlapi

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"predictcoord/internal/coordinator"
	"predictcoord/pkg/types"
)

type fakeSubmitter struct {
	submitted []types.ControlCommand
	accept    bool
	state     coordinator.GlobalState
}

func (f *fakeSubmitter) SubmitControl(cmd types.ControlCommand) bool {
	f.submitted = append(f.submitted, cmd)
	return f.accept
}

func (f *fakeSubmitter) State() coordinator.GlobalState {
	return f.state
}

func newTestServer(f *fakeSubmitter) *Server {
	logger := slog.New(slog.NewTextHandler(bytes.NewBuffer(nil), nil))
	return NewServer(f, ":0", logger)
}

func TestHandleControlPauseAll(t *testing.T) {
	t.Parallel()
	f := &fakeSubmitter{accept: true}
	s := newTestServer(f)

	body, _ := json.Marshal(controlRequest{Kind: "pause"})
	req := httptest.NewRequest(http.MethodPost, "/control", bytes.NewReader(body))
	w := httptest.NewRecorder()
	s.handleControl(w, req)

	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusAccepted)
	}
	if len(f.submitted) != 1 || f.submitted[0].Kind != types.CmdPauseAll {
		t.Fatalf("submitted = %+v, want one CmdPauseAll", f.submitted)
	}
}

func TestHandleControlPauseDomain(t *testing.T) {
	t.Parallel()
	f := &fakeSubmitter{accept: true}
	s := newTestServer(f)

	body, _ := json.Marshal(controlRequest{Kind: "resume", Domain: "sports"})
	req := httptest.NewRequest(http.MethodPost, "/control", bytes.NewReader(body))
	w := httptest.NewRecorder()
	s.handleControl(w, req)

	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusAccepted)
	}
	got := f.submitted[0]
	if got.Kind != types.CmdResumeDomain || got.Domain == nil || got.Domain.Kind != types.DomainSports {
		t.Fatalf("submitted = %+v, want CmdResumeDomain/sports", got)
	}
}

func TestHandleControlUnknownKind(t *testing.T) {
	t.Parallel()
	f := &fakeSubmitter{accept: true}
	s := newTestServer(f)

	body, _ := json.Marshal(controlRequest{Kind: "do-a-barrel-roll"})
	req := httptest.NewRequest(http.MethodPost, "/control", bytes.NewReader(body))
	w := httptest.NewRecorder()
	s.handleControl(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusBadRequest)
	}
	if len(f.submitted) != 0 {
		t.Fatalf("submitted = %+v, want none", f.submitted)
	}
}

func TestHandleControlChannelFull(t *testing.T) {
	t.Parallel()
	f := &fakeSubmitter{accept: false}
	s := newTestServer(f)

	body, _ := json.Marshal(controlRequest{Kind: "shutdown"})
	req := httptest.NewRequest(http.MethodPost, "/control", bytes.NewReader(body))
	w := httptest.NewRecorder()
	s.handleControl(w, req)

	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusServiceUnavailable)
	}
}

func TestHandleControlWrongMethod(t *testing.T) {
	t.Parallel()
	f := &fakeSubmitter{accept: true}
	s := newTestServer(f)

	req := httptest.NewRequest(http.MethodGet, "/control", nil)
	w := httptest.NewRecorder()
	s.handleControl(w, req)

	if w.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusMethodNotAllowed)
	}
}

func TestHandleStatus(t *testing.T) {
	t.Parallel()
	f := &fakeSubmitter{state: coordinator.GlobalState{Ingress: types.IngressRunning}}
	s := newTestServer(f)

	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	w := httptest.NewRecorder()
	s.handleStatus(w, req)

	var got coordinator.GlobalState
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if got.Ingress != types.IngressRunning {
		t.Errorf("Ingress = %v, want %v", got.Ingress, types.IngressRunning)
	}
}
