package party_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/claudmaster/internal/campaign"
	"github.com/MrWong99/claudmaster/internal/party"
	"github.com/MrWong99/claudmaster/internal/perm"
	"github.com/MrWong99/claudmaster/internal/visibility"
)

// sinkStub records forwarded actions and hands out sequential ids.
type sinkStub struct {
	mu      sync.Mutex
	actions []string
	err     error
}

func (s *sinkStub) SubmitAction(sessionID, actorID, text, source string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return "", s.err
	}
	s.actions = append(s.actions, text)
	return fmt.Sprintf("act-%03d", len(s.actions)), nil
}

func (s *sinkStub) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.actions)
}

func defaultParty() []party.Participant {
	return []party.Participant{
		{ID: "dm", Role: perm.RoleDM, Token: "dm-secret"},
		{ID: "p1", Role: perm.RolePlayer, CharacterID: "durgan"},
		{ID: "p2", Role: perm.RolePlayer, CharacterID: "lyra"},
		{ID: "spectator", Role: perm.RoleObserver},
	}
}

func newServer(t *testing.T, sink party.ActionSink, opts ...party.Option) *party.Server {
	t.Helper()
	s := party.NewServer(t.TempDir(), sink, opts...)
	if err := s.Attach("sess-1", defaultParty()); err != nil {
		t.Fatalf("Attach() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestJoin_TokenDefaults(t *testing.T) {
	s := newServer(t, &sinkStub{})

	p, err := s.Join("durgan")
	if err != nil {
		t.Fatalf("Join(character token) error = %v", err)
	}
	if p.ID != "p1" {
		t.Errorf("participant = %q, want p1", p.ID)
	}

	obs, err := s.Join(party.ObserverToken)
	if err != nil {
		t.Fatalf("Join(OBSERVER) error = %v", err)
	}
	if obs.Role != perm.RoleObserver {
		t.Errorf("observer role = %q", obs.Role)
	}

	if _, err := s.Join("nope"); !errors.Is(err, party.ErrUnknownToken) {
		t.Errorf("Join(bad) error = %v, want ErrUnknownToken", err)
	}
}

func TestSubmit_ForwardsToSink(t *testing.T) {
	sink := &sinkStub{}
	s := newServer(t, sink)

	id, err := s.Submit("p1", "I open the door", "text")
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if id != "act-001" {
		t.Errorf("action id = %q", id)
	}
	if sink.count() != 1 {
		t.Errorf("forwarded actions = %d, want 1", sink.count())
	}
}

func TestSubmit_ObserverDenied(t *testing.T) {
	sink := &sinkStub{}
	s := newServer(t, sink)

	if _, err := s.Submit("spectator", "let me play", "text"); !errors.Is(err, perm.ErrDenied) {
		t.Errorf("Submit(observer) error = %v, want ErrDenied", err)
	}
	if sink.count() != 0 {
		t.Error("denied action reached the sink")
	}
}

func TestSubmit_TurnGating(t *testing.T) {
	sink := &sinkStub{}
	s := newServer(t, sink)
	ctx := context.Background()

	s.SetCombat(ctx, party.CombatState{Active: true, OnTurn: "p1"})

	if _, err := s.Submit("p1", "I attack", "text"); err != nil {
		t.Errorf("Submit(on turn) error = %v", err)
	}
	if _, err := s.Submit("p2", "me too", "text"); !errors.Is(err, party.ErrNotOnTurn) {
		t.Errorf("Submit(off turn) error = %v, want ErrNotOnTurn", err)
	}
	// The DM is never gated.
	if _, err := s.Submit("dm", "the goblin flees", "voice"); err != nil {
		t.Errorf("Submit(dm) error = %v", err)
	}
	if sink.count() != 2 {
		t.Errorf("forwarded actions = %d, want 2", sink.count())
	}

	// Simultaneous mode lifts the gate.
	s.SetCombat(ctx, party.CombatState{Active: true, OnTurn: "p1", Simultaneous: true})
	if _, err := s.Submit("p2", "now me", "text"); err != nil {
		t.Errorf("Submit(simultaneous) error = %v", err)
	}
}

func TestPublish_ReplayIsFilteredPerRecipient(t *testing.T) {
	s := newServer(t, &sinkStub{})
	ctx := context.Background()

	payload := visibility.Payload{
		Public:  "The innkeeper greets the party.",
		Party:   "You recognise the symbol on his ring.",
		Private: map[string]string{"p1": "He slips you a note."},
		DMOnly:  "The innkeeper is the cult contact.",
	}
	if err := s.Publish(ctx, "sess-1", "act-1", payload); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	p1, err := s.Replay("p1", 0)
	if err != nil {
		t.Fatalf("Replay(p1) error = %v", err)
	}
	wantTypes := map[string]bool{}
	for _, m := range p1 {
		wantTypes[m.Type] = true
		if m.Type == party.TypeSystem {
			t.Errorf("player received dmOnly content: %q", m.Text)
		}
	}
	if !wantTypes[party.TypeNarrative] || !wantTypes[party.TypePrivate] {
		t.Errorf("p1 messages = %+v", p1)
	}

	p2, _ := s.Replay("p2", 0)
	for _, m := range p2 {
		if m.Type == party.TypePrivate {
			t.Errorf("p2 received p1's private content: %q", m.Text)
		}
	}

	obs, _ := s.Replay("spectator", 0)
	if len(obs) != 1 || obs[0].Type != party.TypeNarrative {
		t.Fatalf("observer messages = %+v", obs)
	}
	if strings.Contains(obs[0].Text, "symbol on his ring") {
		t.Error("observer received party-scoped content")
	}

	dm, _ := s.Replay("dm", 0)
	var gotSystem, gotPrivate bool
	for _, m := range dm {
		switch m.Type {
		case party.TypeSystem:
			gotSystem = true
		case party.TypePrivate:
			gotPrivate = true
		}
	}
	if !gotSystem || !gotPrivate {
		t.Errorf("dm messages = %+v", dm)
	}
}

func TestReplay_CursorSkipsAcked(t *testing.T) {
	s := newServer(t, &sinkStub{})
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		err := s.Publish(ctx, "sess-1", fmt.Sprintf("act-%d", i), visibility.Payload{
			Public: fmt.Sprintf("scene %d", i),
		})
		if err != nil {
			t.Fatalf("Publish() error = %v", err)
		}
	}

	msgs, err := s.Replay("p1", 2)
	if err != nil {
		t.Fatalf("Replay() error = %v", err)
	}
	if len(msgs) != 1 || msgs[0].Text != "scene 3" {
		t.Errorf("Replay(after 2) = %+v", msgs)
	}
}

func TestPublish_SurvivesReattach(t *testing.T) {
	root := t.TempDir()
	sink := &sinkStub{}

	s := party.NewServer(root, sink)
	if err := s.Attach("sess-1", defaultParty()); err != nil {
		t.Fatalf("Attach() error = %v", err)
	}
	if err := s.Publish(context.Background(), "sess-1", "act-1", visibility.Payload{Public: "before crash"}); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	s.Close()

	s2 := party.NewServer(root, sink)
	if err := s2.Attach("sess-1", defaultParty()); err != nil {
		t.Fatalf("re-Attach() error = %v", err)
	}
	defer s2.Close()

	msgs, err := s2.Replay("p1", 0)
	if err != nil {
		t.Fatalf("Replay() after reattach error = %v", err)
	}
	if len(msgs) != 1 || msgs[0].Text != "before crash" {
		t.Errorf("replayed = %+v", msgs)
	}
}

func TestSendPrivate_DMOnly(t *testing.T) {
	s := newServer(t, &sinkStub{})
	ctx := context.Background()

	dm := perm.Caller{ParticipantID: "dm", Role: perm.RoleDM}
	if err := s.SendPrivate(ctx, dm, "p1", "your contact waits at midnight"); err != nil {
		t.Fatalf("SendPrivate(dm) error = %v", err)
	}

	player := perm.Caller{ParticipantID: "p1", Role: perm.RolePlayer}
	if err := s.SendPrivate(ctx, player, "p2", "psst"); !errors.Is(err, perm.ErrDenied) {
		t.Errorf("SendPrivate(player) error = %v, want ErrDenied", err)
	}

	msgs, _ := s.Replay("p1", 0)
	if len(msgs) != 1 || msgs[0].Type != party.TypePrivate {
		t.Fatalf("p1 messages = %+v", msgs)
	}
}

func TestHTTPAction(t *testing.T) {
	sink := &sinkStub{}
	s := newServer(t, sink)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	post := func(token, body string) (*http.Response, error) {
		req, _ := http.NewRequest(http.MethodPost, srv.URL+"/action", bytes.NewBufferString(body))
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		return srv.Client().Do(req)
	}

	resp, err := post("durgan", `{"action":"I open the door"}`)
	if err != nil {
		t.Fatalf("POST /action error = %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", resp.StatusCode)
	}
	var ar struct {
		Success  bool   `json:"success"`
		ActionID string `json:"action_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&ar); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if !ar.Success || ar.ActionID == "" {
		t.Errorf("response = %+v", ar)
	}

	if resp, _ := post("bad-token", `{"action":"hi"}`); resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("bad token status = %d, want 401", resp.StatusCode)
	}
	if resp, _ := post(party.ObserverToken, `{"action":"hi"}`); resp.StatusCode != http.StatusForbidden {
		t.Errorf("observer status = %d, want 403", resp.StatusCode)
	}
	if resp, _ := post("durgan", `{}`); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("empty action status = %d, want 400", resp.StatusCode)
	}
}

func TestHTTPAction_OffTurnSubmissionAccepted(t *testing.T) {
	sink := &sinkStub{}
	s := newServer(t, sink, party.WithHeartbeat(time.Minute))
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?token=lyra"
	ws, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer ws.Close(websocket.StatusNormalClosure, "done")

	read := func() party.Message {
		t.Helper()
		_, data, err := ws.Read(ctx)
		if err != nil {
			t.Fatalf("Read() error = %v", err)
		}
		var m party.Message
		if err := json.Unmarshal(data, &m); err != nil {
			t.Fatalf("Unmarshal() error = %v", err)
		}
		return m
	}
	if m := read(); m.Type != party.TypeConnected {
		t.Fatalf("first frame = %+v, want connected", m)
	}

	s.SetCombat(ctx, party.CombatState{Active: true, OnTurn: "p1"})
	if m := read(); m.Type != party.TypeCombatState || m.OnTurn != "p1" {
		t.Fatalf("combat frame = %+v", m)
	}

	// An off-turn submission succeeds at the HTTP layer; the rejection
	// surfaces through the action_status frame.
	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/action", bytes.NewBufferString(`{"action":"me too"}`))
	req.Header.Set("Authorization", "Bearer lyra")
	resp, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("POST /action error = %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", resp.StatusCode)
	}
	var ar struct {
		Success  bool   `json:"success"`
		ActionID string `json:"action_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&ar); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if !ar.Success || ar.ActionID == "" {
		t.Errorf("response = %+v, want success with action id", ar)
	}

	m := read()
	if m.Type != party.TypeActionStatus || m.ActionID != ar.ActionID {
		t.Fatalf("status frame = %+v", m)
	}
	if m.Status != string(party.ActionRejected) || m.Text != "not on turn" {
		t.Errorf("status frame = %+v, want rejected/not on turn", m)
	}

	if sink.count() != 0 {
		t.Error("rejected action reached the orchestrator sink")
	}
}

func TestHTTPPrivate(t *testing.T) {
	s := newServer(t, &sinkStub{})
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	post := func(token, body string) int {
		req, _ := http.NewRequest(http.MethodPost, srv.URL+"/private", bytes.NewBufferString(body))
		req.Header.Set("Authorization", "Bearer "+token)
		resp, err := srv.Client().Do(req)
		if err != nil {
			t.Fatalf("POST /private error = %v", err)
		}
		resp.Body.Close()
		return resp.StatusCode
	}

	if got := post("dm-secret", `{"to":"p1","text":"a shadow follows you"}`); got != http.StatusNoContent {
		t.Errorf("dm status = %d, want 204", got)
	}
	if got := post("durgan", `{"to":"p2","text":"psst"}`); got != http.StatusForbidden {
		t.Errorf("player status = %d, want 403", got)
	}
}

type characterReaderStub struct {
	records map[string]campaign.Record
}

func (r *characterReaderStub) Record(category, id string) (campaign.Record, error) {
	rec, ok := r.records[id]
	if !ok {
		return nil, fmt.Errorf("no record %s/%s", category, id)
	}
	return rec, nil
}

func TestHTTPCharacter(t *testing.T) {
	reader := &characterReaderStub{records: map[string]campaign.Record{
		"durgan": {"id": "durgan", "name": "Durgan", "owner_participant_id": "p1"},
	}}
	s := newServer(t, &sinkStub{}, party.WithCharacterReader(reader))
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	get := func(id, token string) *http.Response {
		t.Helper()
		resp, err := srv.Client().Get(srv.URL + "/character/" + id + "?token=" + token)
		if err != nil {
			t.Fatalf("GET /character error = %v", err)
		}
		return resp
	}

	resp := get("durgan", "durgan")
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("owner status = %d, want 200", resp.StatusCode)
	}
	var rec map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&rec); err != nil {
		t.Fatalf("decode record: %v", err)
	}
	if rec["name"] != "Durgan" {
		t.Errorf("record = %v", rec)
	}

	if resp := get("durgan", "wrong"); resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("bad token status = %d, want 401", resp.StatusCode)
	}
	if resp := get("nobody", "durgan"); resp.StatusCode != http.StatusNotFound {
		t.Errorf("missing record status = %d, want 404", resp.StatusCode)
	}
}

func TestWebSocket_ConnectAndReceive(t *testing.T) {
	s := newServer(t, &sinkStub{}, party.WithHeartbeat(time.Minute))
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?token=durgan"
	ws, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer ws.Close(websocket.StatusNormalClosure, "done")

	read := func() party.Message {
		t.Helper()
		_, data, err := ws.Read(ctx)
		if err != nil {
			t.Fatalf("Read() error = %v", err)
		}
		var m party.Message
		if err := json.Unmarshal(data, &m); err != nil {
			t.Fatalf("Unmarshal() error = %v", err)
		}
		return m
	}

	if m := read(); m.Type != party.TypeConnected || m.ParticipantID != "p1" {
		t.Fatalf("first frame = %+v, want connected", m)
	}

	if err := s.Publish(ctx, "sess-1", "act-1", visibility.Payload{Public: "hello, party"}); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	if m := read(); m.Type != party.TypeNarrative || m.Text != "hello, party" {
		t.Fatalf("frame = %+v, want narrative", m)
	}
}

func TestWebSocket_ReplayOnReconnect(t *testing.T) {
	s := newServer(t, &sinkStub{}, party.WithHeartbeat(time.Minute))
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// Published while the participant is offline.
	if err := s.Publish(ctx, "sess-1", "act-1", visibility.Payload{Public: "you missed this"}); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?token=lyra"
	ws, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer ws.Close(websocket.StatusNormalClosure, "done")

	var got []party.Message
	for len(got) < 2 {
		_, data, err := ws.Read(ctx)
		if err != nil {
			t.Fatalf("Read() error = %v", err)
		}
		var m party.Message
		if err := json.Unmarshal(data, &m); err != nil {
			t.Fatalf("Unmarshal() error = %v", err)
		}
		got = append(got, m)
	}
	if got[0].Type != party.TypeConnected {
		t.Errorf("first frame = %+v", got[0])
	}
	if got[1].Type != party.TypeNarrative || got[1].Text != "you missed this" {
		t.Errorf("replayed frame = %+v", got[1])
	}
}
