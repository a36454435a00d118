package broker

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"golang.org/x/crypto/ssh"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/shellgate/shellgate/internal/database"
	"github.com/shellgate/shellgate/internal/profiles"
	"github.com/shellgate/shellgate/internal/sshconn"
	"github.com/shellgate/shellgate/internal/vault"
)

// sshFixture is a loopback SSH server that echoes session input.
type sshFixture struct {
	listener net.Listener
	port     int
}

func newSSHFixture(t *testing.T) *sshFixture {
	t.Helper()

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate host key: %v", err)
	}
	signer, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		t.Fatalf("host key signer: %v", err)
	}

	cfg := &ssh.ServerConfig{
		PasswordCallback: func(conn ssh.ConnMetadata, password []byte) (*ssh.Permissions, error) {
			if string(password) == "fixture-pass" {
				return nil, nil
			}
			return nil, errors.New("bad credentials")
		},
	}
	cfg.AddHostKey(signer)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	f := &sshFixture{listener: ln, port: ln.Addr().(*net.TCPAddr).Port}
	go func() {
		for {
			nc, err := ln.Accept()
			if err != nil {
				return
			}
			go handleFixtureConn(nc, cfg)
		}
	}()
	t.Cleanup(func() { ln.Close() })
	return f
}

func handleFixtureConn(nc net.Conn, cfg *ssh.ServerConfig) {
	conn, chans, reqs, err := ssh.NewServerConn(nc, cfg)
	if err != nil {
		nc.Close()
		return
	}
	defer conn.Close()
	go ssh.DiscardRequests(reqs)

	for newChan := range chans {
		if newChan.ChannelType() != "session" {
			newChan.Reject(ssh.UnknownChannelType, "unsupported")
			continue
		}
		ch, chReqs, err := newChan.Accept()
		if err != nil {
			continue
		}
		go func() {
			for req := range chReqs {
				if req.WantReply {
					req.Reply(req.Type == "pty-req" || req.Type == "shell" || req.Type == "window-change", nil)
				}
			}
		}()
		go io.Copy(ch, ch)
	}
}

// testEnv wires a database, a vault, a profile pointing at the fixture and a
// broker endpoint served over a real websocket.
type testEnv struct {
	server    *httptest.Server
	profileID string
	manager   *sshconn.Manager
	store     *profiles.Store
	fixture   *sshFixture
}

func setupEnv(t *testing.T) *testEnv {
	t.Helper()

	var err error
	database.DB, err = gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open test DB: %v", err)
	}
	if err := database.Migrate(database.DB); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() {
		sqlDB, _ := database.DB.DB()
		if sqlDB != nil {
			sqlDB.Close()
		}
	})

	for _, u := range []database.User{
		{ID: "user-1", Email: "one@example.com", Name: "One", PasswordHash: "x"},
		{ID: "user-2", Email: "two@example.com", Name: "Two", PasswordHash: "x"},
	} {
		if err := database.CreateUser(&u); err != nil {
			t.Fatalf("CreateUser: %v", err)
		}
	}

	fixture := newSSHFixture(t)

	store := profiles.NewStore(database.DB, vault.New("broker-test-secret"))

	profile, err := store.Create("user-1", profiles.CreateInput{
		Name:     "fixture",
		Host:     "127.0.0.1",
		Port:     fixture.port,
		Username: "anyone",
		Credentials: profiles.Credentials{
			AuthMethod: profiles.AuthMethodPassword,
			Password:   "fixture-pass",
		},
	})
	if err != nil {
		t.Fatalf("create profile: %v", err)
	}

	manager := sshconn.NewManager(5 * time.Second)
	t.Cleanup(manager.CloseAll)

	srv := newBrokerServer(t, "user-1", manager, store)

	return &testEnv{server: srv, profileID: profile.ID, manager: manager, store: store, fixture: fixture}
}

// newBrokerServer serves one broker per websocket for the given user.
func newBrokerServer(t *testing.T, userID string, manager *sshconn.Manager, store *profiles.Store) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
		if err != nil {
			return
		}
		defer c.CloseNow()
		New(userID, c, manager, store, nil).Run(r.Context())
	}))
	t.Cleanup(srv.Close)
	return srv
}

func dialBroker(t *testing.T, env *testEnv) *websocket.Conn {
	return dialServer(t, env.server)
}

func dialServer(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("dial broker: %v", err)
	}
	t.Cleanup(func() { conn.CloseNow() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, frame map[string]interface{}) {
	t.Helper()
	data, _ := json.Marshal(frame)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Fatalf("write frame: %v", err)
	}
}

// await reads frames until one of the wanted type arrives.
func await(t *testing.T, conn *websocket.Conn, wantType string) map[string]interface{} {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for {
		ctx, cancel := context.WithDeadline(context.Background(), deadline)
		_, data, err := conn.Read(ctx)
		cancel()
		if err != nil {
			t.Fatalf("read while waiting for %q: %v", wantType, err)
		}
		var frame map[string]interface{}
		if err := json.Unmarshal(data, &frame); err != nil {
			t.Fatalf("bad frame %q: %v", data, err)
		}
		if frame["type"] == wantType {
			return frame
		}
	}
}

// outputData decodes the base64 payload of a terminal:output frame.
func outputData(t *testing.T, frame map[string]interface{}) []byte {
	t.Helper()
	data, err := base64.StdEncoding.DecodeString(frame["data"].(string))
	if err != nil {
		t.Fatalf("decode output data: %v", err)
	}
	return data
}

// awaitStatus reads ssh:status frames until the wanted status arrives.
func awaitStatus(t *testing.T, conn *websocket.Conn, want string) {
	t.Helper()
	for i := 0; i < 10; i++ {
		frame := await(t, conn, "ssh:status")
		if frame["status"] == want {
			return
		}
	}
	t.Fatalf("never saw ssh:status %q", want)
}

// awaitSessionStatus is awaitStatus narrowed to one session, for tests that
// interleave several sessions on the same socket.
func awaitSessionStatus(t *testing.T, conn *websocket.Conn, sessionID, want string) {
	t.Helper()
	for i := 0; i < 20; i++ {
		frame := await(t, conn, "ssh:status")
		if frame["sessionId"] == sessionID && frame["status"] == want {
			return
		}
	}
	t.Fatalf("never saw ssh:status %q for session %s", want, sessionID)
}

// collectOutput gathers terminal:output bytes per session until done reports
// the collection is sufficient.
func collectOutput(t *testing.T, conn *websocket.Conn, done func(map[string]string) bool) map[string]string {
	t.Helper()
	out := map[string]string{}
	deadline := time.Now().Add(10 * time.Second)
	for !done(out) {
		if time.Now().After(deadline) {
			t.Fatalf("timed out collecting output, have %v", out)
		}
		frame := await(t, conn, "terminal:output")
		sid, _ := frame["sessionId"].(string)
		out[sid] += string(outputData(t, frame))
	}
	return out
}

func TestConnectInputDisconnect(t *testing.T) {
	env := setupEnv(t)
	conn := dialBroker(t, env)

	send(t, conn, map[string]interface{}{
		"type": "ssh:connect", "sessionId": "S1", "profileId": env.profileID,
	})

	frame := await(t, conn, "ssh:status")
	if frame["status"] != "connecting" || frame["sessionId"] != "S1" {
		t.Fatalf("first status frame = %v", frame)
	}
	awaitStatus(t, conn, "connected")

	send(t, conn, map[string]interface{}{
		"type": "terminal:input", "sessionId": "S1", "data": "echo hi\n",
	})
	var output string
	for !strings.Contains(output, "hi") {
		frame := await(t, conn, "terminal:output")
		if frame["sessionId"] != "S1" {
			t.Fatalf("output for wrong session: %v", frame)
		}
		output += string(outputData(t, frame))
	}

	send(t, conn, map[string]interface{}{"type": "terminal:resize", "sessionId": "S1", "cols": 120, "rows": 40})

	send(t, conn, map[string]interface{}{"type": "ssh:disconnect", "sessionId": "S1"})
	awaitStatus(t, conn, "disconnected")

	session, err := database.GetTerminalSession("S1")
	if err != nil {
		t.Fatalf("session row: %v", err)
	}
	if session.Status != "disconnected" {
		t.Fatalf("durable status = %q, want disconnected", session.Status)
	}
}

func TestSessionList(t *testing.T) {
	env := setupEnv(t)
	conn := dialBroker(t, env)

	send(t, conn, map[string]interface{}{"type": "session:list"})
	frame := await(t, conn, "session:list")
	if sessions := frame["sessions"].([]interface{}); len(sessions) != 0 {
		t.Fatalf("initial sessions = %v", sessions)
	}

	send(t, conn, map[string]interface{}{
		"type": "ssh:connect", "sessionId": "S1", "profileId": env.profileID, "title": "box",
	})
	awaitStatus(t, conn, "connected")

	send(t, conn, map[string]interface{}{"type": "session:list"})
	frame = await(t, conn, "session:list")
	sessions := frame["sessions"].([]interface{})
	if len(sessions) != 1 {
		t.Fatalf("live sessions = %v", sessions)
	}
	row := sessions[0].(map[string]interface{})
	if row["id"] != "S1" || row["title"] != "box" {
		t.Fatalf("session row = %v", row)
	}
}

func TestUnknownMessageType(t *testing.T) {
	env := setupEnv(t)
	conn := dialBroker(t, env)

	send(t, conn, map[string]interface{}{"type": "teleport:now"})
	frame := await(t, conn, "error")
	if msg := frame["error"].(string); !strings.Contains(msg, "unknown message type") {
		t.Fatalf("error = %q", msg)
	}
}

func TestInputOnUnknownSession(t *testing.T) {
	env := setupEnv(t)
	conn := dialBroker(t, env)

	send(t, conn, map[string]interface{}{"type": "terminal:input", "sessionId": "ghost", "data": "x"})
	frame := await(t, conn, "error")
	if frame["sessionId"] != "ghost" {
		t.Fatalf("error frame = %v", frame)
	}
}

func TestConnectForeignProfile(t *testing.T) {
	env := setupEnv(t)

	// A profile owned by someone else resolves to not-found for this broker.
	store := profiles.NewStore(database.DB, vault.New("broker-test-secret"))
	foreign, err := store.Create("user-2", profiles.CreateInput{
		Name:     "theirs",
		Host:     "127.0.0.1",
		Port:     22,
		Username: "them",
		Credentials: profiles.Credentials{
			AuthMethod: profiles.AuthMethodPassword,
			Password:   "p",
		},
	})
	if err != nil {
		t.Fatalf("create foreign profile: %v", err)
	}

	conn := dialBroker(t, env)
	send(t, conn, map[string]interface{}{
		"type": "ssh:connect", "sessionId": "S1", "profileId": foreign.ID,
	})
	frame := await(t, conn, "error")
	if msg := frame["error"].(string); !strings.Contains(msg, "profile not found") {
		t.Fatalf("error = %q", msg)
	}
}

func TestDuplicateSessionRejected(t *testing.T) {
	env := setupEnv(t)
	conn := dialBroker(t, env)

	send(t, conn, map[string]interface{}{
		"type": "ssh:connect", "sessionId": "S1", "profileId": env.profileID,
	})
	awaitStatus(t, conn, "connected")

	send(t, conn, map[string]interface{}{
		"type": "ssh:connect", "sessionId": "S1", "profileId": env.profileID,
	})
	frame := await(t, conn, "error")
	if msg := frame["error"].(string); !strings.Contains(msg, "already connected") {
		t.Fatalf("error = %q", msg)
	}
}

func TestAssistantNotConfigured(t *testing.T) {
	env := setupEnv(t)
	conn := dialBroker(t, env)

	send(t, conn, map[string]interface{}{"type": "ai:translate", "prompt": "list files"})
	frame := await(t, conn, "ai:response")
	if conf := frame["confidence"].(float64); conf != 0 {
		t.Fatalf("confidence = %v, want 0", conf)
	}
	if cmds := frame["commands"].([]interface{}); len(cmds) != 0 {
		t.Fatalf("commands = %v, want empty", cmds)
	}
	if warns := frame["warnings"].([]interface{}); len(warns) != 1 {
		t.Fatalf("warnings = %v", warns)
	}
}

func TestSocketCloseTearsDownSessions(t *testing.T) {
	env := setupEnv(t)
	conn := dialBroker(t, env)

	send(t, conn, map[string]interface{}{
		"type": "ssh:connect", "sessionId": "S1", "profileId": env.profileID,
	})
	awaitStatus(t, conn, "connected")

	conn.Close(websocket.StatusNormalClosure, "")

	deadline := time.Now().Add(5 * time.Second)
	for {
		session, err := database.GetTerminalSession("S1")
		if err == nil && session.Status == "disconnected" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("session not torn down after socket close, status: %v", session)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestOutputFrameCarriesRawBytes(t *testing.T) {
	// The read loop chunks at arbitrary boundaries, so a frame may carry
	// half of a multi-byte rune. The wire encoding must hand the client the
	// shell's exact bytes, not a UTF-8 repair of them.
	half := []byte{0xe2, 0x82} // first two bytes of '€'
	data, err := json.Marshal(outputFrame{Type: msgTerminalOutput, SessionID: "S1", Data: half})
	if err != nil {
		t.Fatalf("marshal output frame: %v", err)
	}

	var frame map[string]interface{}
	if err := json.Unmarshal(data, &frame); err != nil {
		t.Fatalf("unmarshal output frame: %v", err)
	}
	got := outputData(t, frame)
	if !bytes.Equal(got, half) {
		t.Fatalf("wire round trip = % x, want % x", got, half)
	}
}

func TestOutputRoundTripsMultibyte(t *testing.T) {
	env := setupEnv(t)
	conn := dialBroker(t, env)

	send(t, conn, map[string]interface{}{
		"type": "ssh:connect", "sessionId": "S1", "profileId": env.profileID,
	})
	awaitStatus(t, conn, "connected")

	send(t, conn, map[string]interface{}{
		"type": "terminal:input", "sessionId": "S1", "data": "price: 5€\n",
	})
	out := collectOutput(t, conn, func(out map[string]string) bool {
		return strings.Contains(out["S1"], "€")
	})
	if !strings.Contains(out["S1"], "price: 5€") {
		t.Fatalf("echoed output = %q", out["S1"])
	}
}

func TestInputOrderPreserved(t *testing.T) {
	env := setupEnv(t)
	conn := dialBroker(t, env)

	send(t, conn, map[string]interface{}{
		"type": "ssh:connect", "sessionId": "S1", "profileId": env.profileID,
	})
	awaitStatus(t, conn, "connected")

	for _, chunk := range []string{"one ", "two ", "three\n"} {
		send(t, conn, map[string]interface{}{
			"type": "terminal:input", "sessionId": "S1", "data": chunk,
		})
	}
	out := collectOutput(t, conn, func(out map[string]string) bool {
		return strings.Contains(out["S1"], "three")
	})
	if !strings.Contains(out["S1"], "one two three\n") {
		t.Fatalf("echoed output = %q, want the chunks in send order", out["S1"])
	}
}

func TestCrossSessionIsolation(t *testing.T) {
	env := setupEnv(t)

	second, err := env.store.Create("user-1", profiles.CreateInput{
		Name:     "fixture-2",
		Host:     "127.0.0.1",
		Port:     env.fixture.port,
		Username: "anyone",
		Credentials: profiles.Credentials{
			AuthMethod: profiles.AuthMethodPassword,
			Password:   "fixture-pass",
		},
	})
	if err != nil {
		t.Fatalf("create second profile: %v", err)
	}
	theirs, err := env.store.Create("user-2", profiles.CreateInput{
		Name:     "theirs",
		Host:     "127.0.0.1",
		Port:     env.fixture.port,
		Username: "anyone",
		Credentials: profiles.Credentials{
			AuthMethod: profiles.AuthMethodPassword,
			Password:   "fixture-pass",
		},
	})
	if err != nil {
		t.Fatalf("create user-2 profile: %v", err)
	}

	connA := dialBroker(t, env)
	connB := dialServer(t, newBrokerServer(t, "user-2", env.manager, env.store))

	send(t, connA, map[string]interface{}{
		"type": "ssh:connect", "sessionId": "S1", "profileId": env.profileID,
	})
	awaitSessionStatus(t, connA, "S1", "connected")
	send(t, connA, map[string]interface{}{
		"type": "ssh:connect", "sessionId": "S2", "profileId": second.ID,
	})
	awaitSessionStatus(t, connA, "S2", "connected")
	send(t, connB, map[string]interface{}{
		"type": "ssh:connect", "sessionId": "T1", "profileId": theirs.ID,
	})
	awaitSessionStatus(t, connB, "T1", "connected")

	send(t, connA, map[string]interface{}{"type": "terminal:input", "sessionId": "S1", "data": "alpha\n"})
	send(t, connA, map[string]interface{}{"type": "terminal:input", "sessionId": "S2", "data": "beta\n"})
	send(t, connB, map[string]interface{}{"type": "terminal:input", "sessionId": "T1", "data": "gamma\n"})

	outA := collectOutput(t, connA, func(out map[string]string) bool {
		return strings.Contains(out["S1"], "alpha") && strings.Contains(out["S2"], "beta")
	})
	for sid := range outA {
		if sid != "S1" && sid != "S2" {
			t.Errorf("broker A forwarded output for session %q it does not own", sid)
		}
	}
	if strings.Contains(outA["S1"], "beta") || strings.Contains(outA["S1"], "gamma") {
		t.Errorf("S1 received another session's output: %q", outA["S1"])
	}
	if strings.Contains(outA["S2"], "alpha") || strings.Contains(outA["S2"], "gamma") {
		t.Errorf("S2 received another session's output: %q", outA["S2"])
	}

	outB := collectOutput(t, connB, func(out map[string]string) bool {
		return strings.Contains(out["T1"], "gamma")
	})
	for sid := range outB {
		if sid != "T1" {
			t.Errorf("broker B forwarded output for session %q it does not own", sid)
		}
	}
	if strings.Contains(outB["T1"], "alpha") || strings.Contains(outB["T1"], "beta") {
		t.Errorf("T1 received another broker's output: %q", outB["T1"])
	}
}
