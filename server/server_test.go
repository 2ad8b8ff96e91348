package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/keywarden/hww-agent/device"
	"github.com/keywarden/hww-agent/protocol"
	"github.com/keywarden/hww-agent/transport"
)

// envelope decodes both event messages and request responses.
type envelope struct {
	ID      string          `json:"id"`
	Type    string          `json:"type"`
	Success bool            `json:"success"`
	Payload json.RawMessage `json:"payload"`
	Error   string          `json:"error"`
}

// newTestServer wires a Server to a hub over a scripted mock device and
// exposes it through httptest.
func newTestServer(t *testing.T, apiSecret string, script func(transport.Frame) []transport.Frame) (*Server, *httptest.Server) {
	t.Helper()

	bp := transport.NewMockBackplane(transport.BackplaneUSB)
	bp.Devices = []transport.DeviceInfo{{
		Path:      "usb:001:004",
		VendorID:  transport.VendorGen2,
		ProductID: transport.ProductGen2Firmware,
		Serial:    "HW123",
		Bus:       1,
		Address:   4,
		Backplane: transport.BackplaneUSB,
	}}
	bp.NewDevice = func(path string) io.ReadWriteCloser {
		return transport.NewMockDevice(transport.FramingUSB, script)
	}

	tr := transport.New(bp)
	hub := device.NewHub(tr, device.DefaultConfig())
	if _, err := hub.Discover(); err != nil {
		t.Fatalf("initial discover: %v", err)
	}

	s := New(Config{Hub: hub, APISecret: apiSecret, DisableMDNS: true})

	ctx, cancel := context.WithCancel(context.Background())
	s.handlerRegistry.StartLifecycleHandlers(ctx)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/api/v1/health", s.handleHealthCheck)
	mux.HandleFunc("/api/v1/devices", s.handleListDevices)
	ts := httptest.NewServer(mux)

	t.Cleanup(func() {
		ts.Close()
		cancel()
		hub.Stop()
		tr.Close()
	})
	return s, ts
}

func dialWS(t *testing.T, ts *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws" + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("websocket dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

// readUntil reads messages until one of the given type arrives.
func readUntil(t *testing.T, conn *websocket.Conn, messageType string) envelope {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		var env envelope
		if err := conn.ReadJSON(&env); err != nil {
			t.Fatalf("waiting for %s: %v", messageType, err)
		}
		if env.Type == messageType {
			return env
		}
	}
}

func sendRequest(t *testing.T, conn *websocket.Conn, id, messageType string, payload any) {
	t.Helper()
	if err := conn.WriteJSON(map[string]any{"id": id, "type": messageType, "payload": payload}); err != nil {
		t.Fatalf("send %s: %v", messageType, err)
	}
}

func TestServerDiscoverAndDispatch(t *testing.T) {
	_, ts := newTestServer(t, "", func(req transport.Frame) []transport.Frame {
		return []transport.Frame{{Type: device.MsgFeatures, Payload: []byte{0x0a}}}
	})
	conn := dialWS(t, ts, "")

	// The welcome message carries the session token and device snapshot.
	welcome := readUntil(t, conn, WSTypeWelcome)
	var welcomePayload struct {
		Token   string                 `json:"token"`
		Devices []protocol.DeviceEntry `json:"devices"`
	}
	if err := json.Unmarshal(welcome.Payload, &welcomePayload); err != nil {
		t.Fatalf("decode welcome: %v", err)
	}
	if welcomePayload.Token == "" {
		t.Error("welcome carries no session token")
	}
	if len(welcomePayload.Devices) != 1 || welcomePayload.Devices[0].ID != "HW123" {
		t.Errorf("welcome devices = %+v, want [HW123]", welcomePayload.Devices)
	}

	sendRequest(t, conn, "1", protocol.CmdDiscover, nil)
	resp := readUntil(t, conn, WSTypeDiscoverResponse)
	if !resp.Success || resp.ID != "1" {
		t.Fatalf("discover response = %+v", resp)
	}

	sendRequest(t, conn, "2", protocol.CmdDispatch, protocol.DispatchRequest{
		DeviceID:    "HW123",
		Kind:        "settings",
		MessageType: device.MsgInitialize,
	})
	resp = readUntil(t, conn, WSTypeDispatchResponse)
	if !resp.Success || resp.ID != "2" {
		t.Fatalf("dispatch response = %+v", resp)
	}
	var dispatched protocol.DispatchResponse
	if err := json.Unmarshal(resp.Payload, &dispatched); err != nil || dispatched.RequestID == "" {
		t.Fatalf("dispatch payload = %s (%v)", resp.Payload, err)
	}

	result := readUntil(t, conn, protocol.EventResult)
	var resultPayload protocol.ResultEvent
	if err := json.Unmarshal(result.Payload, &resultPayload); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if resultPayload.RequestID != dispatched.RequestID {
		t.Errorf("result request id = %q, want %q", resultPayload.RequestID, dispatched.RequestID)
	}
	if resultPayload.MessageType != device.MsgFeatures || resultPayload.Error != "" {
		t.Errorf("result = %+v, want Features", resultPayload)
	}
}

func TestServerInteractiveFlow(t *testing.T) {
	_, ts := newTestServer(t, "", func(req transport.Frame) []transport.Frame {
		if req.Type == device.MsgPing {
			return []transport.Frame{{Type: device.MsgPinMatrixRequest}}
		}
		return []transport.Frame{{Type: device.MsgSuccess}}
	})
	conn := dialWS(t, ts, "")
	readUntil(t, conn, WSTypeWelcome)

	sendRequest(t, conn, "1", protocol.CmdDispatch, protocol.DispatchRequest{
		DeviceID:    "HW123",
		Kind:        "signing",
		MessageType: device.MsgPing,
	})
	readUntil(t, conn, WSTypeDispatchResponse)

	awaiting := readUntil(t, conn, protocol.EventAwaitingPin)
	var prompt protocol.AwaitingEvent
	if err := json.Unmarshal(awaiting.Payload, &prompt); err != nil || prompt.RequestID == "" {
		t.Fatalf("awaiting payload = %s (%v)", awaiting.Payload, err)
	}

	sendRequest(t, conn, "2", protocol.CmdResume, protocol.ResumeRequest{
		RequestID: prompt.RequestID,
		Payload:   protocol.EncodePayload([]byte("1234")),
	})
	resp := readUntil(t, conn, WSTypeResumeResponse)
	if !resp.Success {
		t.Fatalf("resume response = %+v", resp)
	}

	result := readUntil(t, conn, protocol.EventResult)
	var resultPayload protocol.ResultEvent
	if err := json.Unmarshal(result.Payload, &resultPayload); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if resultPayload.Error != "" {
		t.Errorf("result error = %q, want success", resultPayload.Error)
	}

	// A second resume for the same prompt is a bad state, not a retry.
	sendRequest(t, conn, "3", protocol.CmdResume, protocol.ResumeRequest{RequestID: prompt.RequestID})
	errResp := readUntil(t, conn, WSTypeError)
	if errResp.ID != "3" {
		t.Fatalf("error response = %+v", errResp)
	}
}

func TestServerSingleSession(t *testing.T) {
	_, ts := newTestServer(t, "", nil)
	conn := dialWS(t, ts, "")
	readUntil(t, conn, WSTypeWelcome)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatal("second connection succeeded, want rejection")
	}
	if resp == nil || resp.StatusCode != http.StatusConflict {
		t.Fatalf("second connection status = %v, want 409", resp)
	}
}

func TestServerAPISecret(t *testing.T) {
	_, ts := newTestServer(t, "letmein", nil)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatal("connection without secret succeeded, want rejection")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status without secret = %v, want 401", resp)
	}

	conn := dialWS(t, ts, "?secret=letmein")
	readUntil(t, conn, WSTypeWelcome)
}

func TestServerHTTPEndpoints(t *testing.T) {
	_, ts := newTestServer(t, "", nil)

	resp, err := http.Get(ts.URL + "/api/v1/health")
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("health status = %d", resp.StatusCode)
	}
	var health map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		t.Fatalf("decode health: %v", err)
	}
	if health["status"] != "ok" {
		t.Errorf("health status field = %v", health["status"])
	}

	resp, err = http.Get(ts.URL + "/api/v1/devices")
	if err != nil {
		t.Fatalf("devices: %v", err)
	}
	defer resp.Body.Close()
	var list struct {
		Devices []protocol.DeviceEntry `json:"devices"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		t.Fatalf("decode devices: %v", err)
	}
	if len(list.Devices) != 1 || list.Devices[0].ID != "HW123" {
		t.Errorf("devices = %+v, want [HW123]", list.Devices)
	}
}
