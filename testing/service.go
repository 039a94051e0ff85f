package testing

import (
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/opd-ai/whisperpipe/push"
	"github.com/opd-ai/whisperpipe/transport"
	"github.com/sirupsen/logrus"
)

// DeliveryRecord is one message send the simulated service handled.
type DeliveryRecord struct {
	Destination string
	Devices     []uint32
	Timestamp   uint64
	Status      int
	Sealed      bool
	Via         string
}

// ScriptedResponse overrides the next message send to a destination.
type ScriptedResponse struct {
	Status int
	Body   interface{}
}

type simAccount struct {
	addr      push.Address
	password  string
	accessKey []byte
	devices   map[uint32]*SimulatedSessions
	mailbox   map[uint32][]*push.Envelope
}

type authInfo struct {
	account *simAccount
	device  uint32
}

// SimulatedService speaks the message service's HTTP API and websocket
// pipe protocol from an httptest server.
type SimulatedService struct {
	mu       sync.Mutex
	server   *httptest.Server
	upgrader websocket.Upgrader
	accounts map[string]*simAccount
	scripted map[string][]ScriptedResponse
	conns    map[*simConn]struct{}
	log      []DeliveryRecord
	acks     []uint64
	nextID   uint64
}

// NewSimulatedService starts a simulated service. Close it when done.
func NewSimulatedService() *SimulatedService {
	logrus.Warn("SIMULATION FUNCTION - NOT A REAL OPERATION")

	s := &SimulatedService{
		accounts: make(map[string]*simAccount),
		scripted: make(map[string][]ScriptedResponse),
		conns:    make(map[*simConn]struct{}),
		nextID:   1,
	}
	s.server = httptest.NewServer(http.HandlerFunc(s.serveHTTP))
	return s
}

// URL returns the service base URL.
func (s *SimulatedService) URL() string {
	return s.server.URL
}

// Close disconnects every pipe and stops the server.
func (s *SimulatedService) Close() {
	s.mu.Lock()
	for c := range s.conns {
		c.ws.Close()
	}
	s.mu.Unlock()
	s.server.Close()
}

// Register creates an account. accessKey may be nil to refuse sealed
// delivery to it.
func (s *SimulatedService) Register(addr push.Address, password string, accessKey []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a := &simAccount{
		addr:      addr,
		password:  password,
		accessKey: accessKey,
		devices:   make(map[uint32]*SimulatedSessions),
		mailbox:   make(map[uint32][]*push.Envelope),
	}
	if addr.HasUUID() {
		s.accounts[addr.UUID.String()] = a
	}
	if addr.E164 != "" {
		s.accounts[addr.E164] = a
	}
}

// AddDevice links a device, backed by sessions, to a registered account.
func (s *SimulatedService) AddDevice(addr push.Address, deviceID uint32, sessions *SimulatedSessions) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a := s.accounts[addr.Identifier()]; a != nil {
		a.devices[deviceID] = sessions
	}
}

// RemoveDevice unlinks a device.
func (s *SimulatedService) RemoveDevice(addr push.Address, deviceID uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a := s.accounts[addr.Identifier()]; a != nil {
		delete(a.devices, deviceID)
	}
}

// Script queues responses for the next sends to dest, ahead of the
// simulated device bookkeeping.
func (s *SimulatedService) Script(dest push.Address, responses ...ScriptedResponse) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := dest.Identifier()
	s.scripted[key] = append(s.scripted[key], responses...)
}

// GetDeliveryLog returns a copy of the send log.
func (s *SimulatedService) GetDeliveryLog() []DeliveryRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]DeliveryRecord(nil), s.log...)
}

// ClearDeliveryLog empties the send log.
func (s *SimulatedService) ClearDeliveryLog() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.log = nil
}

// Mailbox drains the envelopes queued for one device that were not pushed
// over a pipe.
func (s *SimulatedService) Mailbox(addr push.Address, deviceID uint32) []*push.Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	a := s.accounts[addr.Identifier()]
	if a == nil {
		return nil
	}
	out := a.mailbox[deviceID]
	delete(a.mailbox, deviceID)
	return out
}

// Acks returns the ids of pushes that clients acknowledged.
func (s *SimulatedService) Acks() []uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]uint64(nil), s.acks...)
}

// Push sends env to the identified pipe of one device. It reports whether
// a pipe was connected.
func (s *SimulatedService) Push(addr push.Address, deviceID uint32, env *push.Envelope) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pushLocked(addr, deviceID, env)
}

// PushRequest sends an arbitrary request to every pipe of one device.
func (s *SimulatedService) PushRequest(addr push.Address, deviceID uint32, req *transport.Request) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	sent := false
	for c := range s.conns {
		if c.auth.account != nil && c.auth.account.addr.Equal(addr) && c.auth.device == deviceID {
			if req.ID == 0 {
				req.ID = s.nextID
				s.nextID++
			}
			if c.write(&transport.Frame{Type: transport.FrameRequest, Request: req}) == nil {
				sent = true
			}
		}
	}
	return sent
}

func (s *SimulatedService) pushLocked(addr push.Address, deviceID uint32, env *push.Envelope) bool {
	sent := false
	for c := range s.conns {
		if c.auth.account == nil || !c.auth.account.addr.Equal(addr) || c.auth.device != deviceID {
			continue
		}
		req := &transport.Request{
			ID:   s.nextID,
			Verb: http.MethodPut,
			Path: push.MessagePushPath,
			Body: env.Marshal(),
		}
		s.nextID++
		if c.write(&transport.Frame{Type: transport.FrameRequest, Request: req}) == nil {
			sent = true
		}
	}
	return sent
}

func (s *SimulatedService) authenticate(login, password string) *authInfo {
	id, device := login, push.DefaultDeviceID
	if i := strings.LastIndexByte(login, '.'); i > 0 {
		if d, err := strconv.ParseUint(login[i+1:], 10, 32); err == nil {
			id, device = login[:i], uint32(d)
		}
	}
	a := s.accounts[id]
	if a == nil || a.password != password {
		return nil
	}
	if _, ok := a.devices[device]; !ok {
		return nil
	}
	return &authInfo{account: a, device: device}
}

func (s *SimulatedService) serveHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/v1/websocket/" {
		s.serveWebsocket(w, r)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	var auth *authInfo
	if login, password, ok := r.BasicAuth(); ok {
		if auth = s.authenticate(login, password); auth == nil {
			s.mu.Unlock()
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
	}
	path := r.URL.Path
	if r.URL.RawQuery != "" {
		path += "?" + r.URL.RawQuery
	}
	status, out := s.handleLocked(r.Method, path, r.Header.Get(transport.UnidentifiedAccessHeader), body, auth, "http")
	s.mu.Unlock()

	if out != nil {
		w.Header().Set("Content-Type", "application/json")
	}
	w.WriteHeader(status)
	_, _ = w.Write(out)
}

func jsonBody(v interface{}) []byte {
	if v == nil {
		return nil
	}
	b, _ := json.Marshal(v)
	return b
}

// handleLocked serves one API request. The caller holds s.mu.
func (s *SimulatedService) handleLocked(verb, path, accessHeader string, body []byte, auth *authInfo, via string) (int, []byte) {
	path, _, _ = strings.Cut(path, "?")

	switch {
	case verb == http.MethodGet && path == "/v1/keepalive":
		return http.StatusOK, nil
	case verb == http.MethodPut && strings.HasPrefix(path, "/v1/messages/"):
		return s.sendLocked(strings.TrimPrefix(path, "/v1/messages/"), accessHeader, body, auth, via)
	case verb == http.MethodGet && strings.HasPrefix(path, "/v2/keys/"):
		return s.keysLocked(strings.TrimPrefix(path, "/v2/keys/"), accessHeader, auth)
	default:
		return http.StatusNotFound, nil
	}
}

func (s *SimulatedService) authorizeAccess(dest *simAccount, accessHeader string, auth *authInfo) bool {
	if accessHeader != "" {
		return dest.accessKey != nil && accessHeader == base64.StdEncoding.EncodeToString(dest.accessKey)
	}
	return auth != nil
}

func (s *SimulatedService) keysLocked(rest, accessHeader string, auth *authInfo) (int, []byte) {
	id, device, ok := strings.Cut(rest, "/")
	if !ok {
		return http.StatusNotFound, nil
	}
	dest := s.accounts[id]
	if dest == nil {
		return http.StatusNotFound, nil
	}
	if !s.authorizeAccess(dest, accessHeader, auth) {
		return http.StatusUnauthorized, nil
	}

	var bundles []*push.PreKeyBundle
	for _, d := range sortedDevices(dest.devices) {
		if device == "*" || device == strconv.FormatUint(uint64(d), 10) {
			bundles = append(bundles, dest.devices[d].Bundle(d))
		}
	}
	if len(bundles) == 0 {
		return http.StatusNotFound, nil
	}
	return http.StatusOK, jsonBody(push.NewPreKeyResponse(bundles))
}

func sortedDevices(m map[uint32]*SimulatedSessions) []uint32 {
	out := make([]uint32, 0, len(m))
	for d := range m {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (s *SimulatedService) sendLocked(id, accessHeader string, body []byte, auth *authInfo, via string) (int, []byte) {
	var list push.OutgoingEnvelopeList
	if err := json.Unmarshal(body, &list); err != nil {
		return http.StatusBadRequest, nil
	}

	record := DeliveryRecord{Destination: id, Timestamp: list.Timestamp, Sealed: accessHeader != "", Via: via}
	for _, m := range list.Messages {
		record.Devices = append(record.Devices, m.DestinationDeviceID)
	}
	status, out := s.deliverLocked(id, accessHeader, &list, auth)
	record.Status = status
	s.log = append(s.log, record)
	return status, out
}

func (s *SimulatedService) deliverLocked(id, accessHeader string, list *push.OutgoingEnvelopeList, auth *authInfo) (int, []byte) {
	dest := s.accounts[id]
	if dest == nil {
		return http.StatusNotFound, nil
	}
	if !s.authorizeAccess(dest, accessHeader, auth) {
		return http.StatusUnauthorized, nil
	}

	if queue := s.scripted[id]; len(queue) > 0 {
		s.scripted[id] = queue[1:]
		return queue[0].Status, jsonBody(queue[0].Body)
	}

	selfSend := accessHeader == "" && auth != nil && auth.account == dest
	provided := map[uint32]*push.OutgoingEnvelope{}
	for _, m := range list.Messages {
		provided[m.DestinationDeviceID] = m
	}

	var mismatched push.MismatchedDevices
	for _, d := range sortedDevices(dest.devices) {
		if selfSend && d == auth.device {
			continue
		}
		if _, ok := provided[d]; !ok {
			mismatched.MissingDevices = append(mismatched.MissingDevices, d)
		}
	}
	for _, m := range list.Messages {
		if _, ok := dest.devices[m.DestinationDeviceID]; !ok || (selfSend && m.DestinationDeviceID == auth.device) {
			mismatched.ExtraDevices = append(mismatched.ExtraDevices, m.DestinationDeviceID)
		}
	}
	if len(mismatched.MissingDevices) > 0 || len(mismatched.ExtraDevices) > 0 {
		return http.StatusConflict, jsonBody(&mismatched)
	}

	var stale push.StaleDevices
	for _, m := range list.Messages {
		if dest.devices[m.DestinationDeviceID].RegistrationID() != m.DestinationRegistrationID {
			stale.StaleDevices = append(stale.StaleDevices, m.DestinationDeviceID)
		}
	}
	if len(stale.StaleDevices) > 0 {
		return http.StatusGone, jsonBody(&stale)
	}

	for _, m := range list.Messages {
		env := &push.Envelope{
			Type:            m.Type,
			Timestamp:       list.Timestamp,
			Content:         m.Content,
			ServerGUID:      uuid.NewString(),
			ServerTimestamp: uint64(time.Now().UnixMilli()),
		}
		if accessHeader == "" && auth != nil {
			env.Source = auth.account.addr
			env.SourceDevice = auth.device
		}
		if !s.pushLocked(dest.addr, m.DestinationDeviceID, env) {
			dest.mailbox[m.DestinationDeviceID] = append(dest.mailbox[m.DestinationDeviceID], env)
		}
	}

	needsSync := accessHeader == "" && auth != nil && !selfSend && len(auth.account.devices) > 1
	return http.StatusOK, jsonBody(&push.SendMessageResponse{NeedsSync: needsSync})
}

type simConn struct {
	ws   *websocket.Conn
	mu   sync.Mutex
	auth authInfo
}

func (c *simConn) write(f *transport.Frame) error {
	b, err := f.Marshal()
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws.WriteMessage(websocket.BinaryMessage, b)
}

func (s *SimulatedService) serveWebsocket(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	conn := &simConn{}
	if login := q.Get("login"); login != "" {
		s.mu.Lock()
		auth := s.authenticate(login, q.Get("password"))
		s.mu.Unlock()
		if auth == nil {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		conn.auth = *auth
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	conn.ws = ws

	s.mu.Lock()
	s.conns[conn] = struct{}{}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		ws.Close()
	}()

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		f, err := transport.UnmarshalFrame(data)
		if err != nil {
			return
		}
		switch f.Type {
		case transport.FrameResponse:
			s.mu.Lock()
			s.acks = append(s.acks, f.Response.ID)
			s.mu.Unlock()
		case transport.FrameRequest:
			req := f.Request
			access, _ := req.Header(transport.UnidentifiedAccessHeader)
			var auth *authInfo
			if conn.auth.account != nil {
				auth = &conn.auth
			}
			s.mu.Lock()
			status, body := s.handleLocked(req.Verb, req.Path, access, req.Body, auth, "pipe")
			s.mu.Unlock()
			resp := &transport.Response{ID: req.ID, Status: uint32(status), Message: http.StatusText(status), Body: body}
			if conn.write(&transport.Frame{Type: transport.FrameResponse, Response: resp}) != nil {
				return
			}
		}
	}
}
