// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package dsf

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	pkgtls "github.com/absmach/querydispatch/pkg/tls"
	"github.com/absmach/querydispatch/testutil"
	"github.com/gorilla/websocket"
)

// fakeDSF is a mutual-TLS FHIR endpoint with a websocket notification
// channel.
type fakeDSF struct {
	srv   *httptest.Server
	certs *testutil.CertMaterial

	mu            sync.Mutex
	subscriptions []string
	transactions  []Bundle
	conns         []*websocket.Conn

	creates         atomic.Int32
	searches        atomic.Int32
	refusals        atomic.Int32
	failTransaction atomic.Bool
	refuseSocket    atomic.Bool

	// Server-side connection accounting.
	accepted atomic.Int32
	open     atomic.Int32

	binds chan string
}

func newFakeDSF(t *testing.T, existing ...string) *fakeDSF {
	t.Helper()

	f := &fakeDSF{
		certs:         testutil.GenerateCertMaterial(t, testutil.CertOptions{}),
		subscriptions: existing,
		binds:         make(chan string, 16),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /fhir/Subscription", f.searchSubscriptions)
	mux.HandleFunc("POST /fhir/Subscription", f.createSubscription)
	mux.HandleFunc("POST /fhir", f.transaction)
	mux.HandleFunc("GET /ws", f.websocket)

	f.srv = httptest.NewUnstartedServer(mux)
	f.srv.TLS = f.certs.ServerTLSConfig()
	f.srv.Config.ConnState = f.trackConn
	f.srv.StartTLS()

	t.Cleanup(func() {
		f.dropAll()
		f.srv.Close()
	})

	return f
}

func (f *fakeDSF) config() Config {
	return Config{
		BaseURL:        f.srv.URL + "/fhir",
		WebsocketURL:   "wss://" + strings.TrimPrefix(f.srv.URL, "https://") + "/ws",
		OrganizationID: "Test_ZARS",
		ConnectTimeout: 2 * time.Second,
		ReadTimeout:    2 * time.Second,
		TLS: pkgtls.Config{
			CertFile: f.certs.CertFile,
			KeyFile:  f.certs.KeyFile,
			CAFile:   f.certs.CAFile,
		},
	}
}

func (f *fakeDSF) provider() *pkgtls.Provider {
	return pkgtls.NewProvider(f.config().TLS)
}

func (f *fakeDSF) searchSubscriptions(w http.ResponseWriter, r *http.Request) {
	f.searches.Add(1)
	q := r.URL.Query()
	if r.Header.Get("Prefer") != "handling=strict" ||
		q.Get("criteria") != subscriptionCriteria ||
		q.Get("status") != "active" ||
		q.Get("type") != "websocket" ||
		q.Get("payload") != fhirJSON {
		http.Error(w, "unexpected search", http.StatusBadRequest)
		return
	}

	f.mu.Lock()
	ids := append([]string(nil), f.subscriptions...)
	f.mu.Unlock()

	total := len(ids)
	bundle := Bundle{ResourceType: "Bundle", Type: "searchset", Total: &total}
	for _, id := range ids {
		raw, _ := json.Marshal(Subscription{ResourceType: "Subscription", ID: id, Status: "active", Criteria: subscriptionCriteria})
		bundle.Entry = append(bundle.Entry, BundleEntry{Resource: raw})
	}
	writeJSON(w, http.StatusOK, bundle)
}

func (f *fakeDSF) createSubscription(w http.ResponseWriter, r *http.Request) {
	var sub Subscription
	if err := json.NewDecoder(r.Body).Decode(&sub); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	n := f.creates.Add(1)
	sub.ID = fmt.Sprintf("sub-%d", n)

	f.mu.Lock()
	f.subscriptions = append(f.subscriptions, sub.ID)
	f.mu.Unlock()

	writeJSON(w, http.StatusCreated, sub)
}

func (f *fakeDSF) transaction(w http.ResponseWriter, r *http.Request) {
	if f.failTransaction.Load() {
		http.Error(w, "processing failed", http.StatusInternalServerError)
		return
	}

	var b Bundle
	if err := json.NewDecoder(r.Body).Decode(&b); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	f.mu.Lock()
	f.transactions = append(f.transactions, b)
	f.mu.Unlock()

	resp := Bundle{ResourceType: "Bundle", Type: "transaction-response"}
	for range b.Entry {
		resp.Entry = append(resp.Entry, BundleEntry{Response: &bundleResponse{Status: "201 Created"}})
	}
	writeJSON(w, http.StatusOK, resp)
}

func (f *fakeDSF) trackConn(_ net.Conn, state http.ConnState) {
	switch state {
	case http.StateNew:
		f.accepted.Add(1)
		f.open.Add(1)
	case http.StateClosed, http.StateHijacked:
		f.open.Add(-1)
	}
}

func (f *fakeDSF) websocket(w http.ResponseWriter, r *http.Request) {
	if f.refuseSocket.Load() {
		f.refusals.Add(1)
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
		return
	}

	upgrader := websocket.Upgrader{}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	_, data, err := conn.ReadMessage()
	if err != nil || !strings.HasPrefix(string(data), "bind ") {
		conn.Close()
		return
	}
	id := strings.TrimPrefix(string(data), "bind ")
	if err := conn.WriteMessage(websocket.TextMessage, []byte("bound "+id)); err != nil {
		conn.Close()
		return
	}

	f.mu.Lock()
	f.conns = append(f.conns, conn)
	f.mu.Unlock()
	f.binds <- id

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

// push writes a frame to the newest bound socket.
func (f *fakeDSF) push(frame string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.conns) == 0 {
		return fmt.Errorf("no bound socket")
	}
	return f.conns[len(f.conns)-1].WriteMessage(websocket.TextMessage, []byte(frame))
}

// dropAll closes every bound socket without a close handshake.
func (f *fakeDSF) dropAll() {
	f.mu.Lock()
	conns := f.conns
	f.conns = nil
	f.mu.Unlock()

	for _, c := range conns {
		c.Close()
	}
}

func (f *fakeDSF) received() []Bundle {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Bundle(nil), f.transactions...)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", fhirJSON)
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
