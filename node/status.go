package node

import (
	"encoding/json"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"

	cmn "github.com/lianxiangcloud/linkdht/libs/common"
	"github.com/lianxiangcloud/linkdht/libs/dht/contact"
	"github.com/lianxiangcloud/linkdht/libs/dht/kad"
	"github.com/lianxiangcloud/linkdht/libs/dht/kadid"
	"github.com/lianxiangcloud/linkdht/version"
)

// StatusResponse is served under /status.
type StatusResponse struct {
	Moniker  string           `json:"moniker"`
	Version  string           `json:"version"`
	Self     *contact.Contact `json:"self"`
	P2PAddr  string           `json:"p2p_addr"`
	Contacts int              `json:"contacts"`
	Buckets  []BucketStatus   `json:"buckets"`
}

// BucketStatus describes one routing table bucket.
type BucketStatus struct {
	Low      kadid.ID  `json:"low"`
	High     kadid.ID  `json:"high"`
	Depth    int       `json:"depth"`
	Contacts int       `json:"contacts"`
	Changed  time.Time `json:"changed"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (n *Node) startRPC() error {
	if n.config.RPC.ListenAddress == "" {
		return nil
	}
	protocol, address := cmn.ProtocolAndAddress(n.config.RPC.ListenAddress)
	ln, err := net.Listen(protocol, address)
	if err != nil {
		return err
	}
	n.rpcListener = ln
	n.rpcServer = &http.Server{
		Handler:      n.statusHandler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	n.Logger.Info("Starting status server", "addr", ln.Addr())
	go func() {
		if err := n.rpcServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			n.Logger.Error("Status server stopped", "err", err)
		}
	}()
	return nil
}

func (n *Node) statusHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/status", n.handleStatus)
	mux.HandleFunc("/contacts", n.handleContacts)
	mux.HandleFunc("/value", n.handleValue)
	if n.config.Instrumentation.Prometheus {
		mux.Handle("/metrics", promhttp.Handler())
	}

	var handler http.Handler = mux
	if n.config.RPC.IsCorsEnabled() {
		corsMiddleware := cors.New(cors.Options{
			AllowedOrigins: n.config.RPC.CORSAllowedOrigins,
			AllowedMethods: n.config.RPC.CORSAllowedMethods,
			AllowedHeaders: n.config.RPC.CORSAllowedHeaders,
		})
		handler = corsMiddleware.Handler(handler)
	}
	return handler
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func (n *Node) handleStatus(w http.ResponseWriter, r *http.Request) {
	table := n.dht.Table()
	resp := StatusResponse{
		Moniker:  n.config.Moniker,
		Version:  version.Version,
		Self:     n.dht.Self(),
		P2PAddr:  n.P2PAddr().String(),
		Contacts: table.Len(),
	}
	for _, b := range table.Buckets() {
		resp.Buckets = append(resp.Buckets, BucketStatus{
			Low:      b.Low,
			High:     b.High,
			Depth:    b.Depth,
			Contacts: len(b.Contacts),
			Changed:  b.LastChanged,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleContacts lists the routing table, or with ?bucket=name the
// contacts advertising that bucket.
func (n *Node) handleContacts(w http.ResponseWriter, r *http.Request) {
	bucket := r.URL.Query().Get("bucket")
	if bucket == "" {
		writeJSON(w, http.StatusOK, n.dht.Table().Contacts())
		return
	}
	holders, err := n.dht.FindBucketHolders(r.Context(), bucket)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResponse{err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, holders)
}

// handleValue runs FIND_VALUE for ?key=<hex id> or ?name=<bucket name>.
func (n *Node) handleValue(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var key kadid.ID
	switch {
	case q.Get("key") != "":
		var err error
		if key, err = kadid.FromHex(q.Get("key")); err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{err.Error()})
			return
		}
	case q.Get("name") != "":
		key = kad.BucketKey(q.Get("name"))
	default:
		writeJSON(w, http.StatusBadRequest, errorResponse{"key or name required"})
		return
	}
	res, err := n.dht.FindValue(r.Context(), key)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResponse{err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, res)
}
