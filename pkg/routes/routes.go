package routes

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/ebbtide-im/ebbtide/pkg/config"
	"github.com/ebbtide-im/ebbtide/pkg/federation"
	"github.com/ebbtide-im/ebbtide/pkg/models"
	"github.com/ebbtide-im/ebbtide/pkg/store"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/jellydator/ttlcache/v3"
)

const maxInboxBody = 1 << 20

// FederationRouter serves the federation wire endpoints, the administrator
// API, and the local wave action API.
type FederationRouter struct {
	config   config.Configuration
	storage  *store.Stores
	signer   *federation.Signer
	verifier *federation.Verifier
	registry *federation.Registry
	inbox    *federation.Inbox
	service  *federation.Service
	Notifier *WaveNotifier

	// inboxRate counts inbox requests per source node over a sliding minute.
	inboxRate *ttlcache.Cache[string, int]
}

// NewFederationRouter wires the HTTP layer around the federation components.
func NewFederationRouter(cfg config.Configuration, storage *store.Stores, signer *federation.Signer, verifier *federation.Verifier, registry *federation.Registry, inbox *federation.Inbox, service *federation.Service, notifier *WaveNotifier) *FederationRouter {
	rate := ttlcache.New[string, int](
		ttlcache.WithTTL[string, int](time.Minute),
	)
	go rate.Start()
	return &FederationRouter{
		config:    cfg,
		storage:   storage,
		signer:    signer,
		verifier:  verifier,
		registry:  registry,
		inbox:     inbox,
		service:   service,
		Notifier:  notifier,
		inboxRate: rate,
	}
}

// Handler builds the router with its middleware stack.
func (fr *FederationRouter) Handler() http.Handler {
	myRouter := mux.NewRouter().StrictSlash(true)

	myRouter.HandleFunc("/federation/identity", fr.getIdentity).Methods("GET")
	myRouter.HandleFunc("/federation/inbox", fr.postInbox).Methods("POST")
	myRouter.HandleFunc("/federation/users/{handle}", fr.getUser).Methods("GET")

	myRouter.HandleFunc("/api/federation/nodes", fr.listNodes).Methods("GET")
	myRouter.HandleFunc("/api/federation/nodes", fr.addNode).Methods("POST")
	myRouter.HandleFunc("/api/federation/nodes/{name}/handshake", fr.handshakeNode).Methods("POST")
	myRouter.HandleFunc("/api/federation/nodes/{name}/status", fr.setNodeStatus).Methods("PUT")
	myRouter.HandleFunc("/api/federation/nodes/{name}", fr.deleteNode).Methods("DELETE")
	myRouter.HandleFunc("/api/federation/queue", fr.listQueue).Methods("GET")
	myRouter.HandleFunc("/api/federation/identity/rotate", fr.rotateIdentity).Methods("POST")

	myRouter.HandleFunc("/api/waves", fr.createWave).Methods("POST")
	myRouter.HandleFunc("/api/waves/{id}/invites", fr.inviteUser).Methods("POST")
	myRouter.HandleFunc("/api/waves/{id}/pings", fr.listPings).Methods("GET")
	myRouter.HandleFunc("/api/waves/{id}/pings", fr.postPing).Methods("POST")
	myRouter.HandleFunc("/api/waves/{id}/pings/{pid}", fr.editPing).Methods("PUT")
	myRouter.HandleFunc("/api/waves/{id}/pings/{pid}", fr.deletePing).Methods("DELETE")
	myRouter.HandleFunc("/api/waves/{id}/events", fr.waveEvents).Methods("GET")

	myRouter.Use(handlers.ProxyHeaders)
	myRouter.Use(RequestLogger)
	h := handlers.RecoveryHandler()

	return h(myRouter)
}

// Serve runs the HTTP listener until ctx is cancelled, then drains in-flight
// requests before returning.
func (fr *FederationRouter) Serve(ctx context.Context, listenAddr string) error {
	srv := &http.Server{Addr: listenAddr, Handler: fr.Handler()}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("shutting down http server", "error", err)
		}
	}()
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func RequestLogger(h http.Handler) http.Handler {
	fn := func(w http.ResponseWriter, r *http.Request) {
		slog.Info("endpoint hit", "method", r.Method, "path", r.URL.Path, "remote_host", r.RemoteAddr, "user_agent", r.UserAgent())
		h.ServeHTTP(w, r)
	}
	return http.HandlerFunc(fn)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encoding response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// getIdentity serves this node's public identity. Unauthenticated: peers use
// it to handshake. The private key never appears here.
func (fr *FederationRouter) getIdentity(w http.ResponseWriter, r *http.Request) {
	ident, err := fr.storage.Identity.Get()
	if err != nil || ident == nil {
		slog.Error("loading identity", "error", err)
		writeError(w, http.StatusInternalServerError, "identity unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"nodeName":  ident.NodeName,
		"publicKey": ident.PublicKeyPEM,
		"createdAt": ident.CreatedAt,
	})
}

// postInbox is the single authenticated ingestion endpoint for all
// federation message types.
func (fr *FederationRouter) postInbox(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxInboxBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "unreadable body")
		return
	}

	sourceNode, err := fr.verifier.VerifyRequest(r, body)
	if err != nil {
		status := verificationStatus(err)
		slog.Warn("inbox request rejected", "source", sourceNode, "status", status, "error", err)
		writeError(w, status, err.Error())
		return
	}

	if !fr.allowInbox(sourceNode) {
		writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	var env models.Envelope
	if err := json.Unmarshal(body, &env); err != nil || env.ID == "" || env.Type == "" {
		writeError(w, http.StatusBadRequest, "malformed envelope")
		return
	}

	duplicate, err := fr.inbox.Process(r.Context(), sourceNode, &env)
	if err != nil {
		slog.Error("inbox handler failed", "id", env.ID, "type", env.Type, "source", sourceNode, "error", err)
		writeError(w, http.StatusInternalServerError, "handler failed")
		return
	}
	resp := map[string]any{"success": true}
	if duplicate {
		resp["duplicate"] = true
	}
	writeJSON(w, http.StatusOK, resp)
}

// verificationStatus maps verifier failures onto the wire contract: bad or
// missing signatures are 401, untrusted sources are 403.
func verificationStatus(err error) int {
	if errors.Is(err, federation.ErrUnknownNode) || errors.Is(err, federation.ErrNodeNotActive) {
		return http.StatusForbidden
	}
	return http.StatusUnauthorized
}

// allowInbox applies the lenient per-node rate limit.
func (fr *FederationRouter) allowInbox(sourceNode string) bool {
	limit := fr.config.Federation.InboxRatePerMinute
	if limit <= 0 {
		return true
	}
	count := 1
	if item := fr.inboxRate.Get(sourceNode); item != nil {
		count = item.Value() + 1
	}
	fr.inboxRate.Set(sourceNode, count, ttlcache.DefaultTTL)
	return count <= limit
}

// getUser serves a local user's profile to an authenticated peer.
func (fr *FederationRouter) getUser(w http.ResponseWriter, r *http.Request) {
	if _, err := fr.verifier.VerifyRequest(r, nil); err != nil {
		writeError(w, verificationStatus(err), err.Error())
		return
	}

	handle := mux.Vars(r)["handle"]
	user, err := fr.storage.Users.GetByHandle(handle)
	if err != nil {
		slog.Error("loading user", "handle", handle, "error", err)
		writeError(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	if user == nil {
		writeError(w, http.StatusNotFound, "no such user")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"user": map[string]any{
		"id":          user.ID,
		"handle":      user.Handle,
		"displayName": user.DisplayName,
		"avatar":      user.Avatar,
		"avatarUrl":   user.AvatarURL,
		"bio":         user.Bio,
		"createdAt":   user.CreatedAt,
	}})
}

func (fr *FederationRouter) listNodes(w http.ResponseWriter, r *http.Request) {
	nodes, err := fr.storage.Nodes.GetAll()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "listing nodes failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"nodes": nodes})
}

func (fr *FederationRouter) addNode(w http.ResponseWriter, r *http.Request) {
	var req struct {
		NodeName string `json:"nodeName"`
		BaseURL  string `json:"baseUrl"`
		AddedBy  string `json:"addedBy"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.NodeName == "" || req.BaseURL == "" {
		writeError(w, http.StatusBadRequest, "nodeName and baseUrl are required")
		return
	}
	if req.AddedBy == "" {
		req.AddedBy = "admin"
	}
	node, err := fr.registry.AddNode(req.NodeName, req.BaseURL, req.AddedBy)
	if err != nil {
		if errors.Is(err, federation.ErrNodeExists) {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		slog.Error("adding node", "node", req.NodeName, "error", err)
		writeError(w, http.StatusInternalServerError, "adding node failed")
		return
	}
	writeJSON(w, http.StatusCreated, node)
}

func (fr *FederationRouter) handshakeNode(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	if err := fr.registry.Handshake(r.Context(), name); err != nil {
		if errors.Is(err, federation.ErrNodeNotFound) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	node, err := fr.storage.Nodes.GetByName(name)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "loading node failed")
		return
	}
	writeJSON(w, http.StatusOK, node)
}

func (fr *FederationRouter) setNodeStatus(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	var req struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed body")
		return
	}
	switch req.Status {
	case models.NodeStatusActive, models.NodeStatusSuspended, models.NodeStatusBlocked:
	default:
		writeError(w, http.StatusBadRequest, "invalid status")
		return
	}
	if err := fr.storage.Nodes.SetStatus(name, req.Status); err != nil {
		writeError(w, http.StatusInternalServerError, "updating status failed")
		return
	}
	fr.verifier.Invalidate(name)
	writeJSON(w, http.StatusOK, map[string]string{"status": req.Status})
}

func (fr *FederationRouter) deleteNode(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	if err := fr.storage.Nodes.Delete(name); err != nil {
		writeError(w, http.StatusInternalServerError, "deleting node failed")
		return
	}
	fr.verifier.Invalidate(name)
	w.WriteHeader(http.StatusNoContent)
}

// listQueue exposes outbound delivery health to administrators. It never
// gates ordinary local actions.
func (fr *FederationRouter) listQueue(w http.ResponseWriter, r *http.Request) {
	msgs, err := fr.storage.Outbound.GetRecent(100)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "listing queue failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": msgs})
}

func (fr *FederationRouter) rotateIdentity(w http.ResponseWriter, r *http.Request) {
	ident, err := federation.RotateIdentity(fr.storage.Identity, fr.config.NodeName)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "rotation failed")
		return
	}
	// Outbound signing switches to the new key immediately; peers will reject
	// our traffic until they re-handshake.
	key, err := federation.ParsePrivateKey(ident.PrivateKeyPEM)
	if err != nil {
		slog.Error("parsing rotated key", "error", err)
		writeError(w, http.StatusInternalServerError, "rotation failed")
		return
	}
	fr.signer.SetKey(key)
	writeJSON(w, http.StatusOK, map[string]any{
		"nodeName":  ident.NodeName,
		"publicKey": ident.PublicKeyPEM,
		"updatedAt": ident.UpdatedAt,
	})
}

func (fr *FederationRouter) resolveAuthor(w http.ResponseWriter, handle string) *models.User {
	if handle == "" {
		writeError(w, http.StatusBadRequest, "authorHandle is required")
		return nil
	}
	user, err := fr.storage.Users.GetByHandle(handle)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "resolving user failed")
		return nil
	}
	if user == nil {
		writeError(w, http.StatusNotFound, "no such user")
		return nil
	}
	return user
}

func (fr *FederationRouter) createWave(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Title        string                    `json:"title"`
		AuthorHandle string                    `json:"authorHandle"`
		Invites      []federation.RemoteInvite `json:"invites"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed body")
		return
	}
	author := fr.resolveAuthor(w, req.AuthorHandle)
	if author == nil {
		return
	}
	wave, err := fr.service.CreateWave(r.Context(), author, req.Title, req.Invites)
	if err != nil {
		slog.Error("creating wave", "error", err)
		writeError(w, http.StatusInternalServerError, "creating wave failed")
		return
	}
	writeJSON(w, http.StatusCreated, wave)
}

func (fr *FederationRouter) inviteUser(w http.ResponseWriter, r *http.Request) {
	waveID := mux.Vars(r)["id"]
	var req federation.RemoteInvite
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.NodeName == "" || req.UserHandle == "" {
		writeError(w, http.StatusBadRequest, "nodeName and userHandle are required")
		return
	}
	if err := fr.service.InviteUser(r.Context(), waveID, req); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (fr *FederationRouter) listPings(w http.ResponseWriter, r *http.Request) {
	waveID := mux.Vars(r)["id"]
	local, err := fr.storage.Pings.GetByWave(waveID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "listing pings failed")
		return
	}
	remote, err := fr.storage.RemotePings.GetByWave(waveID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "listing pings failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"pings": local, "remotePings": remote})
}

func (fr *FederationRouter) postPing(w http.ResponseWriter, r *http.Request) {
	waveID := mux.Vars(r)["id"]
	var req struct {
		AuthorHandle string `json:"authorHandle"`
		Body         string `json:"body"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Body == "" {
		writeError(w, http.StatusBadRequest, "body is required")
		return
	}
	author := fr.resolveAuthor(w, req.AuthorHandle)
	if author == nil {
		return
	}
	ping, err := fr.service.PostPing(r.Context(), author, waveID, req.Body)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, ping)
}

func (fr *FederationRouter) editPing(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	var req struct {
		AuthorHandle string `json:"authorHandle"`
		Body         string `json:"body"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Body == "" {
		writeError(w, http.StatusBadRequest, "body is required")
		return
	}
	author := fr.resolveAuthor(w, req.AuthorHandle)
	if author == nil {
		return
	}
	if err := fr.service.EditPing(r.Context(), author, vars["id"], vars["pid"], req.Body); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (fr *FederationRouter) deletePing(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	var req struct {
		AuthorHandle string `json:"authorHandle"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed body")
		return
	}
	author := fr.resolveAuthor(w, req.AuthorHandle)
	if author == nil {
		return
	}
	if err := fr.service.DeletePing(r.Context(), author, vars["id"], vars["pid"]); err != nil {
		writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, federation.ErrWaveNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, federation.ErrNotWaveOrigin):
		writeError(w, http.StatusConflict, err.Error())
	default:
		slog.Error("wave action failed", "error", err)
		writeError(w, http.StatusInternalServerError, "action failed")
	}
}
