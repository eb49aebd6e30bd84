package main

import (
	"encoding/json"
	"log"
	"net"
	"net/http"
	"net/url"
	"strings"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/skip2/go-qrcode"
)

const qrSize = 256

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true // Non-browser clients don't send Origin
		}
		u, err := url.Parse(origin)
		if err != nil {
			return false
		}
		return u.Host == r.Host
	},
}

func extractIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// SetupRoutes configures HTTP routes
func SetupRoutes(hub *Hub) *http.ServeMux {
	mux := http.NewServeMux()
	auth := hub.world.Auth

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		online, err := hub.world.Lifecycle.OnlineCount(r.Context())
		if err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]int{
			"clients":     hub.ClientCount(),
			"connections": hub.TotalConns(),
			"online":      online,
		})
	})

	// Issues private authentication keys to an operator holding the
	// service key
	mux.HandleFunc("/key", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		ip := extractIP(r)
		if !auth.checkRate("key:" + ip) {
			http.Error(w, "too many attempts", http.StatusTooManyRequests)
			return
		}
		presented := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !auth.CheckServiceKey(presented) {
			log.Printf("SECURITY: key request with bad service key from %s", ip)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		identity := Identity(r.URL.Query().Get("identity"))
		if identity == "" {
			http.Error(w, "identity required", http.StatusBadRequest)
			return
		}
		key, err := auth.IssueKey(identity)
		if err != nil {
			log.Printf("issue key for %s: %v", identity, err)
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}

		if r.URL.Query().Get("format") == "qr" {
			png, err := qrcode.Encode(key, qrcode.Medium, qrSize)
			if err != nil {
				http.Error(w, "internal error", http.StatusInternalServerError)
				return
			}
			w.Header().Set("Content-Type", "image/png")
			w.Write(png)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(KeyResponse{
			Identity:  string(identity),
			Key:       key,
			ExpiresIn: int(keyExpiry.Seconds()),
		})
	})

	// WebSocket endpoint. A valid ?token= restores the identity it was
	// issued for, otherwise the connection gets a fresh identity.
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		ip := extractIP(r)
		if !hub.CanAccept(ip) {
			http.Error(w, "too many connections", http.StatusServiceUnavailable)
			return
		}

		identity, token, err := resolveIdentity(auth, r.URL.Query().Get("token"))
		if err != nil {
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Printf("upgrade error: %v", err)
			return
		}

		hub.TrackConnect(ip)

		client := NewClient(hub, conn, identity, token, ip)
		hub.register <- client

		go client.WritePump()
		go client.ReadPump()
	})

	return mux
}

func resolveIdentity(auth *Auth, token string) (Identity, string, error) {
	if token != "" {
		identity, err := auth.ValidateIdentityToken(token)
		if err != nil {
			return "", "", err
		}
		return identity, token, nil
	}
	identity := Identity(uuid.NewString())
	token, err := auth.IssueIdentityToken(identity)
	if err != nil {
		return "", "", err
	}
	return identity, token, nil
}
