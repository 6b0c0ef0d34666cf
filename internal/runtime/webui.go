package runtime

import (
	"net/http"
	"strings"

	jsoncodec "github.com/drblury/svcflow/internal/runtime/jsoncodec"
)

func (c *Container) registerWebUI() {
	if !c.cfg.WebUIEnabled {
		return
	}
	port := c.cfg.WebUIPort
	if port == 0 {
		port = 8081
	}
	c.RegisterHTTPHandler(port, "/api/services", http.HandlerFunc(c.handleGetServices))
	c.RegisterHTTPHandler(port, "/api/dead-letters", http.HandlerFunc(c.handleGetDeadLetters))
}

func (c *Container) handleGetServices(w http.ResponseWriter, r *http.Request) {
	c.writeJSON(w, r, func() any { return c.Stats() })
}

func (c *Container) handleGetDeadLetters(w http.ResponseWriter, r *http.Request) {
	c.writeJSON(w, r, func() any { return c.dlq.GetSnapshot() })
}

func (c *Container) writeJSON(w http.ResponseWriter, r *http.Request, body func() any) {
	w.Header().Set("Content-Type", "application/json")

	if len(c.cfg.WebUICORSAllowedOrigins) > 0 {
		if allowed := c.allowedCORSOrigin(r.Header.Get("Origin")); allowed != "" {
			w.Header().Set("Access-Control-Allow-Origin", allowed)
			w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		}
	}

	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if r.Method != http.MethodGet {
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}

	if err := jsoncodec.Encode(w, body()); err != nil {
		c.logger.Error("Failed to encode web UI response", err, nil)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
	}
}

// allowedCORSOrigin returns the Access-Control-Allow-Origin value for
// requestOrigin, or "" when it is not allowed.
func (c *Container) allowedCORSOrigin(requestOrigin string) string {
	for _, allowed := range c.cfg.WebUICORSAllowedOrigins {
		if allowed == "*" {
			return "*"
		}
		if strings.EqualFold(allowed, requestOrigin) {
			return requestOrigin
		}
	}
	return ""
}
