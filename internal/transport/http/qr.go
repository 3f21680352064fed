package http

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/julienschmidt/httprouter"
	"github.com/skip2/go-qrcode"

	"hoot-game-service/internal/domain"
)

const qrSize = 320

// joinQR renders the session's join link as a PNG for the host screen. Image
// tags cannot send headers, so the host authenticates with token and pin
// query parameters.
func (s *Server) joinQR(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	q := r.URL.Query()
	rec, err := s.service.Reconnect(r.Context(), q.Get("token"), q.Get("pin"))
	if err != nil {
		writeError(w, err)
		return
	}
	if !rec.Host || rec.Session.ID != ps.ByName("id") {
		writeError(w, domain.ErrReconnectTokenInvalid)
		return
	}
	if rec.Session.Phase != domain.PhaseLobby {
		writeError(w, domain.ErrSessionNotJoinable)
		return
	}

	png, err := qrcode.Encode(s.joinURL(r, rec.Session.PIN), qrcode.Medium, qrSize)
	if err != nil {
		http.Error(w, "qr generation failed", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	_, _ = w.Write(png)
}

func (s *Server) joinURL(r *http.Request, pin string) string {
	base := strings.TrimRight(s.publicURL, "/")
	if base == "" {
		scheme := "http"
		if r.TLS != nil {
			scheme = "https"
		}
		if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
			scheme = proto
		}
		base = scheme + "://" + r.Host
	}
	return base + "/join?" + url.Values{"pin": {pin}}.Encode()
}
