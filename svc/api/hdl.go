package api

import (
	"bytes"
	"encoding/json"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"time"

	"cinder/cfg"
	"cinder/pkg/domain"
	"cinder/svc/crypt"
	"cinder/svc/svc"
	"cinder/svc/util"

	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/hlog"
)

const (
	passwordHeader = "X-Paste-Password"
	tokenHeader    = "X-Deletion-Token"
	// formOverhead covers the non-content fields of a create request.
	formOverhead = 16 * 1024
)

type Hdl struct {
	paste *svc.Paste
	cfg   *cfg.Cfg
}

type CreateReq struct {
	Content   string  `json:"content"`
	Extension string  `json:"extension,omitempty"`
	Expires   Expires `json:"expires,omitempty"`
	Password  string  `json:"password,omitempty"`
}

// Expires accepts the form's expires value as a JSON string or a bare
// number of seconds.
type Expires string

func (e *Expires) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	switch {
	case bytes.Equal(b, []byte("null")):
		*e = ""
		return nil
	case len(b) > 0 && b[0] == '"':
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*e = Expires(s)
		return nil
	}
	if _, err := strconv.ParseUint(string(b), 10, 32); err != nil {
		return domain.ErrInvalidExpiry
	}
	*e = Expires(b)
	return nil
}

type CreateResp struct {
	ID               string     `json:"id"`
	URL              string     `json:"url"`
	DeletionToken    string     `json:"deletion_token"`
	ExpiresAt        *time.Time `json:"expires_at,omitempty"`
	BurnAfterReading bool       `json:"burn_after_reading"`
}

type BurnResp struct {
	ID               string `json:"id"`
	URL              string `json:"url"`
	BurnAfterReading bool   `json:"burn_after_reading"`
	Message          string `json:"message"`
}

func (h *Hdl) bodyLimit() int64 {
	return h.cfg.MaxPasteSize*2 + formOverhead
}

func (h *Hdl) CreatePaste(w http.ResponseWriter, r *http.Request) {
	log := hlog.FromRequest(r)
	requestID := util.GetRequestID(r.Context())
	contentType := r.Header.Get("Content-Type")
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil || mediaType != "application/json" {
		log.Warn().
			Str("content_type", contentType).
			Str("request_id", requestID).
			Msg("invalid Content-Type header")
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnsupportedMediaType)
		json.NewEncoder(w).Encode(map[string]string{
			"error":      "expected Content-Type: application/json",
			"request_id": requestID,
		})
		return
	}
	if r.ContentLength > h.bodyLimit() {
		log.Warn().Int64("content_length", r.ContentLength).Msg("Content-Length exceeds maximum")
		writeErr(w, domain.ErrPasteTooLarge, requestID)
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, h.bodyLimit())

	var req CreateReq
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		switch {
		case errors.As(err, &tooLarge):
			writeErr(w, domain.ErrPasteTooLarge, requestID)
		case errors.Is(err, domain.ErrInvalidExpiry):
			writeErr(w, domain.ErrInvalidExpiry, requestID)
		default:
			log.Warn().Err(err).Msg("invalid request")
			writeErr(w, domain.ErrInvalidRequest, requestID)
		}
		return
	}
	expiry, err := domain.ParseExpiry(string(req.Expires))
	if err != nil {
		writeErr(w, err, requestID)
		return
	}

	created, err := h.paste.Create(r.Context(), domain.CreateParams{
		Content:   []byte(req.Content),
		Extension: req.Extension,
		Password:  req.Password,
		Expiry:    expiry,
	})
	if err != nil {
		log.Warn().Err(err).Msg("failed to create paste")
		writeErr(w, err, requestID)
		return
	}
	resp := CreateResp{
		ID:               created.ID,
		URL:              "/" + created.ID,
		DeletionToken:    created.DeletionToken,
		BurnAfterReading: created.BurnAfterRead,
	}
	if !created.ExpiresAt.IsZero() {
		resp.ExpiresAt = &created.ExpiresAt
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Location", resp.URL)
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(resp)
}

// Index serves the creation form that posts to CreateForm.
func (h *Hdl) Index(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	if err := indexTmpl.Execute(w, indexData{
		Title:   h.cfg.Title,
		MaxSize: h.cfg.MaxPasteSize,
		Expires: expiryOptions,
	}); err != nil {
		hlog.FromRequest(r).Error().Err(err).Msg("failed to write index")
	}
}

// CreateForm handles the HTML form and redirects to the new paste, or to
// the one-time link page for burn pastes so the creator does not consume it.
func (h *Hdl) CreateForm(w http.ResponseWriter, r *http.Request) {
	log := hlog.FromRequest(r)
	requestID := util.GetRequestID(r.Context())
	r.Body = http.MaxBytesReader(w, r.Body, h.bodyLimit())

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	var err error
	if mediaType == "multipart/form-data" {
		err = r.ParseMultipartForm(h.bodyLimit())
	} else {
		err = r.ParseForm()
	}
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeErr(w, domain.ErrPasteTooLarge, requestID)
			return
		}
		log.Warn().Err(err).Msg("invalid form")
		writeErr(w, domain.ErrInvalidRequest, requestID)
		return
	}
	expiry, err := domain.ParseExpiry(r.PostForm.Get("expires"))
	if err != nil {
		writeErr(w, err, requestID)
		return
	}
	created, err := h.paste.Create(r.Context(), domain.CreateParams{
		Content:   []byte(r.PostForm.Get("text")),
		Extension: r.PostForm.Get("extension"),
		Password:  r.PostForm.Get("password"),
		Expiry:    expiry,
	})
	if err != nil {
		log.Warn().Err(err).Msg("failed to create paste")
		writeErr(w, err, requestID)
		return
	}
	target := "/" + created.ID
	if created.BurnAfterRead {
		target = "/burn/" + created.ID
	}
	w.Header().Set(tokenHeader, created.DeletionToken)
	http.Redirect(w, r, target, http.StatusSeeOther)
}

// View renders a paste. /{id}.{ext} renders with ext instead of the
// stored extension.
func (h *Hdl) View(w http.ResponseWriter, r *http.Request) {
	h.render(w, r, r.Header.Get(passwordHeader))
}

// Unlock renders a protected paste with the password taken from a form
// body, so it never lands in a URL or access log.
func (h *Hdl) Unlock(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, int64(crypt.MaxPasswordLength*4+formOverhead))
	if err := r.ParseForm(); err != nil {
		writeErr(w, domain.ErrInvalidRequest, util.GetRequestID(r.Context()))
		return
	}
	h.render(w, r, r.PostForm.Get("password"))
}

func (h *Hdl) render(w http.ResponseWriter, r *http.Request, password string) {
	log := hlog.FromRequest(r)
	requestID := util.GetRequestID(r.Context())
	id, ext := splitKey(chi.URLParam(r, "key"))

	rendered, err := h.paste.Read(r.Context(), id, password, ext)
	if err != nil {
		h.logReadErr(r, id, err)
		writeErr(w, err, requestID)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	if err := pageTmpl.Execute(w, pageData{
		Title:     h.cfg.Title,
		ID:        rendered.ID,
		Extension: rendered.Extension,
		Burn:      rendered.BurnAfterRead,
		Markup:    trustedMarkup(rendered.Markup),
	}); err != nil {
		log.Error().Err(err).Str("request_id", requestID).Msg("failed to write page")
	}
}

func (h *Hdl) Raw(w http.ResponseWriter, r *http.Request) {
	h.serveRaw(w, r, "")
}

func (h *Hdl) Download(w http.ResponseWriter, r *http.Request) {
	ext, err := svc.NormalizeExtension(chi.URLParam(r, "ext"))
	if err != nil || ext == "" {
		writeErr(w, domain.ErrInvalidExtension, util.GetRequestID(r.Context()))
		return
	}
	h.serveRaw(w, r, ext)
}

func (h *Hdl) serveRaw(w http.ResponseWriter, r *http.Request, downloadExt string) {
	requestID := util.GetRequestID(r.Context())
	id := chi.URLParam(r, "id")
	opened, err := h.paste.Open(r.Context(), id, r.Header.Get(passwordHeader))
	if err != nil {
		h.logReadErr(r, id, err)
		writeErr(w, err, requestID)
		return
	}
	defer util.Wipe(opened.Plaintext)
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.Itoa(len(opened.Plaintext)))
	if downloadExt != "" {
		w.Header().Set("Content-Disposition",
			mime.FormatMediaType("attachment", map[string]string{"filename": opened.ID + "." + downloadExt}))
	}
	w.WriteHeader(http.StatusOK)
	w.Write(opened.Plaintext)
}

// BurnLink describes a one-time link without reading the paste.
func (h *Hdl) BurnLink(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !util.ValidID(id) {
		writeErr(w, domain.ErrNotFound, util.GetRequestID(r.Context()))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(BurnResp{
		ID:               id,
		URL:              "/" + id,
		BurnAfterReading: true,
		Message:          "this link can be opened once; opening it destroys the paste",
	})
}

func (h *Hdl) DeletePaste(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	token := r.Header.Get(tokenHeader)
	log := hlog.FromRequest(r)
	requestID := util.GetRequestID(r.Context())
	if token == "" {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]string{
			"error":      "missing X-Deletion-Token header",
			"request_id": requestID,
		})
		return
	}
	if err := h.paste.Delete(r.Context(), id, token); err != nil {
		if !errors.Is(err, domain.ErrUnauthorized) {
			log.Error().Err(err).Str("id", util.RedactID(id)).Msg("failed to delete paste")
		}
		writeErr(w, err, requestID)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{"status": "deleted"})
}

func (h *Hdl) logReadErr(r *http.Request, id string, err error) {
	ev := hlog.FromRequest(r).Warn()
	if domain.Status(err) >= 500 {
		ev = hlog.FromRequest(r).Error()
	}
	ev.Err(err).
		Str("id", util.RedactID(id)).
		Str("client_ip", util.RedactIP(r.RemoteAddr)).
		Msg("paste read failed")
}

// splitKey separates "id.ext" into its parts.
func splitKey(key string) (id, ext string) {
	if i := strings.IndexByte(key, '.'); i >= 0 {
		return key[:i], key[i+1:]
	}
	return key, ""
}

func writeErr(w http.ResponseWriter, err error, requestID string) {
	statusCode := domain.Status(err)
	errorMsg := domain.ToResp(err).Error.Msg
	if statusCode >= 500 {
		errorMsg = "internal server error"
		if errors.Is(err, domain.ErrStorageUnavailable) || errors.Is(err, domain.ErrShuttingDown) {
			errorMsg = domain.ToResp(err).Error.Msg
		}
		util.Error().
			Err(err).
			Str("request_id", requestID).
			Msg("internal error with detailed info")
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(map[string]string{
		"error":      errorMsg,
		"request_id": requestID,
	})
}
