// Package httpapi exposes the escrow ledger over REST.
package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	app "github.com/mu-platform/escrow_ledger/internal/app"
	"github.com/mu-platform/escrow_ledger/internal/app/apperr"
	appdomain "github.com/mu-platform/escrow_ledger/internal/app/domain/app"
	"github.com/mu-platform/escrow_ledger/internal/app/domain/developer"
	"github.com/mu-platform/escrow_ledger/internal/app/metrics"
)

// handler bundles HTTP endpoints for the application services.
type handler struct {
	app *app.Application
}

// NewHandler returns a mux exposing the escrow ledger API. Every route except
// health and metrics requires a caller identity.
func NewHandler(application *app.Application) http.Handler {
	h := &handler{app: application}

	api := http.NewServeMux()
	api.HandleFunc("/developers", h.developers)
	api.HandleFunc("/developers/me", h.developerMe)
	api.HandleFunc("/developers/me/", h.developerResources)
	api.HandleFunc("/apps/", h.appResources)

	mux := http.NewServeMux()
	mux.Handle("/", requireCaller(api))
	mux.HandleFunc("/healthz", h.healthz)
	mux.Handle("/metrics", metrics.Handler())
	return mux
}

type developerResponse struct {
	ID            string    `json:"id"`
	EscrowAccount string    `json:"escrow_account"`
	Apps          []string  `json:"apps"`
	CreatedAt     time.Time `json:"created_at"`
}

func (h *handler) developerResponse(dev developer.Developer) developerResponse {
	apps := dev.Apps
	if apps == nil {
		apps = []string{}
	}
	return developerResponse{
		ID:            dev.ID,
		EscrowAccount: h.app.Accounts.EscrowAccount(dev),
		Apps:          apps,
		CreatedAt:     dev.CreatedAt,
	}
}

func (h *handler) developers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	dev, err := h.app.Accounts.RegisterDeveloper(r.Context(), CallerID(r.Context()))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, h.developerResponse(dev))
}

func (h *handler) developerMe(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	dev, err := h.app.Accounts.GetDeveloper(r.Context(), CallerID(r.Context()))
	if err != nil {
		writeServiceError(w, err)
		return
	}

	balance, err := h.app.Accounts.EscrowBalance(r.Context(), dev)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	resp := struct {
		developerResponse
		EscrowBalance int64 `json:"escrow_balance"`
	}{h.developerResponse(dev), balance}
	writeJSON(w, http.StatusOK, resp)
}

func (h *handler) developerResources(w http.ResponseWriter, r *http.Request) {
	trimmed := strings.Trim(strings.TrimPrefix(r.URL.Path, "/developers/me"), "/")
	parts := strings.Split(trimmed, "/")
	if len(parts) == 0 || parts[0] == "" {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	switch parts[0] {
	case "apps":
		h.developerApps(w, r, parts[1:])
	case "withdrawals":
		h.withdrawals(w, r)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

type appResponse struct {
	ID        string          `json:"id"`
	State     string          `json:"state"`
	Revision  uint32          `json:"revision"`
	Name      string          `json:"name"`
	Usages    []usageResponse `json:"usages"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

type usageResponse struct {
	Kind         string    `json:"kind"`
	CreditAmount uint64    `json:"credit_amount"`
	Amount       int64     `json:"amount"`
	Timestamp    time.Time `json:"timestamp"`
}

func toAppResponse(a appdomain.App) appResponse {
	usages := make([]usageResponse, 0, len(a.Usages))
	for _, u := range a.Usages {
		usages = append(usages, usageResponse{
			Kind:         string(u.Kind),
			CreditAmount: u.CreditAmount,
			Amount:       u.Amount,
			Timestamp:    u.Timestamp,
		})
	}
	return appResponse{
		ID:        a.ID,
		State:     string(a.State),
		Revision:  a.Revision,
		Name:      a.Name,
		Usages:    usages,
		CreatedAt: a.CreatedAt,
		UpdatedAt: a.UpdatedAt,
	}
}

func (h *handler) developerApps(w http.ResponseWriter, r *http.Request, rest []string) {
	caller := CallerID(r.Context())

	if len(rest) == 0 || rest[0] == "" {
		switch r.Method {
		case http.MethodPost:
			var payload struct {
				Name    string `json:"name"`
				Payload []byte `json:"payload"`
			}
			if err := decodeJSON(r.Body, &payload); err != nil {
				writeError(w, http.StatusBadRequest, err)
				return
			}

			appID, err := h.app.Accounts.DeployApp(r.Context(), caller, payload.Name, payload.Payload)
			if err != nil {
				writeServiceError(w, err)
				return
			}
			writeJSON(w, http.StatusCreated, map[string]string{"id": appID})

		case http.MethodGet:
			apps, err := h.app.Accounts.ListApps(r.Context(), caller)
			if err != nil {
				writeServiceError(w, err)
				return
			}
			resp := make([]appResponse, 0, len(apps))
			for _, a := range apps {
				resp = append(resp, toAppResponse(a))
			}
			writeJSON(w, http.StatusOK, resp)

		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
		return
	}

	appID := rest[0]
	switch r.Method {
	case http.MethodGet:
		found, err := h.app.Accounts.GetApp(r.Context(), caller, appID)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		if found == nil {
			writeError(w, http.StatusNotFound, errors.New("app not found"))
			return
		}
		writeJSON(w, http.StatusOK, toAppResponse(*found))

	case http.MethodDelete:
		if err := h.app.Accounts.RemoveApp(r.Context(), caller, appID); err != nil {
			writeServiceError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)

	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (h *handler) withdrawals(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var payload struct {
		Destination string `json:"destination"`
		Amount      int64  `json:"amount"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if payload.Destination == "" {
		writeError(w, http.StatusBadRequest, errors.New("destination is required"))
		return
	}

	blockIndex, err := h.app.Settlement.Withdraw(r.Context(), CallerID(r.Context()),
		payload.Destination, payload.Amount)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]uint64{"block_index": blockIndex})
}

// appResources serves the app-authenticated surface: the caller identity is
// the app's own ID, not its developer's.
func (h *handler) appResources(w http.ResponseWriter, r *http.Request) {
	trimmed := strings.Trim(strings.TrimPrefix(r.URL.Path, "/apps"), "/")
	parts := strings.Split(trimmed, "/")
	if len(parts) != 2 || parts[0] == "" {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	appID := parts[0]

	if parts[1] != "topup" {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if CallerID(r.Context()) != appID {
		writeError(w, http.StatusForbidden, errors.New("caller is not this app"))
		return
	}

	var payload struct {
		CreditAmount uint64 `json:"credit_amount"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	minted, charged, err := h.app.Settlement.TopUp(r.Context(), appID, payload.CreditAmount)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"minted_credit":  minted,
		"tokens_charged": charged,
	})
}

func (h *handler) healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// writeServiceError maps service errors onto HTTP statuses.
func writeServiceError(w http.ResponseWriter, err error) {
	var insufficient *apperr.InsufficientBalanceError
	switch {
	case errors.Is(err, apperr.ErrDeveloperNotFound), errors.Is(err, apperr.ErrAppNotFound):
		writeError(w, http.StatusNotFound, err)
	case errors.Is(err, apperr.ErrAlreadyExists), errors.Is(err, apperr.ErrQuotaExceeded):
		writeError(w, http.StatusConflict, err)
	case errors.As(err, &insufficient):
		writeError(w, http.StatusPaymentRequired, err)
	case apperr.IsInternal(err):
		writeError(w, http.StatusInternalServerError, err)
	default:
		writeError(w, http.StatusBadRequest, err)
	}
}

func decodeJSON(body io.ReadCloser, dst interface{}) error {
	defer body.Close()
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}
