package api

import (
	"context"
	"net/http"
	"time"

	"github.com/ashureev/vibe-relay/internal/dnsverify"
	"github.com/ashureev/vibe-relay/internal/domain"
	"github.com/go-chi/chi/v5"
)

// DomainVerifier checks custom domain DNS records.
type DomainVerifier interface {
	Verify(ctx context.Context, projectName, rawDomain string) (*dnsverify.Result, error)
}

// DomainStore persists the custom domains of a user.
type DomainStore interface {
	ListUserDomains(ctx context.Context, email string) ([]domain.StoredDomainData, error)
	UpsertUserDomain(ctx context.Context, email string, d domain.StoredDomainData) ([]domain.StoredDomainData, error)
}

// DomainHandler serves custom domain routes.
type DomainHandler struct {
	*Handler
	verifier DomainVerifier
	domains  DomainStore
}

// NewDomainHandler creates a DomainHandler.
func NewDomainHandler(base *Handler, verifier DomainVerifier, domains DomainStore) *DomainHandler {
	return &DomainHandler{Handler: base, verifier: verifier, domains: domains}
}

// RegisterRoutes registers custom domain routes.
func (h *DomainHandler) RegisterRoutes(r chi.Router) {
	r.Route("/vercel", func(r chi.Router) {
		r.Post("/domain/verify", h.Verify)
		r.Get("/domains/user", h.ListUserDomains)
		r.Post("/domains/user", h.RecordUserDomain)
	})
}

type verifyDomainRequest struct {
	ProjectName string `json:"projectName"`
	Domain      string `json:"domain" validate:"required"`
}

type recordDomainRequest struct {
	Domain         string  `json:"domain" validate:"required,max=253"`
	Price          float64 `json:"price" validate:"gte=0"`
	CustomerID     string  `json:"customerId"`
	VercelDomainID string  `json:"vercelDomainId"`
}

// Verify checks that the domain's A records point at the deployment target.
// Lookup failures are reported in the body with status 200.
func (h *DomainHandler) Verify(w http.ResponseWriter, r *http.Request) {
	if _, ok := requireEmail(w, r); !ok {
		return
	}
	var req verifyDomainRequest
	if err := h.decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	result, err := h.verifier.Verify(r.Context(), req.ProjectName, req.Domain)
	if err != nil {
		writeError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, result)
}

// ListUserDomains returns the caller's recorded domains.
func (h *DomainHandler) ListUserDomains(w http.ResponseWriter, r *http.Request) {
	email, ok := requireEmail(w, r)
	if !ok {
		return
	}
	domains, err := h.domains.ListUserDomains(r.Context(), email)
	if err != nil {
		writeError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, map[string]interface{}{"domains": domains})
}

// RecordUserDomain stores a purchased domain for the caller.
func (h *DomainHandler) RecordUserDomain(w http.ResponseWriter, r *http.Request) {
	email, ok := requireEmail(w, r)
	if !ok {
		return
	}
	var req recordDomainRequest
	if err := h.decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	domains, err := h.domains.UpsertUserDomain(r.Context(), email, domain.StoredDomainData{
		Domain:         dnsverify.NormalizeDomain(req.Domain),
		PurchaseDate:   time.Now().UTC(),
		Price:          req.Price,
		CustomerID:     req.CustomerID,
		VercelDomainID: req.VercelDomainID,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, map[string]interface{}{"success": true, "domains": domains})
}
